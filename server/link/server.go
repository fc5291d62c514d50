//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package link serves download links over HTTP.
//
//	GET /images/{id}/canonical       OME-TIFF link, generating one if needed
//	GET /images/{id}/download        link to the original import
//	GET /images/{id}/detail          web client detail page
//	GET /annotations/{id}/download   link to an attachment
//	GET /healthz                     session state
//
// Links are returned as {"url": "..."}; failures as {"error", "kind"}
// with a status derived from the error kind.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/log"
)

// HeaderRequestID carries the request id, echoed back or generated.
const HeaderRequestID = "X-Request-Id"

// Linker produces links on one session. *client.Client implements it.
type Linker interface {
	AcquireCanonicalLink(ctx context.Context, imageID int64) (string, error)
	AcquireWithTimeout(ctx context.Context, imageID int64, timeout time.Duration) (string, error)
	ImageDownloadLink(ctx context.Context, imageID int64) (string, error)
	ImageDetailLink(ctx context.Context, imageID int64) (string, error)
	AnnotationDownloadLink(ctx context.Context, annotationID int64) (string, error)
	IsConnected() (bool, error)
}

// Server exposes a Linker over HTTP.
type Server struct {
	linker         Linker
	router         *mux.Router
	handler        http.Handler
	acquireTimeout time.Duration
	allowedOrigins []string
}

// Option configures the Server.
type Option func(*Server)

// WithAcquireTimeout bounds canonical acquisitions. On expiry the session
// is dropped and the request fails with 503.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Server) { s.acquireTimeout = d }
}

// WithAllowedOrigins sets the CORS origins; all origins by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// New creates a Server.
func New(linker Linker, opts ...Option) *Server {
	s := &Server{
		linker:         linker,
		router:         mux.NewRouter(),
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(requestID)
	s.registerRoutes()
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type", HeaderRequestID},
	})
	s.handler = c.Handler(s.router)
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/images/{id}/canonical", s.imageLink(s.canonical)).Methods(http.MethodGet)
	s.router.HandleFunc("/images/{id}/download", s.imageLink(s.linker.ImageDownloadLink)).Methods(http.MethodGet)
	s.router.HandleFunc("/images/{id}/detail", s.imageLink(s.linker.ImageDetailLink)).Methods(http.MethodGet)
	s.router.HandleFunc("/annotations/{id}/download", s.imageLink(s.linker.AnnotationDownloadLink)).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) canonical(ctx context.Context, imageID int64) (string, error) {
	if s.acquireTimeout > 0 {
		return s.linker.AcquireWithTimeout(ctx, imageID, s.acquireTimeout)
	}
	return s.linker.AcquireCanonicalLink(ctx, imageID)
}

type linkResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Server) imageLink(compose func(context.Context, int64) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := mux.Vars(r)["id"]
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid id %q", raw)})
			return
		}
		url, err := compose(r.Context(), id)
		if err != nil {
			status := statusFor(err)
			log.Warnf("link server: %s %s [%s]: %v", r.Method, r.URL.Path, w.Header().Get(HeaderRequestID), err)
			writeJSON(w, status, errorResponse{Error: err.Error(), Kind: errs.KindOf(err).String()})
			return
		}
		writeJSON(w, http.StatusOK, linkResponse{URL: url})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected, err := s.linker.IsConnected()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Kind: errs.KindOf(err).String()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Connected: connected})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindAuthenticationFailed, errs.KindSessionResumeFailed:
		return http.StatusUnauthorized
	case errs.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindIllegalConnectionState:
		return http.StatusConflict
	case errs.KindGenerationFailed, errs.KindPublishFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		log.Debugf("link server: %s %s [%s]", r.Method, r.URL.Path, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("link server: encode response: %v", err)
	}
}
