//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/log"
)

// errBadRequest marks malformed requests; it maps to 400.
var errBadRequest = errors.New("bad request")

// maxChunkBody caps one raw store write.
const maxChunkBody = 64 << 20

// Handler serves a gateway.Gateway over HTTP.
type Handler struct {
	gw     gateway.Gateway
	router *mux.Router

	mu         sync.Mutex
	token      string
	exporters  map[string]gateway.Exporter
	stores     map[string]gateway.RawFileStore
	thumbnails map[string]gateway.ThumbnailStore
}

// NewHandler creates a bridge serving gw.
func NewHandler(gw gateway.Gateway) *Handler {
	h := &Handler{
		gw:         gw,
		router:     mux.NewRouter(),
		exporters:  make(map[string]gateway.Exporter),
		stores:     make(map[string]gateway.RawFileStore),
		thumbnails: make(map[string]gateway.ThumbnailStore),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	// Session.
	h.router.HandleFunc(routeConnect, h.handleConnect).Methods(http.MethodPost)
	h.router.HandleFunc(routeDisconnect, h.handleDisconnect).Methods(http.MethodPost)
	h.router.HandleFunc(routeStatus, h.handleStatus).Methods(http.MethodGet)

	// Browsing and metadata.
	h.router.HandleFunc(routeImage, h.attached(h.handleGetImage)).Methods(http.MethodGet)
	h.router.HandleFunc(routeProjects, h.attached(h.handleGetProjects)).Methods(http.MethodGet)
	h.router.HandleFunc(routeDatasetImages, h.attached(h.handleDatasetImages)).Methods(http.MethodPost)
	h.router.HandleFunc(routeFileAnnotations, h.attached(h.handleFileAnnotations)).Methods(http.MethodGet)
	h.router.HandleFunc(routeMapAnnotations, h.attached(h.handleMapAnnotations)).Methods(http.MethodGet)
	h.router.HandleFunc(routeChannels, h.attached(h.handleChannels)).Methods(http.MethodGet)

	// Data management.
	h.router.HandleFunc(routeOriginalFiles, h.attached(h.handleSaveOriginalFile)).Methods(http.MethodPost)
	h.router.HandleFunc(routeFileAnnotation, h.attached(h.handleSaveFileAnnotation)).Methods(http.MethodPost)
	h.router.HandleFunc(routeImageAnnotation, h.attached(h.handleLinkImageAnnotation)).Methods(http.MethodPost)
	h.router.HandleFunc(routeAnnotation, h.attached(h.handleDeleteAnnotation)).Methods(http.MethodDelete)
	h.router.HandleFunc(routeProjects, h.attached(h.handleCreateProject)).Methods(http.MethodPost)
	h.router.HandleFunc(routeProjectDatasets, h.attached(h.handleCreateDataset)).Methods(http.MethodPost)
	h.router.HandleFunc(routeMapAnnotation, h.attached(h.handleAttachMapAnnotation)).Methods(http.MethodPost)

	// Exporter proxies.
	h.router.HandleFunc(routeExporters, h.attached(h.handleOpenExporter)).Methods(http.MethodPost)
	h.router.HandleFunc(routeExporterImage, h.attached(h.handleExporterAddImage)).Methods(http.MethodPost)
	h.router.HandleFunc(routeExporterTiff, h.attached(h.handleExporterGenerate)).Methods(http.MethodPost)
	h.router.HandleFunc(routeExporterData, h.attached(h.handleExporterRead)).Methods(http.MethodGet)
	h.router.HandleFunc(routeExporter, h.handleCloseExporter).Methods(http.MethodDelete)

	// Raw file store proxies.
	h.router.HandleFunc(routeFileStores, h.attached(h.handleOpenStore)).Methods(http.MethodPost)
	h.router.HandleFunc(routeStoreData, h.attached(h.handleStoreWrite)).Methods(http.MethodPut)
	h.router.HandleFunc(routeStoreSave, h.attached(h.handleStoreSave)).Methods(http.MethodPost)
	h.router.HandleFunc(routeStore, h.handleCloseStore).Methods(http.MethodDelete)

	// Thumbnail proxies.
	h.router.HandleFunc(routeThumbnailStores, h.attached(h.handleOpenThumbnails)).Methods(http.MethodPost)
	h.router.HandleFunc(routeThumbnail, h.attached(h.handleThumbnail)).Methods(http.MethodGet)
	h.router.HandleFunc(routeThumbnailStore, h.handleCloseThumbnails).Methods(http.MethodDelete)
}

// attached rejects requests carrying a session token other than the one
// the bridge is logged in with.
func (h *Handler) attached(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		token := h.token
		h.mu.Unlock()
		if got := r.Header.Get(HeaderSession); token != "" && got != token {
			writeError(w, fmt.Errorf("session %q is not attached: %w", got, gateway.ErrOutOfService))
			return
		}
		next(w, r)
	}
}

// ---- Session ------------------------------------------------------------

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var creds gateway.Credentials
	if !decode(w, r, &creds) {
		return
	}
	login, err := h.gw.Connect(r.Context(), creds)
	if err != nil {
		writeError(w, err)
		return
	}
	h.mu.Lock()
	prev := h.token
	h.token = login.SessionToken
	h.mu.Unlock()
	if prev != login.SessionToken {
		h.closeProxies(r.Context())
	}
	writeJSON(w, http.StatusOK, login)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.closeProxies(r.Context())
	err := h.gw.Disconnect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.mu.Lock()
	h.token = ""
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// closeProxies closes every open proxy. Proxies belong to the session
// they were opened in and are dropped with it.
func (h *Handler) closeProxies(ctx context.Context) {
	h.mu.Lock()
	exporters, stores, thumbnails := h.exporters, h.stores, h.thumbnails
	h.exporters = make(map[string]gateway.Exporter)
	h.stores = make(map[string]gateway.RawFileStore)
	h.thumbnails = make(map[string]gateway.ThumbnailStore)
	h.mu.Unlock()

	closers := make(map[string]interface{ Close(context.Context) error },
		len(exporters)+len(stores)+len(thumbnails))
	for handle, p := range exporters {
		closers["exporter "+handle] = p
	}
	for handle, p := range stores {
		closers["raw file store "+handle] = p
	}
	for handle, p := range thumbnails {
		closers["thumbnail store "+handle] = p
	}
	for name, p := range closers {
		if err := p.Close(ctx); err != nil {
			log.Warnf("httpgw: close %s: %v", name, err)
		}
	}
	if n := len(closers); n > 0 {
		log.Infof("httpgw: closed %d proxies left open by the previous session", n)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Connected: h.gw.IsConnected()}
	if resp.Connected {
		h.mu.Lock()
		resp.SessionToken = h.token
		h.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- Browsing and metadata ----------------------------------------------

func (h *Handler) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.gw.Browse(securityContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	img, err := b.GetImage(r.Context(), id)
	reply(w, img, err)
}

func (h *Handler) handleGetProjects(w http.ResponseWriter, r *http.Request) {
	b, err := h.gw.Browse(securityContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	projects, err := b.GetProjects(r.Context())
	reply(w, projects, err)
}

func (h *Handler) handleDatasetImages(w http.ResponseWriter, r *http.Request) {
	var req datasetImagesRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.gw.Browse(securityContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	images, err := b.GetImagesForDatasets(r.Context(), req.DatasetIDs)
	reply(w, images, err)
}

func (h *Handler) handleFileAnnotations(w http.ResponseWriter, r *http.Request) {
	h.withMetadata(w, r, func(ctx context.Context, md gateway.Metadata, id int64) (any, error) {
		return md.FileAnnotations(ctx, id)
	})
}

func (h *Handler) handleMapAnnotations(w http.ResponseWriter, r *http.Request) {
	h.withMetadata(w, r, func(ctx context.Context, md gateway.Metadata, id int64) (any, error) {
		return md.MapAnnotations(ctx, id)
	})
}

func (h *Handler) handleChannels(w http.ResponseWriter, r *http.Request) {
	h.withMetadata(w, r, func(ctx context.Context, md gateway.Metadata, id int64) (any, error) {
		return md.ChannelData(ctx, id)
	})
}

func (h *Handler) withMetadata(w http.ResponseWriter, r *http.Request,
	call func(context.Context, gateway.Metadata, int64) (any, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	md, err := h.gw.Metadata(securityContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := call(r.Context(), md, id)
	reply(w, v, err)
}

// ---- Data management ----------------------------------------------------

func (h *Handler) dataManager(w http.ResponseWriter, r *http.Request) (gateway.DataManager, bool) {
	dm, err := h.gw.DataManager(securityContext(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return dm, true
}

func (h *Handler) handleSaveOriginalFile(w http.ResponseWriter, r *http.Request) {
	var file gateway.OriginalFile
	if !decode(w, r, &file) {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	saved, err := dm.SaveOriginalFile(r.Context(), file)
	reply(w, saved, err)
}

func (h *Handler) handleSaveFileAnnotation(w http.ResponseWriter, r *http.Request) {
	var ann gateway.FileAnnotation
	if !decode(w, r, &ann) {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	saved, err := dm.SaveFileAnnotation(r.Context(), ann)
	reply(w, saved, err)
}

func (h *Handler) handleLinkImageAnnotation(w http.ResponseWriter, r *http.Request) {
	imageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	annID, ok := pathID(w, r, "annotationId")
	if !ok {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	noContent(w, dm.LinkImageAnnotation(r.Context(), imageID, annID))
}

func (h *Handler) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	noContent(w, dm.DeleteAnnotation(r.Context(), id))
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	id, err := dm.CreateProject(r.Context(), req.Name, req.Description)
	reply(w, idResponse{ID: id}, err)
}

func (h *Handler) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	id, err := dm.CreateDataset(r.Context(), projectID, req.Name, req.Description)
	reply(w, idResponse{ID: id}, err)
}

func (h *Handler) handleAttachMapAnnotation(w http.ResponseWriter, r *http.Request) {
	var req mapAnnotationRequest
	if !decode(w, r, &req) {
		return
	}
	dm, ok := h.dataManager(w, r)
	if !ok {
		return
	}
	id, err := dm.AttachMapAnnotation(r.Context(), req.Target, req.Annotation)
	reply(w, idResponse{ID: id}, err)
}

// ---- Exporter proxies ---------------------------------------------------

func (h *Handler) handleOpenExporter(w http.ResponseWriter, r *http.Request) {
	exp, err := h.gw.Exporter(r.Context(), securityContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	handle := uuid.NewString()
	h.mu.Lock()
	h.exporters[handle] = exp
	h.mu.Unlock()
	writeJSON(w, http.StatusCreated, handleResponse{Handle: handle})
}

func (h *Handler) exporter(w http.ResponseWriter, r *http.Request) (gateway.Exporter, bool) {
	handle := mux.Vars(r)["handle"]
	h.mu.Lock()
	exp, ok := h.exporters[handle]
	h.mu.Unlock()
	if !ok {
		writeError(w, fmt.Errorf("exporter %q: %w", handle, gateway.ErrNotFound))
	}
	return exp, ok
}

func (h *Handler) handleExporterAddImage(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.exporter(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	noContent(w, exp.AddImage(r.Context(), id))
}

func (h *Handler) handleExporterGenerate(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.exporter(w, r)
	if !ok {
		return
	}
	size, err := exp.GenerateTiff(r.Context())
	reply(w, sizeResponse{Size: size}, err)
}

func (h *Handler) handleExporterRead(w http.ResponseWriter, r *http.Request) {
	exp, ok := h.exporter(w, r)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	size, ok := queryInt(w, r, "size")
	if !ok {
		return
	}
	data, err := exp.Read(r.Context(), offset, int(size))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBytes(w, data)
}

func (h *Handler) handleCloseExporter(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	h.mu.Lock()
	exp, ok := h.exporters[handle]
	delete(h.exporters, handle)
	h.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	noContent(w, exp.Close(r.Context()))
}

// ---- Raw file store proxies ---------------------------------------------

func (h *Handler) handleOpenStore(w http.ResponseWriter, r *http.Request) {
	fileID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	store, err := h.gw.RawFileStore(r.Context(), securityContext(r), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	handle := uuid.NewString()
	h.mu.Lock()
	h.stores[handle] = store
	h.mu.Unlock()
	writeJSON(w, http.StatusCreated, handleResponse{Handle: handle})
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (gateway.RawFileStore, bool) {
	handle := mux.Vars(r)["handle"]
	h.mu.Lock()
	store, ok := h.stores[handle]
	h.mu.Unlock()
	if !ok {
		writeError(w, fmt.Errorf("raw file store %q: %w", handle, gateway.ErrNotFound))
	}
	return store, ok
}

func (h *Handler) handleStoreWrite(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBody))
	if err != nil {
		writeError(w, fmt.Errorf("read body: %v: %w", err, errBadRequest))
		return
	}
	noContent(w, store.Write(r.Context(), data, offset))
}

func (h *Handler) handleStoreSave(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	saved, err := store.Save(r.Context())
	reply(w, saved, err)
}

func (h *Handler) handleCloseStore(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	h.mu.Lock()
	store, ok := h.stores[handle]
	delete(h.stores, handle)
	h.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	noContent(w, store.Close(r.Context()))
}

// ---- Thumbnail proxies --------------------------------------------------

func (h *Handler) handleOpenThumbnails(w http.ResponseWriter, r *http.Request) {
	ts, err := h.gw.ThumbnailStore(r.Context(), securityContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	handle := uuid.NewString()
	h.mu.Lock()
	h.thumbnails[handle] = ts
	h.mu.Unlock()
	writeJSON(w, http.StatusCreated, handleResponse{Handle: handle})
}

func (h *Handler) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	h.mu.Lock()
	ts, ok := h.thumbnails[handle]
	h.mu.Unlock()
	if !ok {
		writeError(w, fmt.Errorf("thumbnail store %q: %w", handle, gateway.ErrNotFound))
		return
	}
	pixelsID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	width, ok := queryInt(w, r, "width")
	if !ok {
		return
	}
	height, ok := queryInt(w, r, "height")
	if !ok {
		return
	}
	data, err := ts.Thumbnail(r.Context(), pixelsID, int(width), int(height))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBytes(w, data)
}

func (h *Handler) handleCloseThumbnails(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	h.mu.Lock()
	ts, ok := h.thumbnails[handle]
	delete(h.thumbnails, handle)
	h.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	noContent(w, ts.Close(r.Context()))
}

// ---- Helpers ------------------------------------------------------------

func securityContext(r *http.Request) gateway.SecurityContext {
	id, _ := strconv.ParseInt(r.Header.Get(HeaderGroup), 10, 64)
	return gateway.SecurityContext{GroupID: id}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("path %s %q: %w", name, raw, errBadRequest))
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		writeError(w, fmt.Errorf("query %s %q: %w", name, raw, errBadRequest))
		return 0, false
	}
	return v, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("decode body: %v: %w", err, errBadRequest))
		return false
	}
	return true
}

func reply(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func noContent(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("httpgw: encode response: %v", err)
	}
}

func writeBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Errorf("httpgw: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if errors.Is(err, errBadRequest) {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Errorf("httpgw: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
