//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package httpgw carries the gateway contract over JSON/HTTP.
//
// NewHandler exposes any gateway.Gateway as an HTTP bridge; New returns a
// gateway.Gateway that talks to such a bridge. Errors travel as status
// codes: 503 is gateway.ErrOutOfService, 401 and 403 are
// gateway.ErrAccessDenied, 404 is gateway.ErrNotFound.
//
// The session token travels in the X-Omero-Session header and the
// security context group in X-Omero-Group. Stateful proxies (exporters,
// raw file stores, thumbnail stores) are addressed by opaque handles the
// bridge hands out and forgets on close.
package httpgw

import (
	"errors"
	"net/http"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

// Header names.
const (
	HeaderSession = "X-Omero-Session"
	HeaderGroup   = "X-Omero-Group"
)

const contentTypeJSON = "application/json"

const contentTypeBinary = "application/octet-stream"

// Route templates shared by the handler and the client.
const (
	routeConnect         = "/session/connect"
	routeDisconnect      = "/session/disconnect"
	routeStatus          = "/session/status"
	routeImage           = "/images/{id}"
	routeProjects        = "/projects"
	routeDatasetImages   = "/datasets/images"
	routeFileAnnotations = "/images/{id}/file-annotations"
	routeMapAnnotations  = "/images/{id}/map-annotations"
	routeChannels        = "/images/{id}/channels"
	routeOriginalFiles   = "/original-files"
	routeFileAnnotation  = "/file-annotations"
	routeImageAnnotation = "/images/{id}/annotations/{annotationId}"
	routeAnnotation      = "/annotations/{id}"
	routeProjectDatasets = "/projects/{id}/datasets"
	routeMapAnnotation   = "/map-annotations"
	routeExporters       = "/exporters"
	routeExporterImage   = "/exporters/{handle}/images/{id}"
	routeExporterTiff    = "/exporters/{handle}/tiff"
	routeExporterData    = "/exporters/{handle}/data"
	routeExporter        = "/exporters/{handle}"
	routeFileStores      = "/original-files/{id}/stores"
	routeStoreData       = "/stores/{handle}/data"
	routeStoreSave       = "/stores/{handle}/save"
	routeStore           = "/stores/{handle}"
	routeThumbnailStores = "/thumbnail-stores"
	routeThumbnail       = "/thumbnail-stores/{handle}/pixels/{id}"
	routeThumbnailStore  = "/thumbnail-stores/{handle}"
)

type statusResponse struct {
	Connected    bool   `json:"connected"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type handleResponse struct {
	Handle string `json:"handle"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

type sizeResponse struct {
	Size int64 `json:"size"`
}

type datasetImagesRequest struct {
	DatasetIDs []int64 `json:"datasetIds"`
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type mapAnnotationRequest struct {
	Target     gateway.ObjectRef     `json:"target"`
	Annotation gateway.MapAnnotation `json:"annotation"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a gateway error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrOutOfService):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// sentinelFor maps an HTTP status back to a gateway error, or nil.
func sentinelFor(status int) error {
	switch status {
	case http.StatusServiceUnavailable:
		return gateway.ErrOutOfService
	case http.StatusUnauthorized, http.StatusForbidden:
		return gateway.ErrAccessDenied
	case http.StatusNotFound:
		return gateway.ErrNotFound
	default:
		return nil
	}
}
