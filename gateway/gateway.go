//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package gateway defines the transport contract this module consumes from
// an OMERO server: login/logout, per-capability service proxies and the
// data model those proxies exchange.
//
// Implementations live in sub-packages: gateway/inmemory is a fake used by
// tests and local development, gateway/httpgw speaks JSON over HTTP to a
// gateway bridge.
package gateway

import (
	"context"
	"errors"
	"time"
)

// FormatOMETiff is the canonical interchange format label. Comparisons
// against it are exact and case-sensitive.
const FormatOMETiff = "OMETiff"

// CloseTimeout bounds the release of a stateful proxy. Proxies are closed
// on a context detached from the caller's, so a canceled call chain still
// releases them.
const CloseTimeout = 10 * time.Second

// HasherSHA1 is the content-hash algorithm tag registered with uploaded files.
const HasherSHA1 = "SHA1-160"

// NamespaceClientMapAnnotation marks map annotations as editable in the
// OMERO web client and Insight.
const NamespaceClientMapAnnotation = "openmicroscopy.org/omero/client/mapAnnotation"

var (
	// ErrOutOfService is returned when the server is unreachable, the
	// connection is broken, the session expired or no login happened.
	ErrOutOfService = errors.New("gateway: out of service")
	// ErrAccessDenied is returned when the server refuses the credentials
	// or the operation.
	ErrAccessDenied = errors.New("gateway: access denied")
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("gateway: not found")
)

// Credentials identify a login. Resuming a session uses the session token
// as Username with an empty Password.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"-"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
}

// SecurityContext is the server-side authorization scope of a call.
type SecurityContext struct {
	GroupID int64 `json:"groupId"`
}

// Login is the result of a successful Connect.
type Login struct {
	UserID  int64 `json:"userId"`
	GroupID int64 `json:"groupId"`
	// SessionToken is the session uuid, embeddable in URLs as bsession.
	SessionToken string `json:"sessionToken"`
}

// Pixels describes the default pixel set of an image.
type Pixels struct {
	ID    int64 `json:"id"`
	SizeX int   `json:"sizeX"`
	SizeY int   `json:"sizeY"`
	SizeZ int   `json:"sizeZ"`
	SizeC int   `json:"sizeC"`
	SizeT int   `json:"sizeT"`
}

// Image is an image record.
type Image struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Format is the declared file format of the original import, empty
	// when the server does not know it.
	Format string  `json:"format"`
	Pixels *Pixels `json:"pixels,omitempty"`
}

// Dataset is a dataset record.
type Dataset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Project is a project record with its datasets.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Datasets    []Dataset `json:"datasets,omitempty"`
}

// Channel is the metadata of one channel of an image.
type Channel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// OriginalFile is a server-side file record.
type OriginalFile struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Hasher   string `json:"hasher,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

// FileAnnotation is an attachment linked to an object.
type FileAnnotation struct {
	ID          int64  `json:"id"`
	FileID      int64  `json:"fileId"`
	FileName    string `json:"fileName"`
	FileFormat  string `json:"fileFormat"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// NamedValue is one key/value pair of a map annotation.
type NamedValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MapAnnotation is a key/value annotation.
type MapAnnotation struct {
	ID        int64        `json:"id,omitempty"`
	Namespace string       `json:"namespace,omitempty"`
	Values    []NamedValue `json:"values"`
}

// ObjectKind names an annotatable object type.
type ObjectKind string

// Annotatable object kinds.
const (
	KindProject ObjectKind = "project"
	KindDataset ObjectKind = "dataset"
	KindImage   ObjectKind = "image"
)

// ObjectRef points at an annotatable object.
type ObjectRef struct {
	Kind ObjectKind `json:"kind"`
	ID   int64      `json:"id"`
}

// Gateway is the connection to one OMERO server.
//
// Service proxies are bound to the security context passed in. Exporter
// and RawFileStore are stateful proxies and must be closed by the caller
// on every path.
type Gateway interface {
	// Connect logs in and returns the login details.
	Connect(ctx context.Context, creds Credentials) (*Login, error)
	// Disconnect closes the connection and invalidates its session.
	Disconnect(ctx context.Context) error
	// IsConnected reports the transport's own view of the connection.
	IsConnected() bool

	// Browse returns the browsing service.
	Browse(sc SecurityContext) (Browser, error)
	// Metadata returns the metadata service.
	Metadata(sc SecurityContext) (Metadata, error)
	// DataManager returns the data-management service.
	DataManager(sc SecurityContext) (DataManager, error)
	// Exporter opens a scoped export proxy.
	Exporter(ctx context.Context, sc SecurityContext) (Exporter, error)
	// RawFileStore opens a scoped raw byte store bound to a file record.
	RawFileStore(ctx context.Context, sc SecurityContext, fileID int64) (RawFileStore, error)
	// ThumbnailStore opens a scoped thumbnail proxy.
	ThumbnailStore(ctx context.Context, sc SecurityContext) (ThumbnailStore, error)
}

// StatusChecker is implemented by gateways that can tell an unreachable
// transport apart from a disconnected one. IsConnected folds both into
// false.
type StatusChecker interface {
	// Status reports whether the transport holds a live session. A non-nil
	// error means the transport could not be asked.
	Status(ctx context.Context) (bool, error)
}

// Browser lists and fetches containers and images.
type Browser interface {
	GetImage(ctx context.Context, imageID int64) (*Image, error)
	GetProjects(ctx context.Context) ([]Project, error)
	GetImagesForDatasets(ctx context.Context, datasetIDs []int64) ([]Image, error)
}

// Metadata reads annotations and channel metadata.
type Metadata interface {
	// FileAnnotations lists the attachments linked to an image in server order.
	FileAnnotations(ctx context.Context, imageID int64) ([]FileAnnotation, error)
	MapAnnotations(ctx context.Context, imageID int64) ([]MapAnnotation, error)
	ChannelData(ctx context.Context, imageID int64) ([]Channel, error)
}

// DataManager saves, links and deletes objects.
type DataManager interface {
	// SaveOriginalFile registers a file record and allocates its id. No
	// bytes are transferred.
	SaveOriginalFile(ctx context.Context, file OriginalFile) (*OriginalFile, error)
	// SaveFileAnnotation creates an attachment referencing a saved file.
	SaveFileAnnotation(ctx context.Context, ann FileAnnotation) (*FileAnnotation, error)
	// LinkImageAnnotation links an annotation to an image as parent.
	LinkImageAnnotation(ctx context.Context, imageID, annotationID int64) error
	// DeleteAnnotation removes an annotation and its links.
	DeleteAnnotation(ctx context.Context, annotationID int64) error
	CreateProject(ctx context.Context, name, description string) (int64, error)
	CreateDataset(ctx context.Context, projectID int64, name, description string) (int64, error)
	AttachMapAnnotation(ctx context.Context, target ObjectRef, ann MapAnnotation) (int64, error)
}

// Exporter materializes images in the canonical format.
type Exporter interface {
	// AddImage registers an image for export.
	AddImage(ctx context.Context, imageID int64) error
	// GenerateTiff materializes the OME-TIFF and returns its byte length.
	GenerateTiff(ctx context.Context) (int64, error)
	// Read returns up to size bytes starting at offset.
	Read(ctx context.Context, offset int64, size int) ([]byte, error)
	// Close releases the server-side export state.
	Close(ctx context.Context) error
}

// RawFileStore writes the bytes of one file record.
type RawFileStore interface {
	// Write stores data at offset.
	Write(ctx context.Context, data []byte, offset int64) error
	// Save finalizes the file record.
	Save(ctx context.Context) (*OriginalFile, error)
	// Close releases the store.
	Close(ctx context.Context) error
}

// ThumbnailStore renders thumbnails.
type ThumbnailStore interface {
	Thumbnail(ctx context.Context, pixelsID int64, width, height int) ([]byte, error)
	Close(ctx context.Context) error
}
