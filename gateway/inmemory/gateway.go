//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory implementation of the gateway.
// It is suitable for testing and development environments: it records
// every call, counts them per operation and lets tests inject failures.
package inmemory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

var _ gateway.Gateway = (*Gateway)(nil)

// Operation names recorded in the call log.
const (
	OpConnect             = "connect"
	OpDisconnect          = "disconnect"
	OpGetImage            = "getImage"
	OpGetProjects         = "getProjects"
	OpGetImagesForDataset = "getImagesForDatasets"
	OpFileAnnotations     = "fileAnnotations"
	OpMapAnnotations      = "mapAnnotations"
	OpChannelData         = "channelData"
	OpSaveOriginalFile    = "saveOriginalFile"
	OpSaveFileAnnotation  = "saveFileAnnotation"
	OpLinkImageAnnotation = "linkImageAnnotation"
	OpDeleteAnnotation    = "deleteAnnotation"
	OpCreateProject       = "createProject"
	OpCreateDataset       = "createDataset"
	OpAttachMapAnnotation = "attachMapAnnotation"
	OpExporterOpen        = "exporter.open"
	OpExporterAddImage    = "exporter.addImage"
	OpExporterGenerate    = "exporter.generateTiff"
	OpExporterRead        = "exporter.read"
	OpExporterClose       = "exporter.close"
	OpRawStoreOpen        = "rawFileStore.open"
	OpRawStoreWrite       = "rawFileStore.write"
	OpRawStoreSave        = "rawFileStore.save"
	OpRawStoreClose       = "rawFileStore.close"
	OpThumbnailOpen       = "thumbnail.open"
	OpThumbnail           = "thumbnail"
	OpThumbnailClose      = "thumbnail.close"
)

const (
	defaultGroupID    = 3
	defaultUserID     = 2
	defaultExportSize = 4096
)

// Option configures the in-memory gateway.
type Option func(*options)

type options struct {
	users      map[string]string
	groupID    int64
	exportSize int
}

// WithUser registers a username and password accepted by Connect.
func WithUser(username, password string) Option {
	return func(o *options) {
		o.users[username] = password
	}
}

// WithGroupID sets the group every login is placed in.
func WithGroupID(groupID int64) Option {
	return func(o *options) {
		o.groupID = groupID
	}
}

// WithExportSize sets the byte length of generated OME-TIFFs for images
// without explicitly seeded export content.
func WithExportSize(size int) Option {
	return func(o *options) {
		o.exportSize = size
	}
}

// Gateway is an in-memory gateway.
type Gateway struct {
	mu   sync.Mutex
	opts options

	connected bool
	login     *gateway.Login
	tokens    map[string]bool

	nextID      int64
	images      map[int64]*gateway.Image
	imageAnns   map[int64][]int64
	fileAnns    map[int64]*gateway.FileAnnotation
	mapAnns     map[gateway.ObjectRef][]gateway.MapAnnotation
	files       map[int64]*gateway.OriginalFile
	contents    map[int64][]byte
	exports     map[int64][]byte
	truncations map[int64]int
	projects    map[int64]*gateway.Project
	dsImages    map[int64][]int64
	channels    map[int64][]gateway.Channel

	calls         []string
	counts        map[string]int
	failures      map[string]error
	disconnectErr error
}

// New creates an in-memory gateway.
func New(opts ...Option) *Gateway {
	o := options{
		users:      make(map[string]string),
		groupID:    defaultGroupID,
		exportSize: defaultExportSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gateway{
		opts:        o,
		tokens:      make(map[string]bool),
		nextID:      1000,
		images:      make(map[int64]*gateway.Image),
		imageAnns:   make(map[int64][]int64),
		fileAnns:    make(map[int64]*gateway.FileAnnotation),
		mapAnns:     make(map[gateway.ObjectRef][]gateway.MapAnnotation),
		files:       make(map[int64]*gateway.OriginalFile),
		contents:    make(map[int64][]byte),
		exports:     make(map[int64][]byte),
		truncations: make(map[int64]int),
		projects:    make(map[int64]*gateway.Project),
		dsImages:    make(map[int64][]int64),
		channels:    make(map[int64][]gateway.Channel),
		counts:      make(map[string]int),
		failures:    make(map[string]error),
	}
}

// ---- Seeding and inspection ---------------------------------------------

// PutImage stores or replaces an image record.
func (g *Gateway) PutImage(img gateway.Image) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := img
	g.images[img.ID] = &c
}

// PutExport seeds the OME-TIFF bytes the exporter produces for an image.
func (g *Gateway) PutExport(imageID int64, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exports[imageID] = append([]byte(nil), data...)
}

// TruncateExport makes exporter reads for the image stop after n bytes
// while GenerateTiff still declares the full length.
func (g *Gateway) TruncateExport(imageID int64, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.truncations[imageID] = n
}

// PutFileAnnotation attaches an existing file annotation to an image and
// returns its id.
func (g *Gateway) PutFileAnnotation(imageID int64, ann gateway.FileAnnotation, content []byte) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	file := &gateway.OriginalFile{
		ID:       g.allocID(),
		Name:     ann.FileName,
		Size:     int64(len(content)),
		Mimetype: ann.FileFormat,
	}
	g.files[file.ID] = file
	g.contents[file.ID] = append([]byte(nil), content...)
	ann.ID = g.allocID()
	ann.FileID = file.ID
	ann.Size = file.Size
	g.fileAnns[ann.ID] = &ann
	g.imageAnns[imageID] = append(g.imageAnns[imageID], ann.ID)
	return ann.ID
}

// PutProject stores a project with datasets; dataset images are set with
// PutDatasetImages.
func (g *Gateway) PutProject(p gateway.Project) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := p
	g.projects[p.ID] = &c
}

// PutDatasetImages links images to a dataset.
func (g *Gateway) PutDatasetImages(datasetID int64, imageIDs ...int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dsImages[datasetID] = append(g.dsImages[datasetID], imageIDs...)
}

// PutChannels stores channel metadata for an image.
func (g *Gateway) PutChannels(imageID int64, channels ...gateway.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[imageID] = channels
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (g *Gateway) FailOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// FailDisconnect makes Disconnect return err and leave the transport
// connected, as a stuck teardown would.
func (g *Gateway) FailDisconnect(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnectErr = err
}

// Expire drops the transport connection without a Disconnect call, as a
// server-side session timeout would.
func (g *Gateway) Expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	if g.login != nil {
		delete(g.tokens, g.login.SessionToken)
	}
	g.login = nil
}

// Calls returns a copy of the call log.
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// Count returns how many times op was called.
func (g *Gateway) Count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[op]
}

// ResetCalls clears the call log and counters.
func (g *Gateway) ResetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
	g.counts = make(map[string]int)
}

// ImageAnnotations returns the ids of the file annotations linked to an image.
func (g *Gateway) ImageAnnotations(imageID int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.imageAnns[imageID]...)
}

// FileAnnotation returns a stored file annotation.
func (g *Gateway) FileAnnotation(annotationID int64) (gateway.FileAnnotation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ann, ok := g.fileAnns[annotationID]
	if !ok {
		return gateway.FileAnnotation{}, false
	}
	return *ann, true
}

// FileContent returns the stored bytes of a file record.
func (g *Gateway) FileContent(fileID int64) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.contents[fileID]
	return append([]byte(nil), b...), ok
}

// MapAnnotationsOf returns the map annotations attached to an object.
func (g *Gateway) MapAnnotationsOf(ref gateway.ObjectRef) []gateway.MapAnnotation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.MapAnnotation(nil), g.mapAnns[ref]...)
}

// ---- gateway.Gateway ----------------------------------------------------

// Connect logs in with a registered user or resumes a live session token.
func (g *Gateway) Connect(ctx context.Context, creds gateway.Credentials) (*gateway.Login, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record(OpConnect); err != nil {
		return nil, err
	}
	var token string
	switch {
	case creds.Password == "" && g.tokens[creds.Username]:
		token = creds.Username
	case creds.Password != "":
		pw, ok := g.opts.users[creds.Username]
		if !ok || pw != creds.Password {
			return nil, fmt.Errorf("login %q: %w", creds.Username, gateway.ErrAccessDenied)
		}
		token = uuid.NewString()
		g.tokens[token] = true
	default:
		return nil, fmt.Errorf("session %q: %w", creds.Username, gateway.ErrAccessDenied)
	}
	g.connected = true
	g.login = &gateway.Login{
		UserID:       defaultUserID,
		GroupID:      g.opts.groupID,
		SessionToken: token,
	}
	c := *g.login
	return &c, nil
}

// Disconnect closes the connection. The session token is kept valid so it
// can be resumed, matching a server that keeps sessions alive after a
// client detaches.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, OpDisconnect)
	g.counts[OpDisconnect]++
	if g.disconnectErr != nil {
		return g.disconnectErr
	}
	g.connected = false
	g.login = nil
	return nil
}

// IsConnected reports the transport view.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Browse returns the browsing service.
func (g *Gateway) Browse(sc gateway.SecurityContext) (gateway.Browser, error) {
	return &browser{g: g, sc: sc}, nil
}

// Metadata returns the metadata service.
func (g *Gateway) Metadata(sc gateway.SecurityContext) (gateway.Metadata, error) {
	return &metadata{g: g, sc: sc}, nil
}

// DataManager returns the data-management service.
func (g *Gateway) DataManager(sc gateway.SecurityContext) (gateway.DataManager, error) {
	return &dataManager{g: g, sc: sc}, nil
}

// Exporter opens an export proxy.
func (g *Gateway) Exporter(ctx context.Context, sc gateway.SecurityContext) (gateway.Exporter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guard(OpExporterOpen, sc); err != nil {
		return nil, err
	}
	return &exporter{g: g, sc: sc}, nil
}

// RawFileStore opens a raw byte store for a registered file record.
func (g *Gateway) RawFileStore(ctx context.Context, sc gateway.SecurityContext, fileID int64) (gateway.RawFileStore, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guard(OpRawStoreOpen, sc); err != nil {
		return nil, err
	}
	if _, ok := g.files[fileID]; !ok {
		return nil, fmt.Errorf("original file %d: %w", fileID, gateway.ErrNotFound)
	}
	return &rawFileStore{g: g, sc: sc, fileID: fileID}, nil
}

// ThumbnailStore opens a thumbnail proxy.
func (g *Gateway) ThumbnailStore(ctx context.Context, sc gateway.SecurityContext) (gateway.ThumbnailStore, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guard(OpThumbnailOpen, sc); err != nil {
		return nil, err
	}
	return &thumbnailStore{g: g, sc: sc}, nil
}

// record logs a call and returns an injected failure if any. Callers hold mu.
func (g *Gateway) record(op string) error {
	g.calls = append(g.calls, op)
	g.counts[op]++
	return g.failures[op]
}

// guard records the call and checks connection and security context.
// Callers hold mu.
func (g *Gateway) guard(op string, sc gateway.SecurityContext) error {
	if err := g.record(op); err != nil {
		return err
	}
	if !g.connected || g.login == nil {
		return fmt.Errorf("%s: not logged in: %w", op, gateway.ErrOutOfService)
	}
	if sc.GroupID != g.login.GroupID {
		return fmt.Errorf("%s: group %d: %w", op, sc.GroupID, gateway.ErrAccessDenied)
	}
	return nil
}

// allocID returns a fresh object id. Callers hold mu.
func (g *Gateway) allocID() int64 {
	g.nextID++
	return g.nextID
}

// exportData returns the OME-TIFF bytes for an image. Callers hold mu.
func (g *Gateway) exportData(imageID int64) []byte {
	if data, ok := g.exports[imageID]; ok {
		return data
	}
	data := make([]byte, g.opts.exportSize)
	for i := range data {
		data[i] = byte((int64(i) + imageID) % 251)
	}
	g.exports[imageID] = data
	return data
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
