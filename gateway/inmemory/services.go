//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

type browser struct {
	g  *Gateway
	sc gateway.SecurityContext
}

func (b *browser) GetImage(ctx context.Context, imageID int64) (*gateway.Image, error) {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	if err := b.g.guard(OpGetImage, b.sc); err != nil {
		return nil, err
	}
	img, ok := b.g.images[imageID]
	if !ok {
		return nil, fmt.Errorf("image %d: %w", imageID, gateway.ErrNotFound)
	}
	c := *img
	return &c, nil
}

func (b *browser) GetProjects(ctx context.Context) ([]gateway.Project, error) {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	if err := b.g.guard(OpGetProjects, b.sc); err != nil {
		return nil, err
	}
	projects := make([]gateway.Project, 0, len(b.g.projects))
	for _, p := range b.g.projects {
		projects = append(projects, *p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (b *browser) GetImagesForDatasets(ctx context.Context, datasetIDs []int64) ([]gateway.Image, error) {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	if err := b.g.guard(OpGetImagesForDataset, b.sc); err != nil {
		return nil, err
	}
	var images []gateway.Image
	for _, ds := range datasetIDs {
		for _, id := range b.g.dsImages[ds] {
			if img, ok := b.g.images[id]; ok {
				images = append(images, *img)
			}
		}
	}
	return images, nil
}

type metadata struct {
	g  *Gateway
	sc gateway.SecurityContext
}

func (m *metadata) FileAnnotations(ctx context.Context, imageID int64) ([]gateway.FileAnnotation, error) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if err := m.g.guard(OpFileAnnotations, m.sc); err != nil {
		return nil, err
	}
	if _, ok := m.g.images[imageID]; !ok {
		return nil, fmt.Errorf("image %d: %w", imageID, gateway.ErrNotFound)
	}
	anns := make([]gateway.FileAnnotation, 0, len(m.g.imageAnns[imageID]))
	for _, id := range m.g.imageAnns[imageID] {
		if ann, ok := m.g.fileAnns[id]; ok {
			anns = append(anns, *ann)
		}
	}
	return anns, nil
}

func (m *metadata) MapAnnotations(ctx context.Context, imageID int64) ([]gateway.MapAnnotation, error) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if err := m.g.guard(OpMapAnnotations, m.sc); err != nil {
		return nil, err
	}
	ref := gateway.ObjectRef{Kind: gateway.KindImage, ID: imageID}
	return append([]gateway.MapAnnotation(nil), m.g.mapAnns[ref]...), nil
}

func (m *metadata) ChannelData(ctx context.Context, imageID int64) ([]gateway.Channel, error) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	if err := m.g.guard(OpChannelData, m.sc); err != nil {
		return nil, err
	}
	return append([]gateway.Channel(nil), m.g.channels[imageID]...), nil
}

type dataManager struct {
	g  *Gateway
	sc gateway.SecurityContext
}

func (d *dataManager) SaveOriginalFile(ctx context.Context, file gateway.OriginalFile) (*gateway.OriginalFile, error) {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpSaveOriginalFile, d.sc); err != nil {
		return nil, err
	}
	file.ID = d.g.allocID()
	d.g.files[file.ID] = &file
	c := file
	return &c, nil
}

func (d *dataManager) SaveFileAnnotation(ctx context.Context, ann gateway.FileAnnotation) (*gateway.FileAnnotation, error) {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpSaveFileAnnotation, d.sc); err != nil {
		return nil, err
	}
	file, ok := d.g.files[ann.FileID]
	if !ok {
		return nil, fmt.Errorf("original file %d: %w", ann.FileID, gateway.ErrNotFound)
	}
	ann.ID = d.g.allocID()
	if ann.FileName == "" {
		ann.FileName = file.Name
	}
	if ann.FileFormat == "" {
		ann.FileFormat = file.Mimetype
	}
	ann.Size = file.Size
	d.g.fileAnns[ann.ID] = &ann
	c := ann
	return &c, nil
}

func (d *dataManager) LinkImageAnnotation(ctx context.Context, imageID, annotationID int64) error {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpLinkImageAnnotation, d.sc); err != nil {
		return err
	}
	if _, ok := d.g.images[imageID]; !ok {
		return fmt.Errorf("image %d: %w", imageID, gateway.ErrNotFound)
	}
	if _, ok := d.g.fileAnns[annotationID]; !ok {
		return fmt.Errorf("annotation %d: %w", annotationID, gateway.ErrNotFound)
	}
	d.g.imageAnns[imageID] = append(d.g.imageAnns[imageID], annotationID)
	return nil
}

func (d *dataManager) DeleteAnnotation(ctx context.Context, annotationID int64) error {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpDeleteAnnotation, d.sc); err != nil {
		return err
	}
	if _, ok := d.g.fileAnns[annotationID]; !ok {
		return fmt.Errorf("annotation %d: %w", annotationID, gateway.ErrNotFound)
	}
	delete(d.g.fileAnns, annotationID)
	for imageID, ids := range d.g.imageAnns {
		kept := ids[:0]
		for _, id := range ids {
			if id != annotationID {
				kept = append(kept, id)
			}
		}
		d.g.imageAnns[imageID] = kept
	}
	return nil
}

func (d *dataManager) CreateProject(ctx context.Context, name, description string) (int64, error) {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpCreateProject, d.sc); err != nil {
		return 0, err
	}
	id := d.g.allocID()
	d.g.projects[id] = &gateway.Project{ID: id, Name: name, Description: description}
	return id, nil
}

func (d *dataManager) CreateDataset(ctx context.Context, projectID int64, name, description string) (int64, error) {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpCreateDataset, d.sc); err != nil {
		return 0, err
	}
	p, ok := d.g.projects[projectID]
	if !ok {
		return 0, fmt.Errorf("project %d: %w", projectID, gateway.ErrNotFound)
	}
	id := d.g.allocID()
	p.Datasets = append(p.Datasets, gateway.Dataset{ID: id, Name: name, Description: description})
	return id, nil
}

func (d *dataManager) AttachMapAnnotation(ctx context.Context, target gateway.ObjectRef, ann gateway.MapAnnotation) (int64, error) {
	d.g.mu.Lock()
	defer d.g.mu.Unlock()
	if err := d.g.guard(OpAttachMapAnnotation, d.sc); err != nil {
		return 0, err
	}
	ann.ID = d.g.allocID()
	d.g.mapAnns[target] = append(d.g.mapAnns[target], ann)
	return ann.ID, nil
}

type exporter struct {
	g       *Gateway
	sc      gateway.SecurityContext
	imageID int64
	data    []byte
	limit   int
	closed  bool
}

var errProxyClosed = errors.New("proxy closed")

func (e *exporter) AddImage(ctx context.Context, imageID int64) error {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	if err := e.g.guard(OpExporterAddImage, e.sc); err != nil {
		return err
	}
	if e.closed {
		return errProxyClosed
	}
	if _, ok := e.g.images[imageID]; !ok {
		return fmt.Errorf("image %d: %w", imageID, gateway.ErrNotFound)
	}
	e.imageID = imageID
	return nil
}

func (e *exporter) GenerateTiff(ctx context.Context) (int64, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	if err := e.g.guard(OpExporterGenerate, e.sc); err != nil {
		return 0, err
	}
	if e.closed {
		return 0, errProxyClosed
	}
	if e.imageID == 0 {
		return 0, fmt.Errorf("no image added to exporter: %w", gateway.ErrNotFound)
	}
	e.data = e.g.exportData(e.imageID)
	e.limit = len(e.data)
	if n, ok := e.g.truncations[e.imageID]; ok && n < e.limit {
		e.limit = n
	}
	return int64(len(e.data)), nil
}

func (e *exporter) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	if err := e.g.guard(OpExporterRead, e.sc); err != nil {
		return nil, err
	}
	if e.closed {
		return nil, errProxyClosed
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("invalid read window offset=%d size=%d", offset, size)
	}
	if offset >= int64(e.limit) {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > int64(e.limit) {
		end = int64(e.limit)
	}
	return append([]byte(nil), e.data[offset:end]...), nil
}

func (e *exporter) Close(ctx context.Context) error {
	e.g.mu.Lock()
	defer e.g.mu.Unlock()
	e.closed = true
	return e.g.record(OpExporterClose)
}

type rawFileStore struct {
	g      *Gateway
	sc     gateway.SecurityContext
	fileID int64
	buf    []byte
	closed bool
}

func (r *rawFileStore) Write(ctx context.Context, data []byte, offset int64) error {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if err := r.g.guard(OpRawStoreWrite, r.sc); err != nil {
		return err
	}
	if r.closed {
		return errProxyClosed
	}
	if offset < 0 || offset > int64(len(r.buf)) {
		return fmt.Errorf("write at offset %d would leave a gap after %d bytes", offset, len(r.buf))
	}
	end := offset + int64(len(data))
	if end > int64(len(r.buf)) {
		grown := make([]byte, end)
		copy(grown, r.buf)
		r.buf = grown
	}
	copy(r.buf[offset:end], data)
	return nil
}

func (r *rawFileStore) Save(ctx context.Context) (*gateway.OriginalFile, error) {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if err := r.g.guard(OpRawStoreSave, r.sc); err != nil {
		return nil, err
	}
	if r.closed {
		return nil, errProxyClosed
	}
	file, ok := r.g.files[r.fileID]
	if !ok {
		return nil, fmt.Errorf("original file %d: %w", r.fileID, gateway.ErrNotFound)
	}
	r.g.contents[r.fileID] = append([]byte(nil), r.buf...)
	file.Size = int64(len(r.buf))
	file.Hash = sha1Hex(r.buf)
	c := *file
	return &c, nil
}

func (r *rawFileStore) Close(ctx context.Context) error {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	r.closed = true
	return r.g.record(OpRawStoreClose)
}

type thumbnailStore struct {
	g  *Gateway
	sc gateway.SecurityContext
}

func (t *thumbnailStore) Thumbnail(ctx context.Context, pixelsID int64, width, height int) ([]byte, error) {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	if err := t.g.guard(OpThumbnail, t.sc); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %dx%d", width, height)
	}
	return make([]byte, width*height), nil
}

func (t *thumbnailStore) Close(ctx context.Context) error {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	return t.g.record(OpThumbnailClose)
}
