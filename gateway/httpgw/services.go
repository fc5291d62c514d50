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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

type browser struct {
	c  *Client
	sc gateway.SecurityContext
}

func (b *browser) GetImage(ctx context.Context, imageID int64) (*gateway.Image, error) {
	var img gateway.Image
	if err := b.c.call(ctx, http.MethodGet, expand(routeImage, "id", itoa(imageID)), b.sc, nil, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (b *browser) GetProjects(ctx context.Context) ([]gateway.Project, error) {
	var projects []gateway.Project
	if err := b.c.call(ctx, http.MethodGet, routeProjects, b.sc, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (b *browser) GetImagesForDatasets(ctx context.Context, datasetIDs []int64) ([]gateway.Image, error) {
	var images []gateway.Image
	req := datasetImagesRequest{DatasetIDs: datasetIDs}
	if err := b.c.call(ctx, http.MethodPost, routeDatasetImages, b.sc, req, &images); err != nil {
		return nil, err
	}
	return images, nil
}

type metadata struct {
	c  *Client
	sc gateway.SecurityContext
}

func (m *metadata) FileAnnotations(ctx context.Context, imageID int64) ([]gateway.FileAnnotation, error) {
	var anns []gateway.FileAnnotation
	if err := m.c.call(ctx, http.MethodGet, expand(routeFileAnnotations, "id", itoa(imageID)), m.sc, nil, &anns); err != nil {
		return nil, err
	}
	return anns, nil
}

func (m *metadata) MapAnnotations(ctx context.Context, imageID int64) ([]gateway.MapAnnotation, error) {
	var anns []gateway.MapAnnotation
	if err := m.c.call(ctx, http.MethodGet, expand(routeMapAnnotations, "id", itoa(imageID)), m.sc, nil, &anns); err != nil {
		return nil, err
	}
	return anns, nil
}

func (m *metadata) ChannelData(ctx context.Context, imageID int64) ([]gateway.Channel, error) {
	var channels []gateway.Channel
	if err := m.c.call(ctx, http.MethodGet, expand(routeChannels, "id", itoa(imageID)), m.sc, nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

type dataManager struct {
	c  *Client
	sc gateway.SecurityContext
}

func (d *dataManager) SaveOriginalFile(ctx context.Context, file gateway.OriginalFile) (*gateway.OriginalFile, error) {
	var saved gateway.OriginalFile
	if err := d.c.call(ctx, http.MethodPost, routeOriginalFiles, d.sc, file, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (d *dataManager) SaveFileAnnotation(ctx context.Context, ann gateway.FileAnnotation) (*gateway.FileAnnotation, error) {
	var saved gateway.FileAnnotation
	if err := d.c.call(ctx, http.MethodPost, routeFileAnnotation, d.sc, ann, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (d *dataManager) LinkImageAnnotation(ctx context.Context, imageID, annotationID int64) error {
	path := expand(routeImageAnnotation, "id", itoa(imageID), "annotationId", itoa(annotationID))
	return d.c.call(ctx, http.MethodPost, path, d.sc, nil, nil)
}

func (d *dataManager) DeleteAnnotation(ctx context.Context, annotationID int64) error {
	return d.c.call(ctx, http.MethodDelete, expand(routeAnnotation, "id", itoa(annotationID)), d.sc, nil, nil)
}

func (d *dataManager) CreateProject(ctx context.Context, name, description string) (int64, error) {
	var resp idResponse
	req := createRequest{Name: name, Description: description}
	if err := d.c.call(ctx, http.MethodPost, routeProjects, d.sc, req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (d *dataManager) CreateDataset(ctx context.Context, projectID int64, name, description string) (int64, error) {
	var resp idResponse
	req := createRequest{Name: name, Description: description}
	if err := d.c.call(ctx, http.MethodPost, expand(routeProjectDatasets, "id", itoa(projectID)), d.sc, req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (d *dataManager) AttachMapAnnotation(ctx context.Context, target gateway.ObjectRef, ann gateway.MapAnnotation) (int64, error) {
	var resp idResponse
	req := mapAnnotationRequest{Target: target, Annotation: ann}
	if err := d.c.call(ctx, http.MethodPost, routeMapAnnotation, d.sc, req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

type exporter struct {
	c      *Client
	sc     gateway.SecurityContext
	handle string
}

func (e *exporter) AddImage(ctx context.Context, imageID int64) error {
	path := expand(routeExporterImage, "handle", e.handle, "id", itoa(imageID))
	return e.c.call(ctx, http.MethodPost, path, e.sc, nil, nil)
}

func (e *exporter) GenerateTiff(ctx context.Context) (int64, error) {
	var resp sizeResponse
	if err := e.c.call(ctx, http.MethodPost, expand(routeExporterTiff, "handle", e.handle), e.sc, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (e *exporter) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	q := url.Values{}
	q.Set("offset", itoa(offset))
	q.Set("size", itoa(int64(size)))
	path := expand(routeExporterData, "handle", e.handle) + "?" + q.Encode()
	resp, err := e.c.send(ctx, http.MethodGet, path, e.sc, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpgw: read exporter data: %w", err)
	}
	return data, nil
}

func (e *exporter) Close(ctx context.Context) error {
	return e.c.call(ctx, http.MethodDelete, expand(routeExporter, "handle", e.handle), e.sc, nil, nil)
}

type rawFileStore struct {
	c      *Client
	sc     gateway.SecurityContext
	handle string
}

func (r *rawFileStore) Write(ctx context.Context, data []byte, offset int64) error {
	path := expand(routeStoreData, "handle", r.handle) + "?offset=" + itoa(offset)
	resp, err := r.c.send(ctx, http.MethodPut, path, r.sc, bytes.NewReader(data), contentTypeBinary)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (r *rawFileStore) Save(ctx context.Context) (*gateway.OriginalFile, error) {
	var saved gateway.OriginalFile
	if err := r.c.call(ctx, http.MethodPost, expand(routeStoreSave, "handle", r.handle), r.sc, nil, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *rawFileStore) Close(ctx context.Context) error {
	return r.c.call(ctx, http.MethodDelete, expand(routeStore, "handle", r.handle), r.sc, nil, nil)
}

type thumbnailStore struct {
	c      *Client
	sc     gateway.SecurityContext
	handle string
}

func (t *thumbnailStore) Thumbnail(ctx context.Context, pixelsID int64, width, height int) ([]byte, error) {
	q := url.Values{}
	q.Set("width", itoa(int64(width)))
	q.Set("height", itoa(int64(height)))
	path := expand(routeThumbnail, "handle", t.handle, "id", itoa(pixelsID)) + "?" + q.Encode()
	resp, err := t.c.send(ctx, http.MethodGet, path, t.sc, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpgw: read thumbnail: %w", err)
	}
	return data, nil
}

func (t *thumbnailStore) Close(ctx context.Context) error {
	return t.c.call(ctx, http.MethodDelete, expand(routeThumbnailStore, "handle", t.handle), t.sc, nil, nil)
}
