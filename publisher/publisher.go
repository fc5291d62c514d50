//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package publisher uploads a canonical file to the server and attaches
// it to its image as a file annotation.
//
// Publishing is not transactional. A failure after the file record was
// created leaves that record (and possibly the annotation) orphaned on the
// server; the ids are logged at warn level and nothing is rolled back or
// retried.
package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/generator"
	itelemetry "trpc.group/trpc-go/trpc-omero-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/session"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-omero-go/transfer"
)

const opPublish = "publish"

// Description returns the annotation description used for a generated
// file of imageID.
func Description(imageID int64) string {
	return fmt.Sprintf("OME-TIFF generated from image %d", imageID)
}

// Option configures a Publisher.
type Option func(*options)

type options struct {
	chunkSize int
	window    int
}

// WithChunkSize sets the upload write size in bytes.
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithWindow sets how many local chunks may be read ahead of the upload.
func WithWindow(window int) Option {
	return func(o *options) {
		o.window = window
	}
}

// Publisher attaches canonical files to images.
type Publisher struct {
	gw   gateway.Gateway
	opts options
}

// New creates a Publisher over gw.
func New(gw gateway.Gateway, opts ...Option) *Publisher {
	p := &Publisher{gw: gw, opts: options{chunkSize: transfer.DefaultChunkSize}}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// Publish uploads file, registers it as an OME-TIFF file annotation and
// links that annotation to imageID. It returns the new annotation id.
// Failures are PublishFailed *errs.Error values.
func (p *Publisher) Publish(ctx context.Context, sess *session.Session, imageID int64, file *generator.CanonicalFile) (annotationID int64, err error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNamePublish)
	defer span.End()
	itelemetry.TraceImage(span, imageID)
	defer func() { itelemetry.TraceError(span, err) }()

	fail := func(err error) *errs.Error {
		return errs.New(errs.KindPublishFailed, opPublish, err).WithImage(imageID)
	}

	dm, err := p.gw.DataManager(sess.Context)
	if err != nil {
		return 0, fail(fmt.Errorf("data manager: %w", err))
	}

	record, err := dm.SaveOriginalFile(ctx, gateway.OriginalFile{
		Name:     file.Name(),
		Path:     filepath.Dir(file.Path) + string(filepath.Separator),
		Size:     file.Size,
		Hasher:   gateway.HasherSHA1,
		Mimetype: gateway.FormatOMETiff,
	})
	if err != nil {
		return 0, fail(fmt.Errorf("create original file: %w", err))
	}
	orphan := func(step string, annotationID int64) {
		if annotationID != 0 {
			log.Warnf("publisher: %s failed for image %d; original file %d and annotation %d are orphaned",
				step, imageID, record.ID, annotationID)
			return
		}
		log.Warnf("publisher: %s failed for image %d; original file %d is orphaned", step, imageID, record.ID)
	}

	saved, err := p.upload(ctx, sess, record.ID, file)
	if err != nil {
		orphan("upload", 0)
		return 0, fail(err)
	}

	ann, err := dm.SaveFileAnnotation(ctx, gateway.FileAnnotation{
		FileID:      saved.ID,
		FileName:    saved.Name,
		FileFormat:  gateway.FormatOMETiff,
		Description: Description(imageID),
	})
	if err != nil {
		orphan("create annotation", 0)
		return 0, fail(fmt.Errorf("create file annotation: %w", err))
	}
	span.SetAttributes(attribute.Int64(itelemetry.KeyAnnotationID, ann.ID))

	if err := dm.LinkImageAnnotation(ctx, imageID, ann.ID); err != nil {
		orphan("link", ann.ID)
		return 0, fail(fmt.Errorf("link annotation to image: %w", err)).WithAnnotation(ann.ID)
	}
	log.Infof("publisher: image %d got OME-TIFF annotation %d (file %d, %d bytes)",
		imageID, ann.ID, saved.ID, saved.Size)
	return ann.ID, nil
}

// upload streams the local file into the raw store of fileID and saves it.
// The store is closed on every path.
func (p *Publisher) upload(ctx context.Context, sess *session.Session, fileID int64, file *generator.CanonicalFile) (*gateway.OriginalFile, error) {
	src, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	store, err := p.gw.RawFileStore(ctx, sess.Context, fileID)
	if err != nil {
		return nil, fmt.Errorf("open raw file store: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gateway.CloseTimeout)
		defer cancel()
		if cerr := store.Close(cctx); cerr != nil {
			log.Warnf("publisher: close raw file store %d: %v", fileID, cerr)
		}
	}()

	dst := transfer.ChunkWriterFunc(func(ctx context.Context, offset int64, data []byte) error {
		return store.Write(ctx, data, offset)
	})
	stats, err := transfer.Upload(ctx, src, dst,
		transfer.WithChunkSize(p.opts.chunkSize), transfer.WithWindow(p.opts.window))
	metric.RecordTransferredBytes(ctx, itelemetry.DirectionUpload, stats.Bytes)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if stats.Bytes != file.Size {
		return nil, fmt.Errorf("upload: %w: %d of %d bytes", transfer.ErrLengthMismatch, stats.Bytes, file.Size)
	}
	saved, err := store.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("save raw file store: %w", err)
	}
	return saved, nil
}
