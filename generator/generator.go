//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package generator asks the server to export an image as OME-TIFF and
// streams the result into a local temporary file.
package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	itelemetry "trpc.group/trpc-go/trpc-omero-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/session"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-omero-go/transfer"
)

const opGenerate = "generate"

// FileSuffix is appended to every generated file name.
const FileSuffix = ".ome.tiff"

// CanonicalFile is a generated OME-TIFF on local disk. The caller owns the
// file and removes it when done.
type CanonicalFile struct {
	Path    string
	ImageID int64
	Size    int64
}

// Name returns the base name of the file.
func (f *CanonicalFile) Name() string {
	return filepath.Base(f.Path)
}

// Remove deletes the file. A file that is already gone is not an error.
func (f *CanonicalFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Option configures a Generator.
type Option func(*options)

type options struct {
	dir       string
	chunkSize int
	window    int
}

// WithTempDir sets the directory generated files are written to. Empty
// means os.TempDir().
func WithTempDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithChunkSize sets the export read size in bytes.
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithWindow sets how many read chunks may be buffered ahead of the disk
// writer.
func WithWindow(window int) Option {
	return func(o *options) {
		o.window = window
	}
}

// Generator produces canonical files through the server exporter.
type Generator struct {
	gw   gateway.Gateway
	opts options
}

// New creates a Generator over gw.
func New(gw gateway.Gateway, opts ...Option) *Generator {
	g := &Generator{gw: gw, opts: options{chunkSize: transfer.DefaultChunkSize}}
	for _, opt := range opts {
		opt(&g.opts)
	}
	return g
}

// Generate exports imageID into a new local file. On failure no file is
// left behind and the error is a GenerationFailed *errs.Error.
func (g *Generator) Generate(ctx context.Context, sess *session.Session, imageID int64) (file *CanonicalFile, err error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameGenerate)
	defer span.End()
	itelemetry.TraceImage(span, imageID)
	defer func() { itelemetry.TraceError(span, err) }()

	fail := func(err error) error {
		return errs.New(errs.KindGenerationFailed, opGenerate, err).WithImage(imageID)
	}

	exp, err := g.gw.Exporter(ctx, sess.Context)
	if err != nil {
		return nil, fail(fmt.Errorf("open exporter: %w", err))
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gateway.CloseTimeout)
		defer cancel()
		if cerr := exp.Close(cctx); cerr != nil {
			log.Warnf("generator: close exporter for image %d: %v", imageID, cerr)
		}
	}()

	if err := exp.AddImage(ctx, imageID); err != nil {
		return nil, fail(fmt.Errorf("add image: %w", err))
	}
	size, err := exp.GenerateTiff(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("generate tiff: %w", err))
	}
	span.SetAttributes(attribute.Int64(itelemetry.KeyBytes, size))

	path, err := g.writeFile(ctx, exp, imageID, size)
	if err != nil {
		return nil, fail(err)
	}
	log.Debugf("generator: image %d exported to %s (%d bytes)", imageID, path, size)
	return &CanonicalFile{Path: path, ImageID: imageID, Size: size}, nil
}

// writeFile streams size bytes from exp into a fresh file. The file is
// closed on every path and removed on failure.
func (g *Generator) writeFile(ctx context.Context, exp gateway.Exporter, imageID, size int64) (string, error) {
	dir := g.opts.dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", uuid.NewString(), imageID, FileSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}

	src := transfer.ChunkReaderFunc(func(ctx context.Context, offset int64, n int) ([]byte, error) {
		return exp.Read(ctx, offset, n)
	})
	stats, err := transfer.Download(ctx, src, size, f,
		transfer.WithChunkSize(g.opts.chunkSize), transfer.WithWindow(g.opts.window))
	metric.RecordTransferredBytes(ctx, itelemetry.DirectionDownload, stats.Bytes)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close local file: %w", cerr)
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			log.Warnf("generator: remove partial file %s: %v", path, rerr)
		}
		return "", fmt.Errorf("download export: %w", err)
	}
	return path, nil
}
