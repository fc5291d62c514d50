//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package generator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/gateway/inmemory"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

func setup(t *testing.T, opts ...inmemory.Option) (*inmemory.Gateway, *session.Session) {
	t.Helper()
	opts = append([]inmemory.Option{inmemory.WithUser("alice", "secret")}, opts...)
	gw := inmemory.New(opts...)
	m := session.NewManager(gw, gateway.Credentials{Username: "alice", Password: "secret", Host: "h"})
	sess, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)
	return gw, sess
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func TestGenerate(t *testing.T) {
	gw, sess := setup(t)
	content := []byte(strings.Repeat("II*\x00tiff-body", 37))
	gw.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	gw.PutExport(42, content)
	dir := t.TempDir()

	g := New(gw, WithTempDir(dir), WithChunkSize(64))
	file, err := g.Generate(context.Background(), sess, 42)
	require.NoError(t, err)
	require.NotNil(t, file)

	assert.Equal(t, int64(42), file.ImageID)
	assert.Equal(t, int64(len(content)), file.Size)
	assert.Equal(t, dir, filepath.Dir(file.Path))
	assert.True(t, strings.HasSuffix(file.Name(), "-42"+FileSuffix), file.Name())

	got, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, (len(content)+63)/64, gw.Count(inmemory.OpExporterRead))
	assert.Equal(t, 1, gw.Count(inmemory.OpExporterClose))

	require.NoError(t, file.Remove())
	require.NoError(t, file.Remove())
	assert.Empty(t, entries(t, dir))
}

func TestGenerateUniqueNames(t *testing.T) {
	gw, sess := setup(t, inmemory.WithExportSize(10))
	gw.PutImage(gateway.Image{ID: 1})
	dir := t.TempDir()
	g := New(gw, WithTempDir(dir))

	a, err := g.Generate(context.Background(), sess, 1)
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), sess, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
	assert.Len(t, entries(t, dir), 2)
}

func TestGenerateEarlyEOF(t *testing.T) {
	gw, sess := setup(t, inmemory.WithExportSize(1000))
	gw.PutImage(gateway.Image{ID: 42})
	gw.TruncateExport(42, 300)
	dir := t.TempDir()

	file, err := New(gw, WithTempDir(dir), WithChunkSize(128)).Generate(context.Background(), sess, 42)
	assert.Nil(t, file)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrGenerationFailed)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, int64(42), e.ImageID)

	assert.Empty(t, entries(t, dir), "partial file must be removed")
	assert.Equal(t, 1, gw.Count(inmemory.OpExporterClose))
	assert.Zero(t, gw.Count(inmemory.OpSaveOriginalFile))
	assert.Zero(t, gw.Count(inmemory.OpRawStoreWrite))
}

func TestGenerateFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		imageID   int64
		setup     func(gw *inmemory.Gateway)
		wantCause error
		closes    int
	}{
		{
			name:      "exporter_unavailable",
			imageID:   42,
			setup:     func(gw *inmemory.Gateway) { gw.FailOn(inmemory.OpExporterOpen, gateway.ErrOutOfService) },
			wantCause: gateway.ErrOutOfService,
			closes:    0,
		},
		{
			name:      "unknown_image",
			imageID:   7,
			wantCause: gateway.ErrNotFound,
			closes:    1,
		},
		{
			name:      "generate_rejected",
			imageID:   42,
			setup:     func(gw *inmemory.Gateway) { gw.FailOn(inmemory.OpExporterGenerate, boom) },
			wantCause: boom,
			closes:    1,
		},
		{
			name:      "read_fails",
			imageID:   42,
			setup:     func(gw *inmemory.Gateway) { gw.FailOn(inmemory.OpExporterRead, boom) },
			wantCause: boom,
			closes:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, sess := setup(t)
			gw.PutImage(gateway.Image{ID: 42})
			if tt.setup != nil {
				tt.setup(gw)
			}
			dir := t.TempDir()
			_, err := New(gw, WithTempDir(dir)).Generate(context.Background(), sess, tt.imageID)
			assert.Equal(t, errs.KindGenerationFailed, errs.KindOf(err))
			assert.ErrorIs(t, err, tt.wantCause)
			assert.Equal(t, tt.closes, gw.Count(inmemory.OpExporterClose))
			assert.Empty(t, entries(t, dir))
		})
	}
}

func TestGenerateMissingDir(t *testing.T) {
	gw, sess := setup(t)
	gw.PutImage(gateway.Image{ID: 42})
	dir := filepath.Join(t.TempDir(), "missing")

	_, err := New(gw, WithTempDir(dir)).Generate(context.Background(), sess, 42)
	assert.ErrorIs(t, err, errs.ErrGenerationFailed)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 1, gw.Count(inmemory.OpExporterClose))
}

func TestGenerateCanceled(t *testing.T) {
	gw, sess := setup(t, inmemory.WithExportSize(4096))
	gw.PutImage(gateway.Image{ID: 42})
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(gw, WithTempDir(dir), WithChunkSize(16)).Generate(ctx, sess, 42)
	assert.ErrorIs(t, err, errs.ErrGenerationFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, entries(t, dir))
}
