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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/gateway/inmemory"
	"trpc.group/trpc-go/trpc-omero-go/generator"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

// flakyBridge fronts a bridge with a switch that answers every request
// with 503, and an optional hook run before each request is served.
type flakyBridge struct {
	fake    *inmemory.Gateway
	handler *Handler
	client  *Client
	down    atomic.Bool
	before  atomic.Value // func(*http.Request)
}

func newFlakyBridge(t *testing.T, opts ...inmemory.Option) *flakyBridge {
	t.Helper()
	opts = append([]inmemory.Option{inmemory.WithUser("alice", "secret")}, opts...)
	b := &flakyBridge{fake: inmemory.New(opts...)}
	b.handler = NewHandler(b.fake)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hook, ok := b.before.Load().(func(*http.Request)); ok {
			hook(r)
		}
		if b.down.Load() {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "bridge restarting"})
			return
		}
		b.handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	b.client = c
	return b
}

func (b *flakyBridge) open() (exporters, stores, thumbnails int) {
	b.handler.mu.Lock()
	defer b.handler.mu.Unlock()
	return len(b.handler.exporters), len(b.handler.stores), len(b.handler.thumbnails)
}

func TestCanceledGenerateReleasesExporter(t *testing.T) {
	b := newFlakyBridge(t, inmemory.WithExportSize(4096))
	b.fake.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	m := session.NewManager(b.client, creds)
	sess, err := m.EnsureConnected(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.before.Store(func(r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/data") {
			cancel()
		}
	})

	dir := t.TempDir()
	_, err = generator.New(b.client, generator.WithTempDir(dir), generator.WithChunkSize(16)).Generate(ctx, sess, 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrGenerationFailed)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, b.fake.Count(inmemory.OpExporterOpen))
	assert.Equal(t, 1, b.fake.Count(inmemory.OpExporterClose))
	exporters, _, _ := b.open()
	assert.Zero(t, exporters)
}

func TestDisconnectClosesOpenProxies(t *testing.T) {
	b := newFlakyBridge(t)
	ctx := context.Background()
	sc := connect(t, b.client)

	exp, err := b.client.Exporter(ctx, sc)
	require.NoError(t, err)
	dm, err := b.client.DataManager(sc)
	require.NoError(t, err)
	record, err := dm.SaveOriginalFile(ctx, gateway.OriginalFile{Name: "f.ome.tiff"})
	require.NoError(t, err)
	_, err = b.client.RawFileStore(ctx, sc, record.ID)
	require.NoError(t, err)
	_, err = b.client.ThumbnailStore(ctx, sc)
	require.NoError(t, err)

	require.NoError(t, b.client.Disconnect(ctx))
	exporters, stores, thumbnails := b.open()
	assert.Zero(t, exporters)
	assert.Zero(t, stores)
	assert.Zero(t, thumbnails)
	assert.Equal(t, 1, b.fake.Count(inmemory.OpExporterClose))
	assert.Equal(t, 1, b.fake.Count(inmemory.OpRawStoreClose))
	assert.Equal(t, 1, b.fake.Count(inmemory.OpThumbnailClose))

	// The client side close of a dropped handle still succeeds.
	assert.NoError(t, exp.Close(ctx))
}

func TestFailedTeardownReportsDisconnected(t *testing.T) {
	b := newFlakyBridge(t)
	ctx := context.Background()
	m := session.NewManager(b.client, creds)
	_, err := m.EnsureConnected(ctx)
	require.NoError(t, err)

	b.down.Store(true)
	m.Disconnect(ctx)
	b.down.Store(false)

	ok, err := m.IsConnected()
	require.NoError(t, err)
	assert.False(t, ok)

	sess, err := m.EnsureConnected(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	ok, err = m.IsConnected()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnreachableBridgeIsServiceUnavailable(t *testing.T) {
	b := newFlakyBridge(t)
	ctx := context.Background()
	m := session.NewManager(b.client, creds)
	sess, err := m.EnsureConnected(ctx)
	require.NoError(t, err)

	b.down.Store(true)
	_, err = m.IsConnected()
	require.Error(t, err)
	assert.Equal(t, errs.KindServiceUnavailable, errs.KindOf(err))
	assert.ErrorIs(t, err, gateway.ErrOutOfService)
	assert.True(t, errs.KindOf(err).Retryable())

	_, err = m.EnsureConnected(ctx)
	assert.Equal(t, errs.KindServiceUnavailable, errs.KindOf(err))

	b.down.Store(false)
	ok, err := m.IsConnected()
	require.NoError(t, err)
	assert.True(t, ok)
	current, live := m.Current()
	require.True(t, live)
	assert.Equal(t, sess.Token, current.Token)
}

func TestStatus(t *testing.T) {
	b := newFlakyBridge(t)
	ctx := context.Background()

	ok, err := b.client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no token, no request")

	connect(t, b.client)
	ok, err = b.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	b.down.Store(true)
	_, err = b.client.Status(ctx)
	assert.ErrorIs(t, err, gateway.ErrOutOfService)
	assert.False(t, b.client.IsConnected())
}

func TestDisconnectForgetsTokenOnFailure(t *testing.T) {
	b := newFlakyBridge(t)
	connect(t, b.client)
	b.down.Store(true)
	assert.Error(t, b.client.Disconnect(context.Background()))
	b.down.Store(false)

	ok, err := b.client.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreWriteRejectsGap(t *testing.T) {
	b := newFlakyBridge(t)
	ctx := context.Background()
	sc := connect(t, b.client)
	dm, err := b.client.DataManager(sc)
	require.NoError(t, err)
	record, err := dm.SaveOriginalFile(ctx, gateway.OriginalFile{Name: "f.ome.tiff"})
	require.NoError(t, err)
	store, err := b.client.RawFileStore(ctx, sc, record.ID)
	require.NoError(t, err)
	defer store.Close(ctx)

	assert.Error(t, store.Write(ctx, []byte("x"), 1<<40))
	require.NoError(t, store.Write(ctx, []byte("abc"), 0))
	require.NoError(t, store.Write(ctx, []byte("def"), 3))
	saved, err := store.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), saved.Size)
}
