//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-omero-go/acquire"
	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/gateway/inmemory"
)

var creds = gateway.Credentials{Username: "alice", Password: "secret", Host: "omero.example.org", Port: 4064}

func newClient(t *testing.T, opts ...Option) (*inmemory.Gateway, *Client) {
	t.Helper()
	fake := inmemory.New(inmemory.WithUser("alice", "secret"), inmemory.WithExportSize(2048))
	opts = append([]Option{WithAcquireOptions(acquire.WithTempDir(t.TempDir()))}, opts...)
	return fake, New(fake, creds, opts...)
}

func token(t *testing.T, c *Client) string {
	t.Helper()
	sess, ok := c.Sessions().Current()
	require.True(t, ok)
	return sess.Token
}

func TestAcquireCanonicalLink(t *testing.T) {
	fake, c := newClient(t)
	fake.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	ctx := context.Background()

	url, err := c.AcquireCanonicalLink(ctx, 42)
	require.NoError(t, err)
	anns := fake.ImageAnnotations(42)
	require.Len(t, anns, 1)
	want := fmt.Sprintf("http://omero.example.org/omero/webclient/annotation/%d?server=1&bsession=%s", anns[0], token(t, c))
	assert.Equal(t, want, url)

	again, err := c.AcquireCanonicalLink(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, url, again)
	assert.Equal(t, 1, fake.Count(inmemory.OpSaveFileAnnotation))
}

func TestAcquireSerialized(t *testing.T) {
	fake, c := newClient(t)
	fake.PutImage(gateway.Image{ID: 42, Format: "JPEG"})

	var wg sync.WaitGroup
	urls := make([]string, 8)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, err := c.AcquireCanonicalLink(context.Background(), 42)
			assert.NoError(t, err)
			urls[i] = url
		}(i)
	}
	wg.Wait()
	for _, url := range urls[1:] {
		assert.Equal(t, urls[0], url)
	}
	assert.Equal(t, 1, fake.Count(inmemory.OpSaveFileAnnotation))
	assert.Equal(t, 1, fake.Count(inmemory.OpConnect))
}

// stalledGateway serves export reads only once the caller gives up.
type stalledGateway struct {
	*inmemory.Gateway
}

func (g stalledGateway) Exporter(ctx context.Context, sc gateway.SecurityContext) (gateway.Exporter, error) {
	exp, err := g.Gateway.Exporter(ctx, sc)
	if err != nil {
		return nil, err
	}
	return stalledExporter{Exporter: exp}, nil
}

type stalledExporter struct {
	gateway.Exporter
}

func (stalledExporter) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAcquireWithTimeout(t *testing.T) {
	fake, c := newClient(t)
	fake.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	url, err := c.AcquireWithTimeout(context.Background(), 42, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "/omero/webclient/annotation/")
	connected, err := c.IsConnected()
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestAcquireWithTimeoutDisconnects(t *testing.T) {
	fake := inmemory.New(inmemory.WithUser("alice", "secret"))
	fake.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	c := New(stalledGateway{Gateway: fake}, creds, WithAcquireOptions(acquire.WithTempDir(t.TempDir())))

	_, err := c.AcquireWithTimeout(context.Background(), 42, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.KindServiceUnavailable, errs.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Wait for the abandoned pipeline to unwind.
	c.pipeline.Lock()
	c.pipeline.Unlock()

	connected, err := c.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected)
	assert.GreaterOrEqual(t, fake.Count(inmemory.OpDisconnect), 1)
	assert.Equal(t, 1, fake.Count(inmemory.OpExporterClose))
	assert.Empty(t, fake.ImageAnnotations(42))
}

func TestImageDownloadLink(t *testing.T) {
	fake, c := newClient(t)
	fake.PutImage(gateway.Image{ID: 5, Format: "Zeiss CZI"})
	fake.PutImage(gateway.Image{ID: 6})
	ctx := context.Background()

	url, err := c.ImageDownloadLink(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "http://omero.example.org/omero/webgateway/archived_files/download/5?server=1&bsession="+token(t, c), url)

	_, err = c.ImageDownloadLink(ctx, 6)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, int64(6), e.ImageID)

	_, err = c.ImageDownloadLink(ctx, 7)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestLinks(t *testing.T) {
	_, c := newClient(t, WithServerID(3))
	ctx := context.Background()

	detail, err := c.ImageDetailLink(ctx, 8)
	require.NoError(t, err)
	tok := token(t, c)
	assert.Equal(t, "http://omero.example.org/omero/webclient/img_detail/8/?server=3&bsession="+tok, detail)

	ann, err := c.AnnotationDownloadLink(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "http://omero.example.org/omero/webclient/annotation/99?server=3&bsession="+tok, ann)
}

func TestLinksNeedSession(t *testing.T) {
	fake := inmemory.New()
	c := New(fake, creds)
	_, err := c.ImageDetailLink(context.Background(), 1)
	assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)
}

func TestAnnotations(t *testing.T) {
	fake, c := newClient(t)
	fake.PutImage(gateway.Image{ID: 3})
	fake.PutFileAnnotation(3, gateway.FileAnnotation{FileName: "notes.txt", FileFormat: "text/plain"}, []byte("n"))
	ctx := context.Background()

	files, err := c.FileAnnotations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].FileName)

	sess, ok := c.Sessions().Current()
	require.True(t, ok)
	dm, err := fake.DataManager(sess.Context)
	require.NoError(t, err)
	_, err = dm.AttachMapAnnotation(ctx, gateway.ObjectRef{Kind: gateway.KindImage, ID: 3},
		gateway.MapAnnotation{Values: []gateway.NamedValue{{Name: "stain", Value: "DAPI"}}})
	require.NoError(t, err)

	maps, err := c.MapAnnotations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, "DAPI", maps[0].Values[0].Value)

	_, err = c.FileAnnotations(ctx, 404)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateAndAnnotate(t *testing.T) {
	fake, c := newClient(t)
	ctx := context.Background()

	projectID, err := c.CreateProject(ctx, "screen", "first screen")
	require.NoError(t, err)
	datasetID, err := c.CreateDataset(ctx, projectID, "plate 1", "")
	require.NoError(t, err)

	require.NoError(t, c.AddMapAnnotationToProject(ctx, projectID, "owner", "qbic"))
	require.NoError(t, c.AddMapAnnotationToDataset(ctx, datasetID, "stage", "raw"))

	projectAnns := fake.MapAnnotationsOf(gateway.ObjectRef{Kind: gateway.KindProject, ID: projectID})
	require.Len(t, projectAnns, 1)
	assert.Equal(t, gateway.NamespaceClientMapAnnotation, projectAnns[0].Namespace)
	assert.Equal(t, []gateway.NamedValue{{Name: "owner", Value: "qbic"}}, projectAnns[0].Values)

	datasetAnns := fake.MapAnnotationsOf(gateway.ObjectRef{Kind: gateway.KindDataset, ID: datasetID})
	require.Len(t, datasetAnns, 1)
	assert.Equal(t, "stage", datasetAnns[0].Values[0].Name)

	_, err = c.CreateDataset(ctx, 12345, "orphan", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	fake.FailOn(inmemory.OpCreateProject, gateway.ErrOutOfService)
	_, err = c.CreateProject(ctx, "down", "")
	assert.ErrorIs(t, err, errs.ErrServiceUnavailable)
	assert.True(t, errs.KindOf(err).Retryable())
}

func TestSessionPassThrough(t *testing.T) {
	fake, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, creds))
	tok := token(t, c)

	other := New(fake, gateway.Credentials{Host: creds.Host})
	require.NoError(t, other.ConnectToSession(ctx, tok))
	assert.Equal(t, tok, token(t, other))

	require.NoError(t, other.Close())
	connected, err := other.IsConnected()
	require.NoError(t, err)
	assert.False(t, connected)
}
