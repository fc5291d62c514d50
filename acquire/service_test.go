//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	archivemem "trpc.group/trpc-go/trpc-omero-go/archive/inmemory"
	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/gateway/inmemory"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

const host = "omero.example.org"

type fixture struct {
	gw       *inmemory.Gateway
	sessions *session.Manager
	dir      string
}

func newFixture(t *testing.T, gwOpts ...inmemory.Option) *fixture {
	t.Helper()
	gwOpts = append([]inmemory.Option{inmemory.WithUser("alice", "secret")}, gwOpts...)
	gw := inmemory.New(gwOpts...)
	return &fixture{
		gw:       gw,
		sessions: session.NewManager(gw, gateway.Credentials{Username: "alice", Password: "secret", Host: host, Port: 4064}),
		dir:      t.TempDir(),
	}
}

func (f *fixture) service(opts ...Option) *Service {
	opts = append([]Option{WithTempDir(f.dir)}, opts...)
	return New(f.sessions, f.gw, opts...)
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	sess, ok := f.sessions.Current()
	require.True(t, ok)
	return sess.Token
}

func (f *fixture) tempFiles(t *testing.T) []string {
	t.Helper()
	des, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func annotationURL(annID int64, token string) string {
	return fmt.Sprintf("http://%s/omero/webclient/annotation/%d?server=1&bsession=%s", host, annID, token)
}

func TestAcquireDirectLink(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 7, Format: gateway.FormatOMETiff})

	res, err := f.service().Acquire(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDirect, res.Outcome)
	assert.Equal(t,
		fmt.Sprintf("http://%s/omero/webgateway/archived_files/download/7?server=1&bsession=%s", host, f.token(t)),
		res.URL)
	assert.Zero(t, f.gw.Count(inmemory.OpFileAnnotations))
	assert.Zero(t, f.gw.Count(inmemory.OpExporterOpen))
	assert.Zero(t, f.gw.Count(inmemory.OpSaveOriginalFile))
}

func TestAcquireReusesAttachment(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 8, Format: "JPEG"})
	annID := f.gw.PutFileAnnotation(8, gateway.FileAnnotation{FileName: "8.ome.tiff", FileFormat: gateway.FormatOMETiff}, []byte("x"))

	url, err := f.service().AcquireCanonicalLink(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, annotationURL(annID, f.token(t)), url)
	assert.Zero(t, f.gw.Count(inmemory.OpExporterOpen))
	assert.Zero(t, f.gw.Count(inmemory.OpRawStoreWrite))
}

func TestAcquireGeneratesOnce(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 9, Format: "PNG"})
	svc := f.service(WithChunkSize(512))

	res, err := svc.Acquire(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, res.Outcome)
	assert.Equal(t, []int64{res.AnnotationID}, f.gw.ImageAnnotations(9))
	assert.Equal(t, annotationURL(res.AnnotationID, f.token(t)), res.URL)
	assert.Equal(t, 1, f.gw.Count(inmemory.OpExporterGenerate))
	assert.Equal(t, 1, f.gw.Count(inmemory.OpSaveFileAnnotation))
	assert.Equal(t, 1, f.gw.Count(inmemory.OpLinkImageAnnotation))
	assert.Empty(t, res.LocalPath)
	assert.Empty(t, f.tempFiles(t), "generated file is removed after publishing")

	// The next acquisition reuses what was published.
	again, err := svc.Acquire(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, again.Outcome)
	assert.Equal(t, res.URL, again.URL)
	assert.Equal(t, 1, f.gw.Count(inmemory.OpExporterGenerate))
}

func TestAcquireEndToEndCallSequence(t *testing.T) {
	f := newFixture(t, inmemory.WithExportSize(4096))
	f.gw.PutImage(gateway.Image{ID: 42, Format: "JPEG"})

	url, err := f.service(WithChunkSize(1024)).AcquireCanonicalLink(context.Background(), 42)
	require.NoError(t, err)

	anns := f.gw.ImageAnnotations(42)
	require.Len(t, anns, 1)
	assert.Equal(t, annotationURL(anns[0], f.token(t)), url)

	want := []string{
		inmemory.OpConnect,
		inmemory.OpGetImage,
		inmemory.OpFileAnnotations,
		inmemory.OpExporterOpen,
		inmemory.OpExporterAddImage,
		inmemory.OpExporterGenerate,
		inmemory.OpExporterRead, inmemory.OpExporterRead, inmemory.OpExporterRead, inmemory.OpExporterRead,
		inmemory.OpExporterClose,
		inmemory.OpSaveOriginalFile,
		inmemory.OpRawStoreOpen,
		inmemory.OpRawStoreWrite, inmemory.OpRawStoreWrite, inmemory.OpRawStoreWrite, inmemory.OpRawStoreWrite,
		inmemory.OpRawStoreSave,
		inmemory.OpRawStoreClose,
		inmemory.OpSaveFileAnnotation,
		inmemory.OpLinkImageAnnotation,
	}
	assert.Equal(t, want, f.gw.Calls())

	ann, ok := f.gw.FileAnnotation(anns[0])
	require.True(t, ok)
	assert.Equal(t, gateway.FormatOMETiff, ann.FileFormat)
	assert.Equal(t, int64(4096), ann.Size)
	content, ok := f.gw.FileContent(ann.FileID)
	require.True(t, ok)
	require.Len(t, content, 4096)
	for i, b := range content {
		if b != byte((int64(i)+42)%251) {
			t.Fatalf("byte %d differs from the export", i)
		}
	}
}

func TestAcquireForceRegenerate(t *testing.T) {
	tests := []struct {
		name        string
		policy      ReplacePolicy
		wantRemains int
		wantRemoved bool
	}{
		{name: "supplement", policy: Supplement, wantRemains: 2},
		{name: "replace", policy: ReplaceExisting, wantRemains: 1, wantRemoved: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.PutImage(gateway.Image{ID: 5, Format: "JPEG"})
			old := f.gw.PutFileAnnotation(5, gateway.FileAnnotation{FileName: "old.ome.tiff", FileFormat: gateway.FormatOMETiff}, []byte("old"))
			other := f.gw.PutFileAnnotation(5, gateway.FileAnnotation{FileName: "notes.txt", FileFormat: "text/plain"}, nil)

			res, err := f.service(WithForceRegenerate(true), WithReplacePolicy(tt.policy)).Acquire(context.Background(), 5)
			require.NoError(t, err)
			assert.Equal(t, OutcomeGenerated, res.Outcome)
			assert.NotEqual(t, old, res.AnnotationID)

			var canonical []int64
			for _, id := range f.gw.ImageAnnotations(5) {
				if ann, _ := f.gw.FileAnnotation(id); ann.FileFormat == gateway.FormatOMETiff {
					canonical = append(canonical, id)
				}
			}
			assert.Len(t, canonical, tt.wantRemains)
			assert.Contains(t, canonical, res.AnnotationID)
			assert.Contains(t, f.gw.ImageAnnotations(5), other)
			if tt.wantRemoved {
				assert.Equal(t, []int64{old}, res.Replaced)
			} else {
				assert.Empty(t, res.Replaced)
			}
		})
	}
}

func TestAcquireReplaceToleratesDeleteFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 5, Format: "JPEG"})
	f.gw.PutFileAnnotation(5, gateway.FileAnnotation{FileName: "old.ome.tiff", FileFormat: gateway.FormatOMETiff}, nil)
	f.gw.FailOn(inmemory.OpDeleteAnnotation, errors.New("locked"))

	res, err := f.service(WithForceRegenerate(true), WithReplacePolicy(ReplaceExisting)).Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, res.Replaced)
	assert.Len(t, f.gw.ImageAnnotations(5), 2)
}

func TestAcquireKeepFileAndArchive(t *testing.T) {
	f := newFixture(t, inmemory.WithExportSize(300))
	f.gw.PutImage(gateway.Image{ID: 11, Format: "JPEG"})
	sink := archivemem.NewSink("lab")

	res, err := f.service(WithKeepFile(true), WithArchive(sink)).Acquire(context.Background(), 11)
	require.NoError(t, err)
	require.NotEmpty(t, res.LocalPath)
	info, err := os.Stat(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, int64(300), info.Size())

	require.Equal(t, []string{res.ArchiveKey}, sink.Keys(11))
	data, ok := sink.Object(res.ArchiveKey)
	require.True(t, ok)
	assert.Len(t, data, 300)
}

func TestAcquireArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 11, Format: "JPEG"})
	sink := archivemem.NewSink("")
	sink.FailWith(errors.New("bucket unavailable"))

	res, err := f.service(WithArchive(sink)).Acquire(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, res.Outcome)
	assert.Empty(t, res.ArchiveKey)
	assert.Empty(t, f.tempFiles(t))
}

func TestAcquireReplacePrunesArchive(t *testing.T) {
	tests := []struct {
		name       string
		policy     ReplacePolicy
		wantPruned bool
	}{
		{name: "supplement", policy: Supplement},
		{name: "replace", policy: ReplaceExisting, wantPruned: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.PutImage(gateway.Image{ID: 11, Format: "JPEG"})
			f.gw.PutImage(gateway.Image{ID: 12, Format: "JPEG"})
			sink := archivemem.NewSink("lab")
			svc := f.service(WithArchive(sink), WithForceRegenerate(true), WithReplacePolicy(tt.policy))
			ctx := context.Background()

			first, err := svc.Acquire(ctx, 11)
			require.NoError(t, err)
			neighbour, err := svc.Acquire(ctx, 12)
			require.NoError(t, err)
			second, err := svc.Acquire(ctx, 11)
			require.NoError(t, err)
			require.NotEqual(t, first.ArchiveKey, second.ArchiveKey)

			if tt.wantPruned {
				assert.Equal(t, []string{first.ArchiveKey}, second.ArchivePruned)
				assert.Equal(t, []string{second.ArchiveKey}, sink.Keys(11))
			} else {
				assert.Empty(t, second.ArchivePruned)
				assert.ElementsMatch(t, []string{first.ArchiveKey, second.ArchiveKey}, sink.Keys(11))
			}
			assert.Equal(t, []string{neighbour.ArchiveKey}, sink.Keys(12))
		})
	}
}

func TestAcquireGenerationFailureSkipsPublish(t *testing.T) {
	f := newFixture(t, inmemory.WithExportSize(2000))
	f.gw.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	f.gw.TruncateExport(42, 1500)

	_, err := f.service(WithChunkSize(1024)).AcquireCanonicalLink(context.Background(), 42)
	assert.ErrorIs(t, err, errs.ErrGenerationFailed)
	assert.Zero(t, f.gw.Count(inmemory.OpSaveOriginalFile))
	assert.Zero(t, f.gw.Count(inmemory.OpRawStoreOpen))
	assert.Empty(t, f.gw.ImageAnnotations(42))
	assert.Empty(t, f.tempFiles(t))
}

func TestAcquirePublishFailureRemovesFile(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 42, Format: "JPEG"})
	f.gw.FailOn(inmemory.OpLinkImageAnnotation, gateway.ErrAccessDenied)

	_, err := f.service().AcquireCanonicalLink(context.Background(), 42)
	assert.ErrorIs(t, err, errs.ErrPublishFailed)
	assert.Empty(t, f.tempFiles(t))
}

func TestAcquireErrors(t *testing.T) {
	t.Run("unknown_image", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service().AcquireCanonicalLink(context.Background(), 404)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, int64(404), e.ImageID)
	})

	t.Run("bad_credentials", func(t *testing.T) {
		gw := inmemory.New(inmemory.WithUser("alice", "secret"))
		m := session.NewManager(gw, gateway.Credentials{Username: "alice", Password: "nope", Host: host})
		_, err := New(m, gw).AcquireCanonicalLink(context.Background(), 1)
		assert.ErrorIs(t, err, errs.ErrAuthenticationFailed)
		assert.Equal(t, []string{inmemory.OpConnect}, gw.Calls())
	})

	t.Run("server_unreachable", func(t *testing.T) {
		f := newFixture(t)
		f.gw.PutImage(gateway.Image{ID: 1})
		f.gw.FailOn(inmemory.OpGetImage, fmt.Errorf("socket: %w", gateway.ErrOutOfService))
		_, err := f.service().AcquireCanonicalLink(context.Background(), 1)
		assert.ErrorIs(t, err, errs.ErrServiceUnavailable)
		assert.True(t, errs.KindOf(err).Retryable())
	})
}

func TestAcquireNamePatterns(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 3, Format: "JPEG"})
	zip := f.gw.PutFileAnnotation(3, gateway.FileAnnotation{FileName: "Batch_Image_Export.zip", FileFormat: "application/zip"}, nil)

	res, err := f.service(WithNamePatterns("Batch_Image_Export.zip")).Acquire(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, res.Outcome)
	assert.Equal(t, zip, res.AnnotationID)
}

func TestAcquireReplaceCoversNamePatterns(t *testing.T) {
	f := newFixture(t)
	f.gw.PutImage(gateway.Image{ID: 3, Format: "JPEG"})
	zip := f.gw.PutFileAnnotation(3, gateway.FileAnnotation{FileName: "Batch_Image_Export.zip", FileFormat: "application/zip"}, nil)
	old := f.gw.PutFileAnnotation(3, gateway.FileAnnotation{FileName: "old.ome.tiff", FileFormat: gateway.FormatOMETiff}, nil)
	other := f.gw.PutFileAnnotation(3, gateway.FileAnnotation{FileName: "notes.txt", FileFormat: "text/plain"}, nil)

	res, err := f.service(
		WithNamePatterns("Batch_Image_Export*.zip"),
		WithForceRegenerate(true),
		WithReplacePolicy(ReplaceExisting),
	).Acquire(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGenerated, res.Outcome)
	assert.ElementsMatch(t, []int64{zip, old}, res.Replaced)
	assert.ElementsMatch(t, []int64{other, res.AnnotationID}, f.gw.ImageAnnotations(3))
}

func TestParseReplacePolicy(t *testing.T) {
	p, err := ParseReplacePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Supplement, p)
	p, err = ParseReplacePolicy("replace")
	require.NoError(t, err)
	assert.Equal(t, ReplaceExisting, p)
	assert.Equal(t, "replace", p.String())
	_, err = ParseReplacePolicy("purge")
	assert.Error(t, err)
}
