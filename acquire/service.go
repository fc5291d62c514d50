//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package acquire guarantees an OME-TIFF download link for any image.
//
// An image already stored as OME-TIFF is linked directly. Otherwise an
// existing OME-TIFF attachment is reused, and only when none exists is a
// new one generated on the server, downloaded and published back. Reuse
// is always tried before regeneration unless WithForceRegenerate is set.
package acquire

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-omero-go/archive"
	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/generator"
	itelemetry "trpc.group/trpc-go/trpc-omero-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-omero-go/link"
	"trpc.group/trpc-go/trpc-omero-go/locator"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/publisher"
	"trpc.group/trpc-go/trpc-omero-go/session"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-omero-go/telemetry/trace"
)

const opAcquire = "acquire"

// Outcome says how a link was obtained.
type Outcome string

// Acquisition outcomes.
const (
	OutcomeDirect    Outcome = itelemetry.OutcomeDirect
	OutcomeReused    Outcome = itelemetry.OutcomeReused
	OutcomeGenerated Outcome = itelemetry.OutcomeGenerated
)

// Result describes a successful acquisition.
type Result struct {
	ImageID int64
	// URL is the download link, valid while the session lives.
	URL     string
	Outcome Outcome
	// AnnotationID is the attachment the link points at; zero for a direct
	// image link.
	AnnotationID int64
	// Replaced lists attachments deleted under ReplaceExisting.
	Replaced []int64
	// LocalPath is the generated file when WithKeepFile is set.
	LocalPath string
	// ArchiveKey is the object key when an archive sink stored the file.
	ArchiveKey string
	// ArchivePruned lists older archived objects of the image deleted under
	// ReplaceExisting.
	ArchivePruned []string
}

// Service runs the acquisition pipeline on one session. It is not safe
// for concurrent use; callers serialize calls per session.
type Service struct {
	sessions  *session.Manager
	gw        gateway.Gateway
	locator   *locator.Locator
	generator *generator.Generator
	publisher *publisher.Publisher
	opts      options
}

// New creates a Service. sessions must manage a session on gw.
func New(sessions *session.Manager, gw gateway.Gateway, opts ...Option) *Service {
	o := newOptions(opts)
	return &Service{
		sessions: sessions,
		gw:       gw,
		locator:  locator.New(gw, locator.WithNamePatterns(o.namePatterns...)),
		generator: generator.New(gw,
			generator.WithTempDir(o.tempDir),
			generator.WithChunkSize(o.chunkSize),
			generator.WithWindow(o.window)),
		publisher: publisher.New(gw,
			publisher.WithChunkSize(o.chunkSize),
			publisher.WithWindow(o.window)),
		opts: o,
	}
}

// AcquireCanonicalLink returns a download link to an OME-TIFF of imageID.
func (s *Service) AcquireCanonicalLink(ctx context.Context, imageID int64) (string, error) {
	res, err := s.Acquire(ctx, imageID)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// Acquire is AcquireCanonicalLink with the details of how the link was
// obtained.
func (s *Service) Acquire(ctx context.Context, imageID int64) (res *Result, err error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameAcquire)
	defer span.End()
	itelemetry.TraceImage(span, imageID)
	defer func() {
		itelemetry.TraceError(span, err)
		outcome := itelemetry.OutcomeFailed
		if res != nil {
			outcome = string(res.Outcome)
			span.SetAttributes(attribute.String(itelemetry.KeyOutcome, outcome))
		}
		metric.RecordAcquisition(ctx, outcome)
	}()

	sess, err := s.sessions.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	links := link.New(sess.Host, link.WithServerID(s.opts.serverID))

	img, err := s.image(ctx, sess, imageID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(itelemetry.KeyFormat, img.Format))
	if img.Format == gateway.FormatOMETiff {
		log.Debugf("acquire: image %d is stored as %s, linking directly", imageID, img.Format)
		return &Result{
			ImageID: imageID,
			URL:     links.ImageDownload(imageID, sess.Token),
			Outcome: OutcomeDirect,
		}, nil
	}

	var stale []int64
	if s.opts.forceRegenerate {
		if s.opts.policy == ReplaceExisting {
			if stale, err = s.canonicalAttachments(ctx, sess, imageID); err != nil {
				return nil, err
			}
		}
	} else {
		found, err := s.locate(ctx, sess, imageID)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return &Result{
				ImageID:      imageID,
				URL:          links.AnnotationDownload(found.ID, sess.Token),
				Outcome:      OutcomeReused,
				AnnotationID: found.ID,
			}, nil
		}
	}

	res, err = s.regenerate(ctx, sess, imageID)
	if err != nil {
		return nil, err
	}
	res.URL = links.AnnotationDownload(res.AnnotationID, sess.Token)
	res.Replaced = s.removeStale(ctx, sess, imageID, stale)
	return res, nil
}

func (s *Service) image(ctx context.Context, sess *session.Session, imageID int64) (*gateway.Image, error) {
	browser, err := s.gw.Browse(sess.Context)
	if err != nil {
		return nil, errs.FromGateway(opAcquire, errs.KindServiceUnavailable, err).WithImage(imageID)
	}
	img, err := browser.GetImage(ctx, imageID)
	if err != nil {
		return nil, errs.FromGateway(opAcquire, errs.KindServiceUnavailable,
			fmt.Errorf("get image: %w", err)).WithImage(imageID)
	}
	return img, nil
}

func (s *Service) locate(ctx context.Context, sess *session.Session, imageID int64) (*gateway.FileAnnotation, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameLocate)
	defer span.End()
	found, err := s.locator.Find(ctx, sess, imageID, gateway.FormatOMETiff)
	itelemetry.TraceError(span, err)
	if found != nil {
		span.SetAttributes(attribute.Int64(itelemetry.KeyAnnotationID, found.ID))
	}
	return found, err
}

// regenerate produces and publishes a new canonical file. The local file
// is removed unless keepFile is set; the archive sink sees it first.
func (s *Service) regenerate(ctx context.Context, sess *session.Session, imageID int64) (*Result, error) {
	file, err := s.generator.Generate(ctx, sess, imageID)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if keep {
			return
		}
		if rerr := file.Remove(); rerr != nil {
			log.Warnf("acquire: remove %s: %v", file.Path, rerr)
		}
	}()

	annID, err := s.publisher.Publish(ctx, sess, imageID, file)
	if err != nil {
		return nil, err
	}
	res := &Result{ImageID: imageID, Outcome: OutcomeGenerated, AnnotationID: annID}
	if s.opts.sink != nil {
		res.ArchiveKey = s.archive(ctx, imageID, file)
		if res.ArchiveKey != "" && s.opts.policy == ReplaceExisting {
			res.ArchivePruned = s.pruneArchive(ctx, imageID, res.ArchiveKey)
		}
	}
	if s.opts.keepFile {
		keep = true
		res.LocalPath = file.Path
	}
	return res, nil
}

func (s *Service) archive(ctx context.Context, imageID int64, file *generator.CanonicalFile) string {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameArchive)
	defer span.End()
	key, err := s.opts.sink.Store(ctx, imageID, file.Path)
	if err != nil {
		itelemetry.TraceError(span, err)
		log.Warnf("acquire: archiving %s for image %d failed: %v", file.Name(), imageID, err)
		return ""
	}
	log.Debugf("acquire: image %d archived as %s", imageID, key)
	return key
}

// pruneArchive deletes the objects archived for imageID other than keep,
// when the sink can enumerate them. Failures are logged.
func (s *Service) pruneArchive(ctx context.Context, imageID int64, keep string) []string {
	catalog, ok := s.opts.sink.(archive.Catalog)
	if !ok {
		return nil
	}
	keys, err := catalog.List(ctx, imageID)
	if err != nil {
		log.Warnf("acquire: list archived objects of image %d: %v", imageID, err)
		return nil
	}
	var pruned []string
	for _, key := range keys {
		if key == keep {
			continue
		}
		if err := catalog.Delete(ctx, key); err != nil {
			log.Warnf("acquire: delete archived object %s: %v", key, err)
			continue
		}
		pruned = append(pruned, key)
	}
	if len(pruned) > 0 {
		log.Debugf("acquire: pruned %d archived objects of image %d", len(pruned), imageID)
	}
	return pruned
}

// canonicalAttachments lists every attachment of imageID the locator
// would reuse.
func (s *Service) canonicalAttachments(ctx context.Context, sess *session.Session, imageID int64) ([]int64, error) {
	anns, err := s.locator.FindAll(ctx, sess, imageID, gateway.FormatOMETiff)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(anns))
	for _, ann := range anns {
		ids = append(ids, ann.ID)
	}
	return ids, nil
}

// removeStale deletes superseded attachments and returns the ids actually
// removed. Failures are logged; the new attachment is already linked.
func (s *Service) removeStale(ctx context.Context, sess *session.Session, imageID int64, stale []int64) []int64 {
	if len(stale) == 0 {
		return nil
	}
	dm, err := s.gw.DataManager(sess.Context)
	if err != nil {
		log.Warnf("acquire: cannot remove stale attachments of image %d: %v", imageID, err)
		return nil
	}
	var removed []int64
	for _, id := range stale {
		if err := dm.DeleteAnnotation(ctx, id); err != nil {
			log.Warnf("acquire: remove stale attachment %d of image %d: %v", id, imageID, err)
			continue
		}
		removed = append(removed, id)
	}
	return removed
}
