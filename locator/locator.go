//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package locator finds an existing file attachment of an image that
// already holds the image in a requested format.
package locator

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

const opFind = "locate"

// Option configures a Locator.
type Option func(*options)

type options struct {
	namePatterns []string
}

// WithNamePatterns makes attachments whose file name matches one of the
// doublestar patterns count as a match regardless of their format label.
// Invalid patterns are dropped with a warning.
func WithNamePatterns(patterns ...string) Option {
	return func(o *options) {
		for _, p := range patterns {
			if !doublestar.ValidatePattern(p) {
				log.Warnf("locator: ignoring invalid name pattern %q", p)
				continue
			}
			o.namePatterns = append(o.namePatterns, p)
		}
	}
}

// Locator searches an image's file annotations.
type Locator struct {
	gw   gateway.Gateway
	opts options
}

// New creates a Locator over gw.
func New(gw gateway.Gateway, opts ...Option) *Locator {
	l := &Locator{gw: gw}
	for _, opt := range opts {
		opt(&l.opts)
	}
	return l
}

// Find returns the first attachment of imageID, in server listing order,
// whose format equals format exactly (or whose name matches a configured
// pattern). It returns nil and no error when nothing matches.
func (l *Locator) Find(ctx context.Context, sess *session.Session, imageID int64, format string) (*gateway.FileAnnotation, error) {
	anns, err := l.list(ctx, sess, imageID)
	if err != nil {
		return nil, err
	}
	for i := range anns {
		if l.matches(&anns[i], format) {
			found := anns[i]
			log.Debugf("locator: image %d has %s attachment %d (%s)", imageID, format, found.ID, found.FileName)
			return &found, nil
		}
	}
	return nil, nil
}

// FindAll returns every attachment of imageID Find would accept, in server
// listing order.
func (l *Locator) FindAll(ctx context.Context, sess *session.Session, imageID int64, format string) ([]gateway.FileAnnotation, error) {
	anns, err := l.list(ctx, sess, imageID)
	if err != nil {
		return nil, err
	}
	var found []gateway.FileAnnotation
	for i := range anns {
		if l.matches(&anns[i], format) {
			found = append(found, anns[i])
		}
	}
	return found, nil
}

func (l *Locator) list(ctx context.Context, sess *session.Session, imageID int64) ([]gateway.FileAnnotation, error) {
	md, err := l.gw.Metadata(sess.Context)
	if err != nil {
		return nil, errs.FromGateway(opFind, errs.KindServiceUnavailable, err).WithImage(imageID)
	}
	anns, err := md.FileAnnotations(ctx, imageID)
	if err != nil {
		return nil, errs.FromGateway(opFind, errs.KindServiceUnavailable,
			fmt.Errorf("list file annotations: %w", err)).WithImage(imageID)
	}
	return anns, nil
}

func (l *Locator) matches(ann *gateway.FileAnnotation, format string) bool {
	if ann.FileFormat == format {
		return true
	}
	for _, p := range l.opts.namePatterns {
		if ok, _ := doublestar.Match(p, ann.FileName); ok {
			return true
		}
	}
	return false
}
