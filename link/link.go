//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package link composes the web client URLs handed back to callers.
// Links embed the session token as bsession, so they are only valid
// while that session lives.
package link

import (
	"fmt"
	"net/url"
	"strconv"
)

// DefaultServerID is the web client server index used when none is set.
const DefaultServerID = 1

// Option configures a Composer.
type Option func(*Composer)

// WithServerID sets the server index appended to every link. Non-positive
// values keep DefaultServerID.
func WithServerID(id int) Option {
	return func(c *Composer) {
		if id > 0 {
			c.serverID = id
		}
	}
}

// WithScheme overrides the URL scheme ("http" by default).
func WithScheme(scheme string) Option {
	return func(c *Composer) {
		if scheme != "" {
			c.scheme = scheme
		}
	}
}

// Composer builds links for one server host.
type Composer struct {
	host     string
	scheme   string
	serverID int
}

// New creates a Composer for host.
func New(host string, opts ...Option) *Composer {
	c := &Composer{host: host, scheme: "http", serverID: DefaultServerID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the host links point at.
func (c *Composer) Host() string { return c.host }

// ImageDownload links to the archived original file of an image.
func (c *Composer) ImageDownload(imageID int64, token string) string {
	return c.build("/omero/webgateway/archived_files/download/"+strconv.FormatInt(imageID, 10), token)
}

// AnnotationDownload links to the file behind a file annotation.
func (c *Composer) AnnotationDownload(annotationID int64, token string) string {
	return c.build("/omero/webclient/annotation/"+strconv.FormatInt(annotationID, 10), token)
}

// ImageDetail links to the image viewer page.
func (c *Composer) ImageDetail(imageID int64, token string) string {
	return c.build("/omero/webclient/img_detail/"+strconv.FormatInt(imageID, 10)+"/", token)
}

func (c *Composer) build(path, token string) string {
	return fmt.Sprintf("%s://%s%s?server=%d&bsession=%s",
		c.scheme, c.host, path, c.serverID, url.QueryEscape(token))
}
