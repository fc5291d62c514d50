//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package client is the facade over one OMERO server: a managed session,
// the canonical-format acquisition pipeline, download links and a few
// project, dataset and annotation helpers.
//
// A Client runs one call chain at a time. Concurrent callers are
// serialized; use package batch for parallel acquisition.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-omero-go/acquire"
	"trpc.group/trpc-go/trpc-omero-go/errs"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/link"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

const (
	opImageLink   = "image download link"
	opAnnotations = "annotations"
	opCreate      = "create"
	opAnnotate    = "annotate"
)

// Client talks to one OMERO server through a gateway.
type Client struct {
	gw       gateway.Gateway
	sessions *session.Manager
	acquirer *acquire.Service
	opts     options

	// pipeline serializes call chains on the single session.
	pipeline sync.Mutex
}

// New creates a Client. No connection is made until the first call or an
// explicit Connect.
func New(gw gateway.Gateway, creds gateway.Credentials, opts ...Option) *Client {
	o := newOptions(opts)
	sessions := session.NewManager(gw, creds, o.sessionOpts...)
	acquireOpts := append([]acquire.Option{acquire.WithServerID(o.serverID)}, o.acquireOpts...)
	return &Client{
		gw:       gw,
		sessions: sessions,
		acquirer: acquire.New(sessions, gw, acquireOpts...),
		opts:     o,
	}
}

// Sessions returns the underlying session manager.
func (c *Client) Sessions() *session.Manager {
	return c.sessions
}

// Connect logs in with creds, replacing any current session.
func (c *Client) Connect(ctx context.Context, creds gateway.Credentials) error {
	return c.sessions.Connect(ctx, creds)
}

// ConnectToSession attaches to an existing server session by token.
func (c *Client) ConnectToSession(ctx context.Context, token string) error {
	return c.sessions.ConnectToSession(ctx, token)
}

// IsConnected reports whether a session is live.
func (c *Client) IsConnected() (bool, error) {
	return c.sessions.IsConnected()
}

// Disconnect drops the session. It never fails.
func (c *Client) Disconnect(ctx context.Context) {
	c.sessions.Disconnect(ctx)
}

// Close disconnects. It implements io.Closer.
func (c *Client) Close() error {
	c.sessions.Disconnect(context.Background())
	return nil
}

// AcquireCanonicalLink returns a download link to an OME-TIFF of imageID,
// reusing an existing attachment or generating one.
func (c *Client) AcquireCanonicalLink(ctx context.Context, imageID int64) (string, error) {
	res, err := c.Acquire(ctx, imageID)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// Acquire is AcquireCanonicalLink with the acquisition details.
func (c *Client) Acquire(ctx context.Context, imageID int64) (*acquire.Result, error) {
	c.pipeline.Lock()
	defer c.pipeline.Unlock()
	return c.acquirer.Acquire(ctx, imageID)
}

// AcquireWithTimeout runs AcquireCanonicalLink under a deadline. When the
// deadline passes first the session is disconnected, which aborts any
// transfer still in flight, and a ServiceUnavailable error wrapping
// context.DeadlineExceeded is returned.
func (c *Client) AcquireWithTimeout(ctx context.Context, imageID int64, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		url string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		url, err := c.AcquireCanonicalLink(ctx, imageID)
		done <- outcome{url: url, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.abort(imageID)
			return "", errs.New(errs.KindServiceUnavailable, "acquire", ctx.Err()).WithImage(imageID)
		}
		return out.url, out.err
	case <-ctx.Done():
		c.abort(imageID)
		return "", errs.New(errs.KindServiceUnavailable, "acquire", ctx.Err()).WithImage(imageID)
	}
}

func (c *Client) abort(imageID int64) {
	log.Warnf("client: acquisition of image %d timed out, disconnecting", imageID)
	c.sessions.Disconnect(context.Background())
}

// ImageDownloadLink links the original import of imageID. Images without
// a declared format cannot be downloaded and yield a NotFound error.
func (c *Client) ImageDownloadLink(ctx context.Context, imageID int64) (string, error) {
	c.pipeline.Lock()
	defer c.pipeline.Unlock()
	sess, err := c.sessions.EnsureConnected(ctx)
	if err != nil {
		return "", err
	}
	b, err := c.gw.Browse(sess.Context)
	if err != nil {
		return "", errs.FromGateway(opImageLink, errs.KindServiceUnavailable, err).WithImage(imageID)
	}
	img, err := b.GetImage(ctx, imageID)
	if err != nil {
		return "", errs.FromGateway(opImageLink, errs.KindServiceUnavailable, err).WithImage(imageID)
	}
	if img.Format == "" {
		return "", errs.New(errs.KindNotFound, opImageLink,
			fmt.Errorf("image %d has no declared format", imageID)).WithImage(imageID)
	}
	return c.links(sess).ImageDownload(imageID, sess.Token), nil
}

// AnnotationDownloadLink links the file behind a file annotation.
func (c *Client) AnnotationDownloadLink(ctx context.Context, annotationID int64) (string, error) {
	sess, err := c.sessions.EnsureConnected(ctx)
	if err != nil {
		return "", err
	}
	return c.links(sess).AnnotationDownload(annotationID, sess.Token), nil
}

// ImageDetailLink links the web client's detail page of imageID.
func (c *Client) ImageDetailLink(ctx context.Context, imageID int64) (string, error) {
	sess, err := c.sessions.EnsureConnected(ctx)
	if err != nil {
		return "", err
	}
	return c.links(sess).ImageDetail(imageID, sess.Token), nil
}

// FileAnnotations lists the attachments of imageID in server order.
func (c *Client) FileAnnotations(ctx context.Context, imageID int64) ([]gateway.FileAnnotation, error) {
	var anns []gateway.FileAnnotation
	err := c.withMetadata(ctx, imageID, func(md gateway.Metadata) (err error) {
		anns, err = md.FileAnnotations(ctx, imageID)
		return err
	})
	return anns, err
}

// MapAnnotations lists the key/value annotations of imageID.
func (c *Client) MapAnnotations(ctx context.Context, imageID int64) ([]gateway.MapAnnotation, error) {
	var anns []gateway.MapAnnotation
	err := c.withMetadata(ctx, imageID, func(md gateway.Metadata) (err error) {
		anns, err = md.MapAnnotations(ctx, imageID)
		return err
	})
	return anns, err
}

func (c *Client) withMetadata(ctx context.Context, imageID int64, call func(gateway.Metadata) error) error {
	c.pipeline.Lock()
	defer c.pipeline.Unlock()
	sess, err := c.sessions.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	md, err := c.gw.Metadata(sess.Context)
	if err != nil {
		return errs.FromGateway(opAnnotations, errs.KindServiceUnavailable, err).WithImage(imageID)
	}
	if err := call(md); err != nil {
		return errs.FromGateway(opAnnotations, errs.KindServiceUnavailable, err).WithImage(imageID)
	}
	return nil
}

// CreateProject creates a project and returns its id.
func (c *Client) CreateProject(ctx context.Context, name, description string) (int64, error) {
	var id int64
	err := c.withDataManager(ctx, opCreate, func(dm gateway.DataManager) (err error) {
		id, err = dm.CreateProject(ctx, name, description)
		return err
	})
	return id, err
}

// CreateDataset creates a dataset inside projectID and returns its id.
func (c *Client) CreateDataset(ctx context.Context, projectID int64, name, description string) (int64, error) {
	var id int64
	err := c.withDataManager(ctx, opCreate, func(dm gateway.DataManager) (err error) {
		id, err = dm.CreateDataset(ctx, projectID, name, description)
		return err
	})
	return id, err
}

// AddMapAnnotationToProject attaches a single key/value pair to a project.
// The annotation is editable in the OMERO clients.
func (c *Client) AddMapAnnotationToProject(ctx context.Context, projectID int64, key, value string) error {
	return c.addMapAnnotation(ctx, gateway.ObjectRef{Kind: gateway.KindProject, ID: projectID}, key, value)
}

// AddMapAnnotationToDataset attaches a single key/value pair to a dataset.
func (c *Client) AddMapAnnotationToDataset(ctx context.Context, datasetID int64, key, value string) error {
	return c.addMapAnnotation(ctx, gateway.ObjectRef{Kind: gateway.KindDataset, ID: datasetID}, key, value)
}

func (c *Client) addMapAnnotation(ctx context.Context, target gateway.ObjectRef, key, value string) error {
	ann := gateway.MapAnnotation{
		Namespace: gateway.NamespaceClientMapAnnotation,
		Values:    []gateway.NamedValue{{Name: key, Value: value}},
	}
	return c.withDataManager(ctx, opAnnotate, func(dm gateway.DataManager) error {
		_, err := dm.AttachMapAnnotation(ctx, target, ann)
		if err != nil {
			return fmt.Errorf("%s %d: %w", target.Kind, target.ID, err)
		}
		return nil
	})
}

func (c *Client) withDataManager(ctx context.Context, op string, call func(gateway.DataManager) error) error {
	c.pipeline.Lock()
	defer c.pipeline.Unlock()
	sess, err := c.sessions.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	dm, err := c.gw.DataManager(sess.Context)
	if err != nil {
		return errs.FromGateway(op, errs.KindServiceUnavailable, err)
	}
	if err := call(dm); err != nil {
		return errs.FromGateway(op, errs.KindServiceUnavailable, err)
	}
	return nil
}

func (c *Client) links(sess *session.Session) *link.Composer {
	return link.New(sess.Host, link.WithServerID(c.opts.serverID))
}
