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
	"trpc.group/trpc-go/trpc-omero-go/acquire"
	"trpc.group/trpc-go/trpc-omero-go/link"
	"trpc.group/trpc-go/trpc-omero-go/session"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	serverID    int
	sessionOpts []session.Option
	acquireOpts []acquire.Option
}

// WithServerID sets the server index embedded in links.
func WithServerID(id int) Option {
	return func(o *options) {
		if id > 0 {
			o.serverID = id
		}
	}
}

// WithSessionOptions forwards options to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// WithAcquireOptions forwards options to the acquisition pipeline.
func WithAcquireOptions(opts ...acquire.Option) Option {
	return func(o *options) {
		o.acquireOpts = append(o.acquireOpts, opts...)
	}
}

func newOptions(opts []Option) options {
	o := options{serverID: link.DefaultServerID}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
