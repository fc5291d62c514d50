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
	"fmt"

	"trpc.group/trpc-go/trpc-omero-go/archive"
	"trpc.group/trpc-go/trpc-omero-go/transfer"
)

// ReplacePolicy decides what happens to existing OME-TIFF attachments
// when a regeneration is forced.
type ReplacePolicy int

const (
	// Supplement keeps existing attachments next to the new one.
	Supplement ReplacePolicy = iota
	// ReplaceExisting deletes existing OME-TIFF attachments once the new
	// one is linked.
	ReplaceExisting
)

// String returns the policy name.
func (p ReplacePolicy) String() string {
	switch p {
	case Supplement:
		return "supplement"
	case ReplaceExisting:
		return "replace"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseReplacePolicy maps "supplement" or "replace" to a policy. The empty
// string means Supplement.
func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch s {
	case "", "supplement":
		return Supplement, nil
	case "replace":
		return ReplaceExisting, nil
	default:
		return Supplement, fmt.Errorf("unknown replace policy %q", s)
	}
}

// Option configures a Service.
type Option func(*options)

type options struct {
	chunkSize       int
	window          int
	tempDir         string
	keepFile        bool
	forceRegenerate bool
	policy          ReplacePolicy
	sink            archive.Sink
	namePatterns    []string
	serverID        int
}

func newOptions(opts []Option) options {
	o := options{chunkSize: transfer.DefaultChunkSize, window: transfer.DefaultWindow}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithChunkSize sets the transfer chunk size used in both directions.
func WithChunkSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

// WithWindow sets how many chunks may be in flight per transfer.
func WithWindow(window int) Option {
	return func(o *options) {
		if window > 0 {
			o.window = window
		}
	}
}

// WithTempDir sets where canonical files are generated.
func WithTempDir(dir string) Option {
	return func(o *options) {
		o.tempDir = dir
	}
}

// WithKeepFile keeps the generated file on disk after a successful publish.
// Its path is reported in Result.LocalPath.
func WithKeepFile(keep bool) Option {
	return func(o *options) {
		o.keepFile = keep
	}
}

// WithForceRegenerate skips the search for an existing attachment.
func WithForceRegenerate(force bool) Option {
	return func(o *options) {
		o.forceRegenerate = force
	}
}

// WithReplacePolicy sets what happens to existing attachments on a forced
// regeneration.
func WithReplacePolicy(p ReplacePolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithArchive mirrors every generated file into sink after it was
// published. Archive failures are logged and never fail the acquisition.
func WithArchive(sink archive.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithNamePatterns makes attachments whose file name matches one of the
// patterns count as canonical.
func WithNamePatterns(patterns ...string) Option {
	return func(o *options) {
		o.namePatterns = append(o.namePatterns, patterns...)
	}
}

// WithServerID sets the server index used in links.
func WithServerID(id int) Option {
	return func(o *options) {
		o.serverID = id
	}
}
