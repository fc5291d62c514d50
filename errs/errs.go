//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package errs defines the closed set of failure kinds surfaced by the
// session manager and the canonical-format acquisition pipeline.
//
// Every error returned by this module's core packages is either nil or
// an *Error carrying one of the kinds below, so callers can branch on
// KindOf(err) or errors.Is(err, errs.ErrServiceUnavailable) instead of
// matching strings.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

// Kind classifies a failure.
type Kind int

// Failure kinds.
const (
	// KindUnknown is used for errors that did not originate in this module.
	KindUnknown Kind = iota
	// KindServiceUnavailable means the transport is unreachable or broken.
	// The caller may retry after reconnecting.
	KindServiceUnavailable
	// KindAuthenticationFailed means the credentials were rejected.
	KindAuthenticationFailed
	// KindSessionResumeFailed means a session token could not be validated.
	KindSessionResumeFailed
	// KindIllegalConnectionState means local and transport state disagree.
	// It is always a defect and never retried.
	KindIllegalConnectionState
	// KindGenerationFailed means canonical-format export failed.
	KindGenerationFailed
	// KindPublishFailed means uploading or linking the attachment failed.
	KindPublishFailed
	// KindNotFound means the image or annotation does not exist.
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindServiceUnavailable:     "service unavailable",
	KindAuthenticationFailed:   "authentication failed",
	KindSessionResumeFailed:    "session resume failed",
	KindIllegalConnectionState: "illegal connection state",
	KindGenerationFailed:       "generation failed",
	KindPublishFailed:          "publish failed",
	KindNotFound:               "not found",
}

// String returns the human readable kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a caller may retry the failed operation after
// reconnecting. Generation and publish failures are safe to retry from the
// caller because acquisition re-checks for an existing attachment first,
// but they are not retried automatically and so are not reported here.
func (k Kind) Retryable() bool {
	return k == KindServiceUnavailable
}

// Sentinels for errors.Is comparisons. They match any *Error of the same kind.
var (
	ErrServiceUnavailable     = &Error{Kind: KindServiceUnavailable}
	ErrAuthenticationFailed   = &Error{Kind: KindAuthenticationFailed}
	ErrSessionResumeFailed    = &Error{Kind: KindSessionResumeFailed}
	ErrIllegalConnectionState = &Error{Kind: KindIllegalConnectionState}
	ErrGenerationFailed       = &Error{Kind: KindGenerationFailed}
	ErrPublishFailed          = &Error{Kind: KindPublishFailed}
	ErrNotFound               = &Error{Kind: KindNotFound}
)

// Error is a classified failure with the ids operators need to correlate it
// with server-side logs.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the operation that failed, e.g. "generate" or "session.connect".
	Op string
	// ImageID is the image involved, zero when not applicable.
	ImageID int64
	// AnnotationID is the annotation involved, zero when not applicable.
	AnnotationID int64
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.ImageID != 0 {
		fmt.Fprintf(&b, " (image %d)", e.ImageID)
	}
	if e.AnnotationID != 0 {
		fmt.Fprintf(&b, " (annotation %d)", e.AnnotationID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithImage returns a copy of e carrying the image id.
func (e *Error) WithImage(imageID int64) *Error {
	c := *e
	c.ImageID = imageID
	return &c
}

// WithAnnotation returns a copy of e carrying the annotation id.
func (e *Error) WithAnnotation(annotationID int64) *Error {
	c := *e
	c.AnnotationID = annotationID
	return &c
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromGateway classifies a transport error. Out-of-service becomes
// ServiceUnavailable, missing objects become NotFound and everything else
// keeps the supplied fallback kind. A nil err yields nil.
func FromGateway(op string, fallback Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, gateway.ErrOutOfService):
		return New(KindServiceUnavailable, op, err)
	case errors.Is(err, gateway.ErrNotFound):
		return New(KindNotFound, op, err)
	default:
		return New(fallback, op, err)
	}
}
