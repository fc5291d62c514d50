//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the names and span helpers shared by the
// acquisition pipeline and the public telemetry packages.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"trpc.group/trpc-go/trpc-omero-go/errs"
)

// telemetry service constants.
const (
	ServiceName      = "omero-client"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-omero-go"
	InstrumentName   = "trpc.omero.go"

	SpanNameAcquire  = "acquire_canonical_link"
	SpanNameLocate   = "locate_attachment"
	SpanNameGenerate = "generate_canonical_file"
	SpanNamePublish  = "publish_attachment"
	SpanNameArchive  = "archive_canonical_file"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attribute keys.
const (
	KeyImageID      = "omero.image_id"
	KeyAnnotationID = "omero.annotation_id"
	KeyFormat       = "omero.format"
	KeyBytes        = "omero.bytes"
	KeyOutcome      = "omero.outcome"
	KeyErrorKind    = "omero.error_kind"
	KeyDirection    = "omero.direction"
)

// Acquisition outcomes, used as span and metric attribute values.
const (
	OutcomeDirect    = "direct"
	OutcomeReused    = "reused"
	OutcomeGenerated = "generated"
	OutcomeFailed    = "failed"
)

// Transfer directions.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// TraceImage tags a span with the image it works on.
func TraceImage(span trace.Span, imageID int64) {
	span.SetAttributes(attribute.Int64(KeyImageID, imageID))
}

// TraceError records err on span with its failure kind. A nil err is a no-op.
func TraceError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(KeyErrorKind, errs.KindOf(err).String()))
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Insecure transport; the collector is expected on a trusted network.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
