//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package metric wires OpenTelemetry metrics and records the acquisition
// counters. Until Start or SetMeter is called every measurement is dropped.
package metric

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "trpc.group/trpc-go/trpc-omero-go/internal/telemetry"
)

// Instrument names.
const (
	NameAcquisitions     = "omero.acquisitions"
	NameTransferredBytes = "omero.transferred_bytes"
)

type instruments struct {
	acquisitions     metric.Int64Counter
	transferredBytes metric.Int64Counter
}

var current atomic.Pointer[instruments]

// SetMeter creates the pipeline instruments on m and records into them
// from then on.
func SetMeter(m metric.Meter) error {
	acquisitions, err := m.Int64Counter(NameAcquisitions,
		metric.WithDescription("Canonical-format acquisitions by outcome"))
	if err != nil {
		return fmt.Errorf("failed to create %s counter: %w", NameAcquisitions, err)
	}
	transferred, err := m.Int64Counter(NameTransferredBytes,
		metric.WithUnit("By"),
		metric.WithDescription("Bytes streamed by canonical-file transfers"))
	if err != nil {
		return fmt.Errorf("failed to create %s counter: %w", NameTransferredBytes, err)
	}
	current.Store(&instruments{acquisitions: acquisitions, transferredBytes: transferred})
	return nil
}

// Start installs an OTLP metric exporter and records into it.
//
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT and OTEL_EXPORTER_OTLP_ENDPOINT are
// honored when WithEndpoint is not given.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	o := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		protocol:         itelemetry.ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.endpoint == "" {
		o.endpoint = metricsEndpoint(o.protocol)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(o.serviceNamespace),
			semconv.ServiceName(o.serviceName),
			semconv.ServiceVersion(o.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch o.protocol {
	case itelemetry.ProtocolHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(o.endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		conn, connErr := itelemetry.NewGRPCConn(o.endpoint)
		if connErr != nil {
			return nil, fmt.Errorf("failed to initialize metrics connection: %w", connErr)
		}
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	if err := SetMeter(provider.Meter(itelemetry.InstrumentName)); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	return func() error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

// RecordAcquisition counts one finished acquisition with its outcome.
func RecordAcquisition(ctx context.Context, outcome string) {
	ins := current.Load()
	if ins == nil {
		return
	}
	ins.acquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String(itelemetry.KeyOutcome, outcome)))
}

// RecordTransferredBytes counts bytes moved between the server and the
// local canonical file.
func RecordTransferredBytes(ctx context.Context, direction string, n int64) {
	ins := current.Load()
	if ins == nil || n <= 0 {
		return
	}
	ins.transferredBytes.Add(ctx, n, metric.WithAttributes(attribute.String(itelemetry.KeyDirection, direction)))
}

// Option configures Start.
type Option func(*options)

type options struct {
	endpoint         string
	serviceName      string
	serviceVersion   string
	serviceNamespace string
	protocol         string
}

// WithEndpoint sets the collector host:port.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithProtocol selects "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(o *options) {
		o.protocol = protocol
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == itelemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}
