//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package metric

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	itelemetry "trpc.group/trpc-go/trpc-omero-go/internal/telemetry"
)

func TestMetricsEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "custom-metric:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic:4318")
	assert.Equal(t, "custom-metric:4318", metricsEndpoint(itelemetry.ProtocolGRPC))

	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	assert.Equal(t, "generic:4318", metricsEndpoint(itelemetry.ProtocolGRPC))

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", metricsEndpoint(itelemetry.ProtocolGRPC))
	assert.Equal(t, "localhost:4318", metricsEndpoint(itelemetry.ProtocolHTTP))
}

func keepInstruments(t *testing.T) {
	t.Helper()
	orig := current.Load()
	t.Cleanup(func() { current.Store(orig) })
}

func TestStartAndClean(t *testing.T) {
	keepInstruments(t)
	for _, protocol := range []string{itelemetry.ProtocolGRPC, itelemetry.ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			clean, err := Start(context.Background(), WithProtocol(protocol), WithEndpoint("localhost:4318"))
			require.NoError(t, err)
			require.NotNil(t, clean)
			_ = clean() // no collector is running
		})
	}
}

func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	keepInstruments(t)
	require.NoError(t, SetMeter(provider.Meter("test")))
	return reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRecordAcquisition(t *testing.T) {
	reader := withManualReader(t)
	ctx := context.Background()
	RecordAcquisition(ctx, itelemetry.OutcomeReused)
	RecordAcquisition(ctx, itelemetry.OutcomeGenerated)
	assert.Equal(t, int64(2), sumOf(t, reader, NameAcquisitions))
}

func TestRecordTransferredBytes(t *testing.T) {
	reader := withManualReader(t)
	ctx := context.Background()
	RecordTransferredBytes(ctx, itelemetry.DirectionDownload, 100)
	RecordTransferredBytes(ctx, itelemetry.DirectionUpload, 0)
	RecordTransferredBytes(ctx, itelemetry.DirectionUpload, 28)
	assert.Equal(t, int64(128), sumOf(t, reader, NameTransferredBytes))
}

type countingMeter struct {
	metric.Meter
	counters atomic.Int32
	err      error
}

func (m *countingMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	m.counters.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.Meter.Int64Counter(name, opts...)
}

func TestInstrumentsCreatedOnce(t *testing.T) {
	keepInstruments(t)
	reader := sdkmetric.NewManualReader()
	m := &countingMeter{Meter: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")}
	require.NoError(t, SetMeter(m))
	assert.Equal(t, int32(2), m.counters.Load())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		RecordAcquisition(ctx, itelemetry.OutcomeReused)
		RecordTransferredBytes(ctx, itelemetry.DirectionDownload, 10)
	}
	assert.Equal(t, int32(2), m.counters.Load())
	assert.Equal(t, int64(5), sumOf(t, reader, NameAcquisitions))
	assert.Equal(t, int64(50), sumOf(t, reader, NameTransferredBytes))
}

func TestSetMeterKeepsPreviousOnError(t *testing.T) {
	reader := withManualReader(t)
	bad := &countingMeter{Meter: sdkmetric.NewMeterProvider().Meter("bad"), err: errors.New("no counters")}
	assert.Error(t, SetMeter(bad))

	RecordAcquisition(context.Background(), itelemetry.OutcomeGenerated)
	assert.Equal(t, int64(1), sumOf(t, reader, NameAcquisitions))
}

func TestRecordBeforeSetMeter(t *testing.T) {
	keepInstruments(t)
	current.Store(nil)
	assert.NotPanics(t, func() {
		RecordAcquisition(context.Background(), itelemetry.OutcomeReused)
		RecordTransferredBytes(context.Background(), itelemetry.DirectionUpload, 1)
	})
}
