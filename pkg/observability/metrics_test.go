package observability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/degrade"
)

func saveAndRestoreGlobalProvider(t *testing.T) {
	t.Helper()
	orig := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(orig) })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitDisabled(t *testing.T) {
	saveAndRestoreGlobalProvider(t)

	p, err := Init(context.Background(), "", "osprey-test", discardLogger())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownNil(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestMetricsRecordStage(t *testing.T) {
	saveAndRestoreGlobalProvider(t)
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	m, err := NewMetrics(nil)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordStage(ctx, "route", 20*time.Millisecond)
	m.RecordStage(ctx, "pipeline", 120*time.Millisecond)
	m.RecordError(ctx, contracts.ErrSafetyBlock)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		names[sm.Name] = true
	}
	assert.True(t, names["osprey.stage.duration"])
	assert.True(t, names["osprey.request.total"])
	assert.True(t, names["osprey.error.total"])
}

func TestDegradationGauge(t *testing.T) {
	saveAndRestoreGlobalProvider(t)
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	ctrl := degrade.New(degrade.DefaultConfig(), discardLogger())
	_, err := NewMetrics(ctrl)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := false
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		if sm.Name != "osprey.degradation.level" {
			continue
		}
		found = true
		gauge, ok := sm.Data.(metricdata.Gauge[int64])
		require.True(t, ok)
		require.Len(t, gauge.DataPoints, 1)
		assert.Equal(t, int64(0), gauge.DataPoints[0].Value)
	}
	assert.True(t, found, "degradation gauge not collected")
}
