// Package observability exposes pipeline metrics over OpenTelemetry and
// bootstraps the OTLP exporter. With no endpoint configured, instruments
// record against the global noop provider.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/degrade"
)

const instrumentationName = "github.com/Mindburn-Labs/osprey/pkg/pipeline"

// Metrics records per-stage latency, error counts and the current
// degradation level. It satisfies the pipeline's Recorder interface.
type Metrics struct {
	meter metric.Meter

	stageDuration metric.Float64Histogram
	requestTotal  metric.Int64Counter
	errorTotal    metric.Int64Counter

	levelGauge metric.Int64ObservableGauge
}

// LevelSource reports the current degradation level. *degrade.Controller
// satisfies it through Snapshot.
type LevelSource interface {
	Snapshot() degrade.Snapshot
}

// NewMetrics registers the pipeline instruments on the global meter
// provider. levels may be nil, in which case the degradation gauge is
// not registered.
func NewMetrics(levels LevelSource) (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{meter: meter}

	var err error

	m.stageDuration, err = meter.Float64Histogram("osprey.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	if err != nil {
		return nil, err
	}

	m.requestTotal, err = meter.Int64Counter("osprey.request.total",
		metric.WithDescription("Total requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	m.errorTotal, err = meter.Int64Counter("osprey.error.total",
		metric.WithDescription("Rejected requests by error code"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, err
	}

	if levels != nil {
		m.levelGauge, err = meter.Int64ObservableGauge("osprey.degradation.level",
			metric.WithDescription("Current degradation level, 0 through 3"),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				obs.Observe(int64(levels.Snapshot().Level))
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordStage records one stage timing. The "pipeline" stage also counts
// toward the request total.
func (m *Metrics) RecordStage(ctx context.Context, stage string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
	if stage == "pipeline" {
		m.requestTotal.Add(ctx, 1)
	}
}

// RecordError counts one rejection under its error code.
func (m *Metrics) RecordError(ctx context.Context, code contracts.ErrorCode) {
	m.errorTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
}
