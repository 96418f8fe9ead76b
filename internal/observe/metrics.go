// Package observe holds the OpenTelemetry instruments for the attention
// pipeline. Metrics are scraped through the Prometheus exporter set up by
// InitProvider; tests build their own Metrics with NewMetrics and a manual
// reader to avoid sharing the global provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/teslashibe/go-attention"

// Metrics holds every instrument. The OTel types are safe for concurrent use.
type Metrics struct {
	// FrameDuration tracks per-frame processing latency.
	FrameDuration metric.Float64Histogram

	// Frames counts processed frames. Attribute: outcome (classified,
	// calibrating, recovered).
	Frames metric.Int64Counter

	// StateCommits counts committed state changes. Attribute: state.
	StateCommits metric.Int64Counter

	// DistractionTriggers counts rate-limited session triggers. Attribute: type.
	DistractionTriggers metric.Int64Counter

	// WorkerResults counts how each frame's pose was resolved. Attribute:
	// source (worker, fast).
	WorkerResults metric.Int64Counter

	// CalibrationRuns counts finished runs. Attribute: outcome.
	CalibrationRuns metric.Int64Counter

	// ActiveSources tracks connected landmark sources.
	ActiveSources metric.Int64UpDownCounter

	// DebugClients tracks connected debug stream clients.
	DebugClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks API latency. Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// Frame budgets sit well under 33ms at 30 fps.
var frameBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrameDuration, err = m.Float64Histogram("attention.frame.duration",
		metric.WithDescription("Latency of processing one landmark frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("attention.frames",
		metric.WithDescription("Landmark frames processed by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StateCommits, err = m.Int64Counter("attention.state.commits",
		metric.WithDescription("Committed attention state changes by new state."),
	); err != nil {
		return nil, err
	}
	if met.DistractionTriggers, err = m.Int64Counter("attention.distraction.triggers",
		metric.WithDescription("Distraction triggers by type."),
	); err != nil {
		return nil, err
	}
	if met.WorkerResults, err = m.Int64Counter("attention.pose.source",
		metric.WithDescription("Frames by the pose source used."),
	); err != nil {
		return nil, err
	}
	if met.CalibrationRuns, err = m.Int64Counter("attention.calibration.runs",
		metric.WithDescription("Finished calibration runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSources, err = m.Int64UpDownCounter("attention.sources.active",
		metric.WithDescription("Connected landmark sources."),
	); err != nil {
		return nil, err
	}
	if met.DebugClients, err = m.Int64UpDownCounter("attention.debug.clients",
		metric.WithDescription("Connected debug stream clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("attention.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrame records one processed frame.
func (m *Metrics) RecordFrame(ctx context.Context, d time.Duration, outcome string) {
	m.FrameDuration.Record(ctx, d.Seconds())
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCommit records a committed state change.
func (m *Metrics) RecordCommit(ctx context.Context, state string) {
	m.StateCommits.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTrigger records a distraction trigger.
func (m *Metrics) RecordTrigger(ctx context.Context, typ string) {
	m.DistractionTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordPoseSource records which estimator supplied a frame's pose.
func (m *Metrics) RecordPoseSource(ctx context.Context, source string) {
	m.WorkerResults.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordCalibration records a finished calibration run.
func (m *Metrics) RecordCalibration(ctx context.Context, outcome string) {
	m.CalibrationRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
