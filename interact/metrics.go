package interact

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records orchestration activity.
type Metrics struct {
	runDuration       metric.Float64Histogram
	kernelStarts      metric.Int64Counter
	heartbeatFailures metric.Int64Counter
	kernelRestarts    metric.Int64Counter
}

// NewMetrics creates the orchestration instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runDuration, err := meter.Float64Histogram(
		"nbinteract_run_duration_seconds",
		metric.WithDescription("Duration of orchestration passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	kernelStarts, err := meter.Int64Counter(
		"nbinteract_kernel_starts_total",
		metric.WithDescription("Total number of kernels started"),
	)
	if err != nil {
		return nil, err
	}
	heartbeatFailures, err := meter.Int64Counter(
		"nbinteract_heartbeat_failures_total",
		metric.WithDescription("Total number of failed kernel heartbeats"),
	)
	if err != nil {
		return nil, err
	}
	kernelRestarts, err := meter.Int64Counter(
		"nbinteract_kernel_restarts_total",
		metric.WithDescription("Total number of kernels swapped in after a failed heartbeat"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		runDuration:       runDuration,
		kernelStarts:      kernelStarts,
		heartbeatFailures: heartbeatFailures,
		kernelRestarts:    kernelRestarts,
	}, nil
}

// RecordRun records a finished orchestration pass.
func (m *Metrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordKernelStart counts a started kernel.
func (m *Metrics) RecordKernelStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.kernelStarts.Add(ctx, 1)
}

// RecordHeartbeatFailure counts a failed probe.
func (m *Metrics) RecordHeartbeatFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartbeatFailures.Add(ctx, 1)
}

// RecordRestart counts a kernel swapped into the manager.
func (m *Metrics) RecordRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.kernelRestarts.Add(ctx, 1)
}
