package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "runforge"

// Metrics holds all runforge metric instruments.
type Metrics struct {
	RunsDispatched metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	EventsEmitted  metric.Int64Counter
	ChainAdvances  metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsDispatched, err = meter.Int64Counter("runforge.runs.dispatched",
		metric.WithDescription("Number of runs dispatched, by backend"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("runforge.runs.completed",
		metric.WithDescription("Number of runs that reached completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("runforge.runs.failed",
		metric.WithDescription("Number of runs that reached failed"))
	if err != nil {
		return nil, err
	}

	m.EventsEmitted, err = meter.Int64Counter("runforge.events.emitted",
		metric.WithDescription("Number of run events processed, by type"))
	if err != nil {
		return nil, err
	}

	m.ChainAdvances, err = meter.Int64Counter("runforge.chain.advances",
		metric.WithDescription("Number of chain steps started"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("runforge.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
