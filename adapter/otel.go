package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/printq/spool"
)

const instrumentationName = "github.com/srediag/printq"

// Telemetry holds the tracer and meter handed to the queue. They come from
// the global OpenTelemetry providers, which are noop until an SDK installs
// real ones.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

func NewTelemetry() Telemetry {
	return Telemetry{
		Tracer: otel.GetTracerProvider().Tracer(instrumentationName),
		Meter:  otel.GetMeterProvider().Meter(instrumentationName),
	}
}

// QueueOptions returns the queue options that install t.
func (t Telemetry) QueueOptions() []spool.Option {
	return []spool.Option{spool.WithTracer(t.Tracer), spool.WithMeter(t.Meter)}
}
