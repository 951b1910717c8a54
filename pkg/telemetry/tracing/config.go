// Package tracing wires Pulsar into OpenTelemetry: a process-wide
// tracer provider selectable between Jaeger, Zipkin, stdout, and a
// noop exporter, plus helpers that wrap mailbox dispatch and command
// execution in spans. It is grounded on the teacher's
// pkg/observability/otel package, generalized from HTTP-request/event-
// bus tracing onto Pulsar's command dispatch and mailbox calls.
package tracing

import "fmt"

// Config configures the tracing subsystem.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Exporter selects the span exporter: "jaeger", "zipkin", "stdout",
	// or "none".
	Exporter string
	Endpoint string
	// SampleRate is the fraction of traces sampled, 0.0 to 1.0.
	SampleRate float64
}

// DefaultConfig returns a Config with tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "pulsar",
		ServiceVersion: "dev",
		Exporter:       "none",
		SampleRate:     1.0,
	}
}

// Validate checks that c describes a usable configuration.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("tracing: service name cannot be empty")
	}
	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("tracing: sample rate must be between 0.0 and 1.0")
	}
	switch c.Exporter {
	case "jaeger", "zipkin", "stdout", "none":
	default:
		return fmt.Errorf("tracing: unsupported exporter %q", c.Exporter)
	}
	return nil
}
