// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the orchestrator daemon: Config/TracerConfig shapes and
// NewMetrics/InitGlobalTracer entry points scoped to the orchestrator's
// dispatch, agent-phase, and HTTP concerns.
package observability

// Config bundles the tracing and metrics sub-configs.
type Config struct {
	Tracing TracerConfig
	Metrics MetricsConfig
}

// TracerConfig carries the fields the orchestrator actually exposes:
// there is no LLM payload to capture here, so no payload-capture knobs.
type TracerConfig struct {
	Enabled      bool
	ExporterType string // "otlp" or "stdout"
	Endpoint     string
	SamplingRate float64
	ServiceName  string
	Insecure     bool
}

// SetDefaults applies the tracer's default values.
func (c *TracerConfig) SetDefaults() {
	if c.ExporterType == "" {
		c.ExporterType = "stdout"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "veorc-orchestrator"
	}
}

// MetricsConfig configures the Prometheus registration namespace.
type MetricsConfig struct {
	Enabled     bool
	Namespace   string
	Subsystem   string
	ConstLabels map[string]string
}

// SetDefaults applies the metrics registration's default values.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "veorc"
	}
	if c.Subsystem == "" {
		c.Subsystem = "orchestrator"
	}
}
