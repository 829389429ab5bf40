package telemetry

import (
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// Config is the telemetry section of a device configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment is attached to spans as the "environment" attribute.
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`

	// ResourceAttributes are added to the trace resource.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty" json:"resource_attributes,omitempty"`
}

// LoggingConfig configures the node logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `yaml:"level" json:"level"`

	// Format is console or json.
	Format string `yaml:"format" json:"format"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" json:"output"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// With sampling on, SamplingInitial records pass each second and then
	// one in SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// TracingConfig configures action and operation spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp (gRPC), stdout or none.
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SamplingRate is the fraction of actions traced, between 0 and 1.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`

	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`

	// DefaultHistogramBuckets are the latency buckets, in seconds, of the
	// action and operation histograms.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets,omitempty" json:"histogram_buckets,omitempty"`
}

// EventsConfig configures the sync event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BufferSize bounds the queue of undelivered events in async mode.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// EnableAsync delivers events on a background goroutine instead of the
	// publisher's.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

// DefaultConfig logs to the console at info level, publishes events
// asynchronously and leaves tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyosync",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "froyosync",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("invalid log format: %q (must be console or json)", c.Logging.Format)
	case c.Tracing.Enabled && !slices.Contains(traceExporter, c.Tracing.Exporter):
		return fmt.Errorf("invalid trace exporter: %q", c.Tracing.Exporter)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
