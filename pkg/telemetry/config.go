package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string `yaml:"service_name" toml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" toml:"service_version"`

	// Environment names the deployment environment.
	Environment string `yaml:"environment" toml:"environment"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Events  EventsConfig  `yaml:"events" toml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" toml:"level"`

	// Format is console or json.
	Format string `yaml:"format" toml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" toml:"output"`

	EnableCaller       bool `yaml:"enable_caller" toml:"enable_caller"`
	EnableSampling     bool `yaml:"enable_sampling" toml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" toml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" toml:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" toml:"time_format"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" toml:"exporter"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate"`

	MaxExportBatchSize int               `yaml:"max_export_batch_size" toml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" toml:"export_timeout"`
	Headers            map[string]string `yaml:"headers" toml:"headers"`
	Insecure           bool              `yaml:"insecure" toml:"insecure"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" toml:"listen_address"`

	// Path is the HTTP path for metrics.
	Path string `yaml:"path" toml:"path"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" toml:"namespace"`

	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets" toml:"histogram_buckets"`
}

// EventsConfig configures event publishing.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// BufferSize bounds the async delivery queue.
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool `yaml:"enable_async" toml:"enable_async"`
}

// DefaultConfig returns the configuration used by the command line tool:
// console logging to stderr with tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "provision",
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
			Namespace:     "provision",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: false,
		},
	}
}

// DevelopmentConfig returns DefaultConfig with debug logging and stdout
// trace export.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
