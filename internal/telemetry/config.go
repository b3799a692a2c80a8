package telemetry

// LoggingConfig selects the log level, encoding and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// MetricsConfig controls Prometheus collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// DefaultLogging returns console logging at info level on stderr.
func DefaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "console", Output: "stderr"}
}
