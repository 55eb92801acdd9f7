package core

import "context"

// MetricsRegistry lets the memory package and StructuredLogger emit
// metrics without importing a concrete telemetry implementation, avoiding
// an import cycle back into those packages.
type MetricsRegistry interface {
	Counter(name string, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)
}

var globalMetricsRegistry MetricsRegistry

// SetMetricsRegistry installs the process-wide registry. Call once, at
// startup, after constructing the telemetry collector.
func SetMetricsRegistry(registry MetricsRegistry) {
	globalMetricsRegistry = registry
	enableMetricsOnExistingLoggers()
}

// GetGlobalMetricsRegistry returns the installed registry, or nil if none
// has been set yet.
func GetGlobalMetricsRegistry() MetricsRegistry {
	return globalMetricsRegistry
}
