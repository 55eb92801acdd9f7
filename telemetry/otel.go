// Package telemetry wires the core's domain metrics into OpenTelemetry,
// grounded on resilience/metrics_otel.go's OTelMetricsCollector pattern:
// cached instruments behind a small named-metric API, attributes carried
// as label pairs rather than a bespoke struct per metric.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements core.MetricsRegistry and
// breaker.MetricsCollector on top of an OpenTelemetry meter. It creates
// and caches one instrument per metric name the first time it's used, the
// way resilience/metrics_otel.go pre-declares named instruments, except
// lazily since this core's metric names aren't known ahead of time.
type OTelMetricsCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Histogram
	histograms map[string]metric.Float64Histogram
}

// NewOTelMetricsCollector builds a collector against the named meter.
// meterName is typically the service/module name, matching
// telemetry.NewMetricInstruments's single constructor argument.
func NewOTelMetricsCollector(meterName string) *OTelMetricsCollector {
	return &OTelMetricsCollector{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Histogram),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func labelsToAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func (o *OTelMetricsCollector) counter(name string) metric.Int64Counter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c
	}
	c, _ := o.meter.Int64Counter(name)
	o.counters[name] = c
	return c
}

func (o *OTelMetricsCollector) gauge(name string) metric.Float64Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.gauges[name]; ok {
		return g
	}
	// No synchronous Float64Gauge instrument exists in this SDK version;
	// a histogram records the same last-value-over-time signal for our
	// purposes (single observation per Gauge call).
	g, _ := o.meter.Float64Histogram(name)
	o.gauges[name] = g
	return g
}

func (o *OTelMetricsCollector) histogram(name string) metric.Float64Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h
	}
	h, _ := o.meter.Float64Histogram(name)
	o.histograms[name] = h
	return h
}

// Counter implements core.MetricsRegistry.
func (o *OTelMetricsCollector) Counter(name string, labels ...string) {
	o.counter(name).Add(context.Background(), 1, metric.WithAttributes(labelsToAttributes(labels)...))
}

// Gauge implements core.MetricsRegistry.
func (o *OTelMetricsCollector) Gauge(name string, value float64, labels ...string) {
	o.gauge(name).Record(context.Background(), value, metric.WithAttributes(labelsToAttributes(labels)...))
}

// Histogram implements core.MetricsRegistry.
func (o *OTelMetricsCollector) Histogram(name string, value float64, labels ...string) {
	o.histogram(name).Record(context.Background(), value, metric.WithAttributes(labelsToAttributes(labels)...))
}

// EmitWithContext implements core.MetricsRegistry, recording value as a
// histogram observation with ctx threaded through for span correlation.
func (o *OTelMetricsCollector) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	o.histogram(name).Record(ctx, value, metric.WithAttributes(labelsToAttributes(labels)...))
}

// RecordAdmission implements breaker.MetricsCollector.
func (o *OTelMetricsCollector) RecordAdmission(kind string, admitted bool) {
	result := "admitted"
	if !admitted {
		result = "refused"
	}
	o.Counter("breaker.admission", "kind", kind, "result", result)
}

// RecordStateChange implements breaker.MetricsCollector.
func (o *OTelMetricsCollector) RecordStateChange(from, to string) {
	o.Counter("breaker.state_change", "from", from, "to", to)
}
