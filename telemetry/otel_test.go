package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterDoesNotPanicAgainstNoopMeter(t *testing.T) {
	c := NewOTelMetricsCollector("patchcore-test")
	assert.NotPanics(t, func() {
		c.Counter("breaker.admission", "kind", "syntax", "result", "admitted")
		c.Counter("breaker.admission", "kind", "syntax", "result", "admitted")
	})
	assert.Len(t, c.counters, 1, "the second call should reuse the cached instrument")
}

func TestGaugeAndHistogramDoNotPanic(t *testing.T) {
	c := NewOTelMetricsCollector("patchcore-test")
	assert.NotPanics(t, func() {
		c.Gauge("memory.size_bytes", 128, "memory_type", "in_memory")
		c.Histogram("confidence.score", 0.82)
	})
}

func TestEmitWithContextReusesHistogramInstrument(t *testing.T) {
	c := NewOTelMetricsCollector("patchcore-test")
	c.EmitWithContext(context.Background(), "latency_ms", 42, "op", "admit")
	c.EmitWithContext(context.Background(), "latency_ms", 7, "op", "admit")
	assert.Len(t, c.histograms, 1)
}

func TestRecordAdmissionEmitsResultLabel(t *testing.T) {
	c := NewOTelMetricsCollector("patchcore-test")
	assert.NotPanics(t, func() {
		c.RecordAdmission("logic", true)
		c.RecordAdmission("logic", false)
	})
}

func TestRecordStateChangeDoesNotPanic(t *testing.T) {
	c := NewOTelMetricsCollector("patchcore-test")
	assert.NotPanics(t, func() { c.RecordStateChange("CLOSED", "SYNTAX_OPEN") })
}

func TestLabelsToAttributesDropsTrailingUnpairedLabel(t *testing.T) {
	attrs := labelsToAttributes([]string{"kind", "syntax", "orphan"})
	assert.Len(t, attrs, 1)
}
