// Package core carries the ambient stack shared by every patchcore
// component: structured logging, the error taxonomy, and configuration.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger is the minimal logging surface every component depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a caller scope a logger to one component name.
//
// Component naming convention:
//   - "core/envelope"
//   - "core/breaker"
//   - "core/cascade"
//   - "core/backoff"
//   - "core/memory"
//   - "core/orchestrator"
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the safe zero value.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

func (n *NoOpLogger) WithComponent(component string) Logger { return n }

var _ ComponentAwareLogger = (*NoOpLogger)(nil)

// StructuredLogger is the production Logger. It writes newline-delimited
// JSON or a human-readable line, and forwards counters to the global
// metrics registry once one has been installed.
type StructuredLogger struct {
	serviceName    string
	component      string
	format         string // "json" or "text"
	debug          bool
	output         *os.File
	metricsEnabled bool
}

// NewStructuredLogger builds a logger for serviceName. format is "json" or
// "text"; debug gates Debug-level output.
func NewStructuredLogger(serviceName, format string, debug bool) *StructuredLogger {
	l := &StructuredLogger{
		serviceName: serviceName,
		format:      format,
		debug:       debug,
		output:      os.Stdout,
	}
	trackLogger(l)
	return l
}

// EnableMetrics turns on metric emission for every log call. Called by
// SetMetricsRegistry once a registry becomes available, mirroring the
// teacher's retroactive-enable pattern.
func (l *StructuredLogger) EnableMetrics() { l.metricsEnabled = true }

func (l *StructuredLogger) WithComponent(component string) Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logEvent(context.Background(), "info", msg, fields)
}
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.logEvent(context.Background(), "error", msg, fields)
}
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logEvent(context.Background(), "warn", msg, fields)
}
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.logEvent(context.Background(), "debug", msg, fields)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent(ctx, "info", msg, fields)
}
func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent(ctx, "error", msg, fields)
}
func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent(ctx, "warn", msg, fields)
}
func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.logEvent(ctx, "debug", msg, fields)
}

func (l *StructuredLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	if l.format == "text" {
		fmt.Fprintf(l.output, "[%s] %s component=%s msg=%q fields=%v\n",
			level, time.Now().Format(time.RFC3339), l.component, msg, fields)
	} else {
		entry := map[string]interface{}{
			"level":     level,
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   l.serviceName,
			"component": l.component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		enc, err := json.Marshal(entry)
		if err == nil {
			fmt.Fprintln(l.output, string(enc))
		}
	}

	if l.metricsEnabled {
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("log.events", "level", level, "component", l.component)
		}
	}
}

var (
	createdLoggers []*StructuredLogger
	loggersMutex   sync.RWMutex
)

func trackLogger(l *StructuredLogger) {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()
	createdLoggers = append(createdLoggers, l)
	if GetGlobalMetricsRegistry() != nil {
		l.EnableMetrics()
	}
}

func enableMetricsOnExistingLoggers() {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()
	for _, l := range createdLoggers {
		l.EnableMetrics()
	}
}
