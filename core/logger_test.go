package core

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLoggerOutput(t *testing.T, emit func(out *os.File)) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	emit(w)
	require.NoError(t, w.Close())

	scanner := bufio.NewScanner(r)
	scanner.Scan()
	line := scanner.Text()
	require.NoError(t, r.Close())
	return line
}

func TestStructuredLoggerEmitsJSONWithComponentAndFields(t *testing.T) {
	line := captureLoggerOutput(t, func(out *os.File) {
		l := &StructuredLogger{serviceName: "patchcore-test", format: "json", output: out}
		child := l.WithComponent("core/breaker").(*StructuredLogger)
		child.Info("attempt admitted", map[string]interface{}{"kind": "logic"})
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "patchcore-test", entry["service"])
	assert.Equal(t, "core/breaker", entry["component"])
	assert.Equal(t, "attempt admitted", entry["message"])
	assert.Equal(t, "logic", entry["kind"])
}

func TestStructuredLoggerDebugSuppressedUnlessEnabled(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)

	l := &StructuredLogger{serviceName: "svc", format: "json", debug: false, output: pw}
	l.Debug("should not appear", nil)
	require.NoError(t, pw.Close())

	scanner := bufio.NewScanner(pr)
	hasLine := scanner.Scan()
	assert.False(t, hasLine, "debug output must be suppressed when debug is false")
	require.NoError(t, pr.Close())
}

func TestWithComponentReturnsIndependentLogger(t *testing.T) {
	parent := &StructuredLogger{serviceName: "svc", format: "json", output: os.Stdout}
	child := parent.WithComponent("core/cascade")

	assert.NotSame(t, parent, child)
	cal, ok := child.(ComponentAwareLogger)
	require.True(t, ok)
	grandchild := cal.WithComponent("core/orchestrator")
	assert.NotSame(t, child, grandchild)
}

func TestNoOpLoggerNeverPanics(t *testing.T) {
	var l Logger = &NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Info("x", nil)
		l.Error("x", nil)
		l.Warn("x", nil)
		l.Debug("x", nil)
	})
	cal, ok := l.(ComponentAwareLogger)
	require.True(t, ok)
	assert.NotNil(t, cal.WithComponent("core/anything"))
}
