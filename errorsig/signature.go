// Package errorsig turns a raw error into a stable fingerprint so
// identical failures can be deduplicated and tracked across attempts.
package errorsig

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// cleaningPatterns strips location noise from an error message, applied in
// order, case-sensitively.
var cleaningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\s+at\s+.*:\d+:\d+`),
	regexp.MustCompile(`\s+\(.*:\d+:\d+\)`),
	regexp.MustCompile(`\s+in\s+/.*$`),
	regexp.MustCompile(`\s+on\s+line\s+\d+`),
}

// RawError is the minimal shape a caller must supply: an exception/error
// class name and a message, possibly multi-line and possibly carrying
// location noise.
type RawError struct {
	Type    string
	Message string
}

// Signature is a deterministic fingerprint of a failure.
type Signature struct {
	Type          string `json:"type"`
	CleanedMessage string `json:"cleaned_message"`
	Hash          string `json:"hash"`
}

// Normalize returns "<Type>:<cleaned_message>" for err, where Type is the
// short class name (basename after the last namespace/module separator) or
// "UnknownError", and cleaned_message is the first non-empty line of the
// message with location noise removed.
func Normalize(err RawError) string {
	typeName := shortTypeName(err.Type)
	cleaned := cleanMessage(err.Message)
	return typeName + ":" + cleaned
}

func shortTypeName(t string) string {
	if t == "" {
		return "UnknownError"
	}
	t = strings.TrimSpace(t)
	// Split on the common namespace/module separators: '.', '::', '/'.
	t = strings.ReplaceAll(t, "::", ".")
	t = strings.ReplaceAll(t, "/", ".")
	parts := strings.Split(t, ".")
	last := parts[len(parts)-1]
	if last == "" {
		return "UnknownError"
	}
	return last
}

func cleanMessage(message string) string {
	firstLine := ""
	for _, line := range strings.Split(message, "\n") {
		if strings.TrimSpace(line) != "" {
			firstLine = line
			break
		}
	}
	for _, pattern := range cleaningPatterns {
		firstLine = pattern.ReplaceAllString(firstLine, "")
	}
	return strings.TrimSpace(firstLine)
}

// Create builds the full Signature, including the fingerprint hash.
func Create(err RawError) Signature {
	typeName := shortTypeName(err.Type)
	cleaned := cleanMessage(err.Message)
	normalized := typeName + ":" + cleaned
	sum := xxhash.Sum64String(normalized)
	return Signature{
		Type:           typeName,
		CleanedMessage: cleaned,
		Hash:           fmt.Sprintf("%08x", uint32(sum)),
	}
}

// AreSame reports whether a and b normalize to the same signature string.
func AreSame(a, b RawError) bool {
	return Normalize(a) == Normalize(b)
}

// Tracker maintains a set of seen signatures and an ordered history, so
// callers can deduplicate failures and compute per-signature counts.
type Tracker struct {
	mu      sync.Mutex
	history []Signature
	counts  map[string]int
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Record adds err's signature to the tracker and returns it.
func (t *Tracker) Record(err RawError) Signature {
	sig := Create(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, sig)
	t.counts[sig.Hash]++
	return sig
}

// Seen reports whether a signature with this hash has been recorded before.
func (t *Tracker) Seen(sig Signature) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[sig.Hash] > 0
}

// History returns a copy of every signature recorded, in insertion order.
func (t *Tracker) History() []Signature {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Signature, len(t.history))
	copy(out, t.history)
	return out
}

// GetErrorCounts returns the per-signature occurrence counts keyed by hash.
func (t *Tracker) GetErrorCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
