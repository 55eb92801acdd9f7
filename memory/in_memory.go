package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shaunpalmer/patchcore/core"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, t := range tokenPattern.FindAllString(strings.ToLower(s), -1) {
		tokens[t] = struct{}{}
	}
	return tokens
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for t := range a {
		if _, ok := b[t]; ok {
			return true
		}
	}
	return false
}

// inMemoryEntry is one buffered outcome.
type inMemoryEntry struct {
	Envelope  string    `json:"envelope"`
	Timestamp time.Time `json:"timestamp"`
}

// persistedState mirrors the documented on-disk MemoryStore file shape.
// Runtime counters (evictions, failures) are never persisted.
type persistedState struct {
	Buffer  []persistedEntry `json:"buffer"`
	MaxSize int              `json:"maxSize"`
	TTLMs   *int64           `json:"ttlMs"`
	SavedAt string           `json:"saved_at"`
}

type persistedEntry struct {
	Envelope  string `json:"envelope"`
	Timestamp string `json:"timestamp"`
}

// InMemoryStore is the default, in-process Store implementation: a
// mutex-guarded bounded ring buffer with lazy TTL pruning, grounded on
// core/memory_store.go's whole-store sync.RWMutex discipline.
type InMemoryStore struct {
	mu     sync.RWMutex
	cfg    Config
	buffer []inMemoryEntry

	evictions int
	failures  int
	lastError string

	logger core.Logger
}

// NewInMemoryStore builds an InMemoryStore. A zero MaxSize falls back to
// DefaultConfig's 1000.
func NewInMemoryStore(cfg Config) *InMemoryStore {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	return &InMemoryStore{cfg: cfg, logger: &core.NoOpLogger{}}
}

// SetLogger installs a logger, wrapping it with the memory component name
// when it supports component-aware naming.
func (s *InMemoryStore) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("core/memory")
		return
	}
	s.logger = logger
}

func (s *InMemoryStore) pruneExpiredLocked() {
	if s.cfg.TTL <= 0 || len(s.buffer) == 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.TTL)
	kept := s.buffer[:0]
	evicted := 0
	for _, e := range s.buffer {
		if e.Timestamp.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	s.buffer = kept
	s.evictions += evicted
}

func (s *InMemoryStore) evictOldestIfOverLocked() {
	for len(s.buffer) > s.cfg.MaxSize {
		s.buffer = s.buffer[1:]
		s.evictions++
	}
}

// AddOutcome appends json, evicting TTL-expired and over-capacity entries.
// It raises only if ctx is already done.
func (s *InMemoryStore) AddOutcome(ctx context.Context, json string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneExpiredLocked()
	s.buffer = append(s.buffer, inMemoryEntry{Envelope: json, Timestamp: time.Now()})
	s.evictOldestIfOverLocked()

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Gauge("memory.size", float64(len(s.buffer)), "memory_type", "in_memory")
	}
	return nil
}

// SafeAddOutcome never raises: a failure increments the failure counter
// and invokes OnError if configured.
func (s *InMemoryStore) SafeAddOutcome(ctx context.Context, json string) {
	if err := s.AddOutcome(ctx, json); err != nil {
		s.mu.Lock()
		s.failures++
		s.lastError = err.Error()
		s.mu.Unlock()
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
		if registry := core.GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("memory.operations", "operation", "safe_add_outcome", "memory_type", "in_memory", "result", "failure")
		}
	}
}

// GetSimilar tokenizes patchData and every stored entry into lowercase
// alphanumeric words, then returns up to the five most recent entries
// whose token set intersects patchData's by at least one word. Entries
// that aren't valid JSON are skipped as malformed.
func (s *InMemoryStore) GetSimilar(ctx context.Context, patchData string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pruneExpiredLocked()
	snapshot := make([]inMemoryEntry, len(s.buffer))
	copy(snapshot, s.buffer)
	s.mu.Unlock()

	current := tokenize(patchData)

	var matches []string
	for i := len(snapshot) - 1; i >= 0 && len(matches) < 5; i-- {
		entry := snapshot[i]
		if !json.Valid([]byte(entry.Envelope)) {
			continue
		}
		if intersects(current, tokenize(entry.Envelope)) {
			matches = append(matches, entry.Envelope)
		}
	}
	return matches, nil
}

// Save persists the buffer to path, creating parent directories as
// needed.
func (s *InMemoryStore) Save(ctx context.Context, path string) error {
	s.mu.RLock()
	entries := make([]persistedEntry, len(s.buffer))
	for i, e := range s.buffer {
		entries[i] = persistedEntry{Envelope: e.Envelope, Timestamp: e.Timestamp.UTC().Format(time.RFC3339)}
	}
	state := persistedState{
		Buffer:  entries,
		MaxSize: s.cfg.MaxSize,
		SavedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if s.cfg.TTL > 0 {
		ms := s.cfg.TTL.Milliseconds()
		state.TTLMs = &ms
	}
	s.mu.RUnlock()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.recordPersistError(err)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.recordPersistError(err)
		return nil
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.recordPersistError(err)
	}
	return nil
}

// Load restores the buffer from path. A missing file is silent; any other
// error goes through OnError. Eviction/failure counters are never loaded
// back.
func (s *InMemoryStore) Load(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.recordPersistError(err)
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.recordPersistError(err)
		return nil
	}

	buffer := make([]inMemoryEntry, 0, len(state.Buffer))
	for _, e := range state.Buffer {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			continue
		}
		buffer = append(buffer, inMemoryEntry{Envelope: e.Envelope, Timestamp: ts})
	}

	s.mu.Lock()
	s.buffer = buffer
	if state.MaxSize > 0 {
		s.cfg.MaxSize = state.MaxSize
	}
	if state.TTLMs != nil {
		s.cfg.TTL = time.Duration(*state.TTLMs) * time.Millisecond
	}
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) recordPersistError(err error) {
	s.mu.Lock()
	s.failures++
	s.lastError = err.Error()
	s.mu.Unlock()
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
	s.logger.Warn("memory store persistence error", map[string]interface{}{"error": err.Error()})
}

// Metrics returns the current size/eviction/failure snapshot.
func (s *InMemoryStore) Metrics(ctx context.Context) Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Metrics{
		Size:      len(s.buffer),
		MaxSize:   s.cfg.MaxSize,
		Evictions: s.evictions,
		Failures:  s.failures,
		LastError: s.lastError,
	}
}
