package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shaunpalmer/patchcore/core"
)

// RedisStoreOptions configures a RedisStore. It is grounded on
// core.RedisClientOptions's URL/Namespace/Logger shape, adding MaxSize/TTL
// for the sorted-set cap.
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string
	Logger    core.Logger
	Config    Config
}

// RedisStore is a Store backed by a Redis sorted set, namespaced
// "patchcore:<namespace>:outcomes" the way core.RedisClient namespaces
// keys. The score is insertion order (a monotonic counter), capped to
// MaxSize via ZREMRANGEBYRANK. get_similar scans the most recent members
// client-side: Redis has no native token-overlap query, so the
// similarity computation stays identical to InMemoryStore's.
type RedisStore struct {
	client    *redis.Client
	key       string
	namespace string
	cfg       Config
	logger    core.Logger

	seq int64
}

// NewRedisStore dials Redis per opts and returns a ready RedisStore.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("memory: redis URL is required: %w", core.ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("memory: invalid redis URL: %w", core.ErrInvalidConfiguration)
	}
	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("memory: failed to connect to redis: %w", core.ErrConnectionFailed)
	}

	cfg := opts.Config
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/memory")
	}

	return &RedisStore{
		client:    client,
		key:       fmt.Sprintf("patchcore:%s:outcomes", opts.Namespace),
		namespace: opts.Namespace,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisMember struct {
	Envelope  string `json:"envelope"`
	Timestamp int64  `json:"timestamp"`
	Seq       int64  `json:"seq"`
}

// AddOutcome appends json as a new sorted-set member scored by insertion
// order, then trims the set down to MaxSize from the low-score end.
func (s *RedisStore) AddOutcome(ctx context.Context, payload string) error {
	s.seq++
	member := redisMember{Envelope: payload, Timestamp: time.Now().UnixMilli(), Seq: s.seq}
	raw, err := json.Marshal(member)
	if err != nil {
		return err
	}

	if err := s.client.ZAdd(ctx, s.key, &redis.Z{Score: float64(s.seq), Member: string(raw)}).Err(); err != nil {
		return err
	}

	if s.cfg.TTL > 0 {
		cutoff := time.Now().Add(-s.cfg.TTL).UnixMilli()
		if err := s.removeOlderThan(ctx, cutoff); err != nil {
			s.logger.Warn("memory redis ttl prune failed", map[string]interface{}{"error": err.Error()})
		}
	}

	card, err := s.client.ZCard(ctx, s.key).Result()
	if err == nil && card > int64(s.cfg.MaxSize) {
		excess := card - int64(s.cfg.MaxSize)
		if err := s.client.ZRemRangeByRank(ctx, s.key, 0, excess-1).Err(); err != nil {
			s.logger.Warn("memory redis cap eviction failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("memory.operations", "operation", "add_outcome", "memory_type", "redis")
	}
	return nil
}

func (s *RedisStore) removeOlderThan(ctx context.Context, cutoffMs int64) error {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return err
	}
	var stale []string
	for _, raw := range members {
		var m redisMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.Timestamp < cutoffMs {
			stale = append(stale, raw)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.client.ZRem(ctx, s.key, toInterfaceSlice(stale)...).Err()
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// SafeAddOutcome never raises: a failure increments the failure counter
// (tracked in a local Redis string key) and invokes OnError if configured.
func (s *RedisStore) SafeAddOutcome(ctx context.Context, payload string) {
	if err := s.AddOutcome(ctx, payload); err != nil {
		s.client.Incr(ctx, s.key+":failures")
		s.client.Set(ctx, s.key+":last_error", err.Error(), 0)
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
	}
}

// GetSimilar mirrors InMemoryStore's tokenization and recency scan.
func (s *RedisStore) GetSimilar(ctx context.Context, patchData string) ([]string, error) {
	members, err := s.client.ZRevRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}

	current := tokenize(patchData)
	var matches []string
	for _, raw := range members {
		if len(matches) >= 5 {
			break
		}
		var m redisMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if !json.Valid([]byte(m.Envelope)) {
			continue
		}
		if intersects(current, tokenize(m.Envelope)) {
			matches = append(matches, m.Envelope)
		}
	}
	return matches, nil
}

// Save persists a snapshot of the sorted set to path, in the same
// documented shape InMemoryStore uses.
func (s *RedisStore) Save(ctx context.Context, path string) error {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		s.recordPersistError(err)
		return nil
	}

	entries := make([]persistedEntry, 0, len(members))
	for _, raw := range members {
		var m redisMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		entries = append(entries, persistedEntry{
			Envelope:  m.Envelope,
			Timestamp: time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339),
		})
	}

	state := persistedState{Buffer: entries, MaxSize: s.cfg.MaxSize, SavedAt: time.Now().UTC().Format(time.RFC3339)}
	if s.cfg.TTL > 0 {
		ms := s.cfg.TTL.Milliseconds()
		state.TTLMs = &ms
	}

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

// Load restores the sorted set from path. A missing file is silent; any
// other error goes through OnError.
func (s *RedisStore) Load(ctx context.Context, path string) error {
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

	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		s.recordPersistError(err)
		return nil
	}

	for _, e := range state.Buffer {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			continue
		}
		s.seq++
		member := redisMember{Envelope: e.Envelope, Timestamp: ts.UnixMilli(), Seq: s.seq}
		raw, err := json.Marshal(member)
		if err != nil {
			continue
		}
		s.client.ZAdd(ctx, s.key, &redis.Z{Score: float64(s.seq), Member: string(raw)})
	}

	if state.MaxSize > 0 {
		s.cfg.MaxSize = state.MaxSize
	}
	if state.TTLMs != nil {
		s.cfg.TTL = time.Duration(*state.TTLMs) * time.Millisecond
	}
	return nil
}

func (s *RedisStore) recordPersistError(err error) {
	s.logger.Warn("memory redis store persistence error", map[string]interface{}{"error": err.Error()})
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// Metrics returns the current size/eviction/failure snapshot.
func (s *RedisStore) Metrics(ctx context.Context) Metrics {
	card, _ := s.client.ZCard(ctx, s.key).Result()
	failures, _ := s.client.Get(ctx, s.key+":failures").Int()
	lastError, _ := s.client.Get(ctx, s.key+":last_error").Result()
	return Metrics{
		Size:      int(card),
		MaxSize:   s.cfg.MaxSize,
		Failures:  failures,
		LastError: lastError,
	}
}
