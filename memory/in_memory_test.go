package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOutcomeEvictsOldestWhenOverCapacity(t *testing.T) {
	s := NewInMemoryStore(Config{MaxSize: 2})
	ctx := context.Background()

	require.NoError(t, s.AddOutcome(ctx, `{"id":1}`))
	require.NoError(t, s.AddOutcome(ctx, `{"id":2}`))
	require.NoError(t, s.AddOutcome(ctx, `{"id":3}`))

	metrics := s.Metrics(ctx)
	assert.Equal(t, 2, metrics.Size)
	assert.Equal(t, 1, metrics.Evictions)
}

func TestAddOutcomePrunesExpiredEntries(t *testing.T) {
	s := NewInMemoryStore(Config{MaxSize: 10, TTL: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, s.AddOutcome(ctx, `{"id":1}`))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.AddOutcome(ctx, `{"id":2}`))

	metrics := s.Metrics(ctx)
	assert.Equal(t, 1, metrics.Size)
	assert.Equal(t, 1, metrics.Evictions)
}

func TestSafeAddOutcomeNeverRaisesAndInvokesOnError(t *testing.T) {
	var captured error
	s := NewInMemoryStore(Config{MaxSize: 10, OnError: func(err error) { captured = err }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() { s.SafeAddOutcome(ctx, `{"id":1}`) })
	assert.Error(t, captured)

	metrics := s.Metrics(context.Background())
	assert.Equal(t, 1, metrics.Failures)
}

func TestGetSimilarReturnsEntriesSharingAToken(t *testing.T) {
	s := NewInMemoryStore(Config{MaxSize: 10})
	ctx := context.Background()

	require.NoError(t, s.AddOutcome(ctx, `["NullPointerException","in","fetchUser"]`))
	require.NoError(t, s.AddOutcome(ctx, `["completely","unrelated","issue"]`))
	require.NoError(t, s.AddOutcome(ctx, `["another","fetchUser","failure"]`))

	matches, err := s.GetSimilar(ctx, `["fetchUser","timed","out"]`)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestGetSimilarSkipsMalformedEntries(t *testing.T) {
	s := NewInMemoryStore(Config{MaxSize: 10})
	ctx := context.Background()

	require.NoError(t, s.AddOutcome(ctx, `not valid json but has fetchUser`))
	require.NoError(t, s.AddOutcome(ctx, `["fetchUser","failed"]`))

	matches, err := s.GetSimilar(ctx, `["fetchUser"]`)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestGetSimilarCapsAtFiveMatches(t *testing.T) {
	s := NewInMemoryStore(Config{MaxSize: 20})
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.AddOutcome(ctx, `["fetchUser","failed","again"]`))
	}

	matches, err := s.GetSimilar(ctx, `["fetchUser"]`)
	require.NoError(t, err)
	assert.Len(t, matches, 5)
}

func TestSaveThenLoadRoundTripsBuffer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "outcomes.json")

	s := NewInMemoryStore(Config{MaxSize: 10})
	ctx := context.Background()
	require.NoError(t, s.AddOutcome(ctx, `{"id":1}`))
	require.NoError(t, s.AddOutcome(ctx, `{"id":2}`))

	require.NoError(t, s.Save(ctx, path))
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	loaded := NewInMemoryStore(Config{MaxSize: 10})
	require.NoError(t, loaded.Load(ctx, path))
	assert.Equal(t, 2, loaded.Metrics(ctx).Size)
}

func TestLoadMissingFileIsSilent(t *testing.T) {
	s := NewInMemoryStore(Config{MaxSize: 10})
	err := s.Load(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.NoError(t, err)
	assert.Equal(t, 0, s.Metrics(context.Background()).Failures)
}
