package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsInvariantViolationMatchesWrappedSentinel(t *testing.T) {
	assert.True(t, IsInvariantViolation(ErrInvariantViolation))
	assert.True(t, IsInvariantViolation(fmt.Errorf("draft commit failed: %w", ErrInvariantViolation)))
	assert.False(t, IsInvariantViolation(errors.New("unrelated")))
}

func TestIsBreakerRefusalMatchesConcreteType(t *testing.T) {
	assert.True(t, IsBreakerRefusal(&BreakerRefusal{Reason: "max attempts exceeded"}))
	assert.False(t, IsBreakerRefusal(errors.New("plain error")))
}

func TestIsCascadeStopMatchesConcreteType(t *testing.T) {
	assert.True(t, IsCascadeStop(&CascadeStop{Reason: "Repeating error pattern detected"}))
	assert.False(t, IsCascadeStop(ErrInvariantViolation))
}

func TestIsPauseActiveMatchesConcreteType(t *testing.T) {
	assert.True(t, IsPauseActive(&PauseActive{RemainingMs: 1500}))
	assert.False(t, IsPauseActive(errors.New("plain error")))
}

func TestIsDeveloperFlagMatchesConcreteType(t *testing.T) {
	assert.True(t, IsDeveloperFlag(&DeveloperFlag{Code: "oversized_patch", Message: "too large"}))
	assert.False(t, IsDeveloperFlag(errors.New("plain error")))
}

func TestFrameworkErrorUnwrapsToUnderlyingCause(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	fe := NewFrameworkError("memory.RedisStore.connect", "memory", "", "failed to connect", underlying)

	assert.True(t, errors.Is(fe, underlying))
	assert.Contains(t, fe.Error(), "memory.RedisStore.connect")
	assert.Contains(t, fe.Error(), "failed to connect")
}

func TestFrameworkErrorIncludesIDWhenSet(t *testing.T) {
	fe := NewFrameworkError("envelope.parse", "envelope", "patch-123", "bad json", ErrEnvelopeParse)
	assert.Contains(t, fe.Error(), "patch-123")
}
