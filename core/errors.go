package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for expected, simple conditions.
var (
	ErrInvariantViolation   = errors.New("core: invariant violation")
	ErrEnvelopeParse        = errors.New("core: envelope parse error")
	ErrMemoryWrite          = errors.New("core: memory write error")
	ErrMemoryLoad           = errors.New("core: memory load error")
	ErrCancelled            = errors.New("core: operation cancelled")
	ErrInvalidConfiguration = errors.New("core: invalid configuration")
	ErrConnectionFailed     = errors.New("core: connection failed")
)

// FrameworkError wraps a lower-level error with the operation and kind that
// produced it, the pattern used throughout the module for anything richer
// than a sentinel.
type FrameworkError struct {
	Op      string
	Kind    string
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s [%s] %s: %v", e.Op, e.Kind, e.ID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Op, e.Kind, e.Message, e.Err)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

func NewFrameworkError(op, kind, id, message string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Message: message, Err: err}
}

// BreakerRefusal is returned when the breaker declines to admit an attempt.
// It is expected control flow, never logged as an error.
type BreakerRefusal struct {
	Reason string
}

func (e *BreakerRefusal) Error() string { return "breaker refusal: " + e.Reason }

// CascadeStop is returned when the cascade detector says to stop attempting.
type CascadeStop struct {
	Reason string
}

func (e *CascadeStop) Error() string { return "cascade stop: " + e.Reason }

// PauseActive is returned when the breaker is in an active pause window.
type PauseActive struct {
	RemainingMs int64
}

func (e *PauseActive) Error() string {
	return fmt.Sprintf("pause active: %dms remaining", e.RemainingMs)
}

// DeveloperFlag is returned when a patch is escalated to a human without
// consulting the breaker.
type DeveloperFlag struct {
	Code    string
	Message string
}

func (e *DeveloperFlag) Error() string { return "flagged for developer: " + e.Code + ": " + e.Message }

// IsInvariantViolation reports whether err is, or wraps, ErrInvariantViolation.
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }

// IsBreakerRefusal reports whether err is a *BreakerRefusal.
func IsBreakerRefusal(err error) bool {
	var r *BreakerRefusal
	return errors.As(err, &r)
}

// IsCascadeStop reports whether err is a *CascadeStop.
func IsCascadeStop(err error) bool {
	var c *CascadeStop
	return errors.As(err, &c)
}

// IsPauseActive reports whether err is a *PauseActive.
func IsPauseActive(err error) bool {
	var p *PauseActive
	return errors.As(err, &p)
}

// IsDeveloperFlag reports whether err is a *DeveloperFlag.
func IsDeveloperFlag(err error) bool {
	var d *DeveloperFlag
	return errors.As(err, &d)
}
