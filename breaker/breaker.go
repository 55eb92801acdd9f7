// Package breaker implements the dual-budget circuit breaker: an
// admission controller that separately governs syntax and logic/runtime
// attempts using trend-aware budgets rather than bare counts.
package breaker

import (
	"sync"
	"time"

	"github.com/shaunpalmer/patchcore/envelope"
)

// Kind is the attempt classification the breaker tracks budgets for.
type Kind string

const (
	KindSyntax Kind = "syntax"
	KindLogic  Kind = "logic" // also covers "runtime" attempts
)

// State is the breaker's internal four-value state machine.
type State string

const (
	StateClosed          State = "CLOSED"
	StateSyntaxOpen       State = "SYNTAX_OPEN"
	StateLogicOpen        State = "LOGIC_OPEN"
	StatePermanentlyOpen  State = "PERMANENTLY_OPEN"
)

// SchemaState maps the internal State onto the three-value wire schema.
func (s State) SchemaState() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StatePermanentlyOpen:
		return "OPEN"
	default:
		return "HALF_OPEN"
	}
}

// Config carries the breaker's tunables.
type Config struct {
	SyntaxMaxAttempts        int
	LogicMaxAttempts         int
	SyntaxErrorBudget        float64
	LogicErrorBudget         float64
	ImprovementWindow        int
	PromotionConfidenceFloor float64
}

// DefaultConfig returns the breaker's baseline tuning: tight on syntax
// attempts, looser on logic attempts.
func DefaultConfig() Config {
	return Config{
		SyntaxMaxAttempts:        3,
		LogicMaxAttempts:         10,
		SyntaxErrorBudget:        0.03,
		LogicErrorBudget:         0.10,
		ImprovementWindow:        3,
		PromotionConfidenceFloor: 0.85,
	}
}

// MetricsCollector lets the breaker emit domain metrics without importing
// a concrete telemetry implementation.
type MetricsCollector interface {
	RecordAdmission(kind string, admitted bool)
	RecordStateChange(from, to string)
}

type noopMetrics struct{}

func (noopMetrics) RecordAdmission(kind string, admitted bool) {}
func (noopMetrics) RecordStateChange(from, to string)          {}

// kindCounters tracks attempts/errors for one kind.
type kindCounters struct {
	attempts int
	errors   int
}

func (c kindCounters) errorRate() float64 {
	if c.attempts == 0 {
		return 0
	}
	return float64(c.errors) / float64(c.attempts)
}

// Breaker is the dual-budget circuit breaker. One instance per session.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	syntax kindCounters
	logic  kindCounters

	consecutiveFailures int
	cumulativeResolved  int
	bestErrorCountSeen  int
	hasRecordedAttempt  bool

	recentErrorCounts  []int
	recentResolved     []int
	recentConfidence   []float64
	recentErrorDensity []float64

	pausedUntil time.Time
	pauseReason string

	metrics MetricsCollector
}

// New builds a Breaker with cfg. A zero Config is replaced with
// DefaultConfig.
func New(cfg Config) *Breaker {
	if cfg.SyntaxMaxAttempts == 0 && cfg.LogicMaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		cfg:                cfg,
		state:              StateClosed,
		bestErrorCountSeen: -1,
		metrics:            noopMetrics{},
	}
}

// SetMetrics installs a MetricsCollector.
func (b *Breaker) SetMetrics(m MetricsCollector) {
	if m == nil {
		m = noopMetrics{}
	}
	b.metrics = m
}

// AdmitResult is the outcome of an admission check.
type AdmitResult struct {
	Admitted    bool
	Reason      string
	Warning     string
	RemainingMs int64
}

// CanAttempt is the admission predicate. Pure over breaker state: it never
// mutates counters, only reads them (and auto-clears an expired pause).
func (b *Breaker) CanAttempt(kind Kind) AdmitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StatePermanentlyOpen {
		b.metrics.RecordAdmission(string(kind), false)
		return AdmitResult{Admitted: false, Reason: "breaker permanently open"}
	}

	if !b.pausedUntil.IsZero() {
		remaining := time.Until(b.pausedUntil)
		if remaining > 0 {
			b.metrics.RecordAdmission(string(kind), false)
			return AdmitResult{Admitted: false, Reason: "paused: " + b.pauseReason, RemainingMs: remaining.Milliseconds()}
		}
		b.pausedUntil = time.Time{}
		b.pauseReason = ""
	}

	improving := b.isImproving()
	counters := b.counters(kind)
	maxAttempts := b.maxAttempts(kind)
	if improving {
		maxAttempts += 2
	}

	if counters.attempts == 0 {
		b.metrics.RecordAdmission(string(kind), true)
		return AdmitResult{Admitted: true, Reason: "grace: first attempt"}
	}
	if counters.attempts == 1 {
		b.metrics.RecordAdmission(string(kind), true)
		return AdmitResult{Admitted: true, Reason: "grace: first-failure allowance"}
	}

	kindOpen := (kind == KindSyntax && b.state == StateSyntaxOpen) || (kind == KindLogic && b.state == StateLogicOpen)
	if kindOpen && !improving {
		b.metrics.RecordAdmission(string(kind), false)
		return AdmitResult{Admitted: false, Reason: "kind open and not improving"}
	}

	if counters.attempts >= maxAttempts && !improving {
		b.metrics.RecordAdmission(string(kind), false)
		return AdmitResult{Admitted: false, Reason: "max attempts exceeded"}
	}

	budget := b.errorBudget(kind)
	if improving {
		budget *= 1.5
	}
	if counters.errorRate() > budget {
		if improving {
			b.metrics.RecordAdmission(string(kind), true)
			return AdmitResult{Admitted: true, Warning: "error rate over budget, admitted on improving trend"}
		}
		b.metrics.RecordAdmission(string(kind), false)
		return AdmitResult{Admitted: false, Reason: "error rate over budget"}
	}

	b.metrics.RecordAdmission(string(kind), true)
	if kindOpen {
		return AdmitResult{Admitted: true, Warning: "kind open but improving"}
	}
	return AdmitResult{Admitted: true}
}

func (b *Breaker) counters(kind Kind) kindCounters {
	if kind == KindSyntax {
		return b.syntax
	}
	return b.logic
}

func (b *Breaker) maxAttempts(kind Kind) int {
	if kind == KindSyntax {
		return b.cfg.SyntaxMaxAttempts
	}
	return b.cfg.LogicMaxAttempts
}

func (b *Breaker) errorBudget(kind Kind) float64 {
	if kind == KindSyntax {
		return b.cfg.SyntaxErrorBudget
	}
	return b.cfg.LogicErrorBudget
}

// RecordAttempt records the outcome of an attempt of the given kind,
// updates all recent windows, and may transition the internal state.
func (b *Breaker) RecordAttempt(kind Kind, success bool, errorsDetected, errorsResolved int, confidence float64, linesOfCode int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hasRecordedAttempt = true

	if kind == KindSyntax {
		b.syntax.attempts++
		if !success {
			b.syntax.errors++
		}
	} else {
		b.logic.attempts++
		if !success {
			b.logic.errors++
		}
	}

	b.pushWindow(&b.recentErrorCounts, errorsDetected)
	b.pushWindow(&b.recentResolved, errorsResolved)
	b.pushWindowF(&b.recentConfidence, confidence)
	density := 0.0
	if linesOfCode > 0 {
		density = float64(errorsDetected) / float64(linesOfCode) * 100
	}
	b.pushWindowF(&b.recentErrorDensity, density)

	b.cumulativeResolved += errorsResolved
	if b.bestErrorCountSeen < 0 || errorsDetected < b.bestErrorCountSeen {
		b.bestErrorCountSeen = errorsDetected
	}

	if success {
		b.consecutiveFailures = 0
	} else {
		b.consecutiveFailures++
	}

	if !success {
		b.evaluateOpenConditions(kind)
	}
}

func (b *Breaker) pushWindow(window *[]int, v int) {
	*window = append(*window, v)
	if len(*window) > b.cfg.ImprovementWindow {
		*window = (*window)[len(*window)-b.cfg.ImprovementWindow:]
	}
}

func (b *Breaker) pushWindowF(window *[]float64, v float64) {
	*window = append(*window, v)
	if len(*window) > b.cfg.ImprovementWindow {
		*window = (*window)[len(*window)-b.cfg.ImprovementWindow:]
	}
}

func (b *Breaker) evaluateOpenConditions(kind Kind) {
	improving := b.isImproving()
	counters := b.counters(kind)
	budget := b.errorBudget(kind)
	maxAttempts := b.maxAttempts(kind)

	opened := false
	if !improving && counters.errorRate() > budget {
		opened = b.openKind(kind)
	} else if !improving && counters.attempts >= maxAttempts {
		opened = b.openKind(kind)
	}

	if opened && kind == KindSyntax {
		// syntax opening alone never promotes; only logic-side evaluation does.
		return
	}

	if b.state == StateSyntaxOpen && kind == KindLogic && b.logic.attempts >= b.cfg.LogicMaxAttempts && !improving {
		if !b.shouldContinueLocked() {
			prev := b.state
			b.state = StatePermanentlyOpen
			b.metrics.RecordStateChange(string(prev), string(b.state))
		}
	}
}

func (b *Breaker) openKind(kind Kind) bool {
	prev := b.state
	if kind == KindSyntax && b.state == StateClosed {
		b.state = StateSyntaxOpen
		b.metrics.RecordStateChange(string(prev), string(b.state))
		return true
	}
	if kind == KindLogic && b.state == StateClosed {
		b.state = StateLogicOpen
		b.metrics.RecordStateChange(string(prev), string(b.state))
		return true
	}
	return false
}

// isImproving implements §4.5.1.
func (b *Breaker) isImproving() bool {
	n := len(b.recentErrorCounts)
	if n == 0 {
		return false
	}
	if n == 1 {
		return len(b.recentResolved) > 0 && b.recentResolved[len(b.recentResolved)-1] > 0
	}
	last := b.recentErrorCounts[n-1]
	prev := b.recentErrorCounts[n-2]
	if last < prev {
		return true
	}
	if len(b.recentResolved) > 0 {
		lastResolved := b.recentResolved[len(b.recentResolved)-1]
		if lastResolved > 0 && last < prev {
			return true
		}
	}
	// Rule (c): measured against the best ever seen rather than the
	// window's oldest raw sample, so a window that has already rolled past
	// its low point doesn't keep reporting "improving" on stale data.
	if b.bestErrorCountSeen >= 0 {
		return last < b.bestErrorCountSeen
	}
	return false
}

// shouldContinueLocked implements §4.5.2. Caller must hold b.mu.
func (b *Breaker) shouldContinueLocked() bool {
	totalAttempts := b.syntax.attempts + b.logic.attempts
	if totalAttempts >= 5 && b.consecutiveFailures >= 5 && !b.isImproving() {
		return false
	}

	if b.isRegressingAgainstBestLocked() && !b.isConfidenceImprovingLocked() {
		return false
	}

	if b.isDensityImprovingLocked() {
		return true
	}
	if b.isConfidenceImprovingLocked() {
		return true
	}
	if b.isNetPositiveProgressLocked() {
		return true
	}
	return false
}

// ShouldContinue is the exported, lock-safe form of §4.5.2.
func (b *Breaker) ShouldContinue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shouldContinueLocked()
}

func (b *Breaker) isDensityImprovingLocked() bool {
	n := len(b.recentErrorDensity)
	if n < 2 {
		return false
	}
	return b.recentErrorDensity[n-1] < b.recentErrorDensity[n-2]
}

func (b *Breaker) isConfidenceImprovingLocked() bool {
	n := len(b.recentConfidence)
	if n < 2 {
		return false
	}
	return b.recentConfidence[n-1] > b.recentConfidence[n-2]
}

func (b *Breaker) isNetPositiveProgressLocked() bool {
	n := len(b.recentErrorCounts)
	if n < 2 {
		return false
	}
	last := b.recentErrorCounts[n-1]
	prev := b.recentErrorCounts[n-2]
	sumResolved := 0
	for _, r := range b.recentResolved {
		sumResolved += r
	}
	return last <= prev && sumResolved > last
}

func (b *Breaker) isRegressingAgainstBestLocked() bool {
	n := len(b.recentErrorCounts)
	if n == 0 || b.bestErrorCountSeen < 0 {
		return false
	}
	return b.recentErrorCounts[n-1] > b.bestErrorCountSeen
}

// IsRegressingAgainstBest is the exported, lock-safe probe used by the
// recommendation logic and by tests.
func (b *Breaker) IsRegressingAgainstBest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isRegressingAgainstBestLocked()
}

// Action is the breaker's recommended next step.
type Action string

const (
	ActionContinue           Action = "continue"
	ActionPauseAndBackoff     Action = "pause_and_backoff"
	ActionRollback            Action = "rollback"
	ActionPromote             Action = "promote"
	ActionTryDifferentStrategy Action = "try_different_strategy"
)

// RecommendedAction implements §4.5.3.
func (b *Breaker) RecommendedAction(latestConfidence float64) Action {
	b.mu.Lock()
	defer b.mu.Unlock()

	improving := b.isImproving()
	if latestConfidence >= b.cfg.PromotionConfidenceFloor && improving {
		return ActionPromote
	}

	totalAttempts := b.syntax.attempts + b.logic.attempts
	if totalAttempts <= 2 && !b.isRegressingAgainstBestLocked() {
		return ActionContinue
	}

	if b.isRegressingAgainstBestLocked() && !improving {
		return ActionRollback
	}

	if b.isOscillatingLocked() || b.isConfidenceNoisyLocked() {
		return ActionPauseAndBackoff
	}

	if b.shouldContinueLocked() {
		return ActionContinue
	}
	return ActionTryDifferentStrategy
}

func (b *Breaker) isOscillatingLocked() bool {
	n := len(b.recentErrorCounts)
	if n < 3 {
		return false
	}
	up, down := false, false
	for i := 1; i < n; i++ {
		if b.recentErrorCounts[i] > b.recentErrorCounts[i-1] {
			up = true
		}
		if b.recentErrorCounts[i] < b.recentErrorCounts[i-1] {
			down = true
		}
	}
	return up && down
}

func (b *Breaker) isConfidenceNoisyLocked() bool {
	n := len(b.recentConfidence)
	if n < 3 {
		return false
	}
	up, down := false, false
	for i := 1; i < n; i++ {
		if b.recentConfidence[i] > b.recentConfidence[i-1] {
			up = true
		}
		if b.recentConfidence[i] < b.recentConfidence[i-1] {
			down = true
		}
	}
	return up && down
}

// Pause suspends admission for ms milliseconds, recording reason.
func (b *Breaker) Pause(ms int64, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil = time.Now().Add(time.Duration(ms) * time.Millisecond)
	b.pauseReason = reason
}

// Resume cancels any active pause immediately.
func (b *Breaker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pausedUntil = time.Time{}
	b.pauseReason = ""
}

// IsPaused reports whether a pause is currently in effect.
func (b *Breaker) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.pausedUntil.IsZero() && time.Now().Before(b.pausedUntil)
}

// RemainingMs returns the milliseconds left in the current pause, or 0.
func (b *Breaker) RemainingMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pausedUntil.IsZero() {
		return 0
	}
	remaining := time.Until(b.pausedUntil)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// StateSummary implements the breaker's state_summary contract.
func (b *Breaker) StateSummary() envelope.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := envelope.BreakerSnapshot{
		SchemaState:       b.state.SchemaState(),
		InternalState:     string(b.state),
		SyntaxAttempts:    b.syntax.attempts,
		LogicAttempts:     b.logic.attempts,
		SyntaxErrors:      b.syntax.errors,
		LogicErrors:       b.logic.errors,
		ConsecutiveFailures: b.consecutiveFailures,
		BestErrorCountSeen:  maxInt(b.bestErrorCountSeen, 0),
	}
	if !b.pausedUntil.IsZero() {
		snapshot.PausedUntil = b.pausedUntil.UnixMilli()
		snapshot.PauseReason = b.pauseReason
	}
	return snapshot
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// State returns the current internal state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Summary is the breaker's full introspection snapshot: the persisted
// envelope.BreakerSnapshot subset plus the recent windows, derived
// booleans, and pause detail that never need to survive a serialize round
// trip but are useful for debugging and for the backoff coordinator.
type Summary struct {
	Snapshot            envelope.BreakerSnapshot
	FailureCount        int
	CumulativeResolved  int
	RecentErrorCounts   []int
	RecentResolved      []int
	RecentConfidence    []float64
	RecentErrorDensity  []float64
	IsImproving         bool
	IsRegressingAgainstBest bool
	IsPaused            bool
	RemainingMs         int64
}

// FullSummary returns the richer introspection summary described in
// §4.5's "Summary" contract, including failure_count = syntax_errors +
// logic_errors.
func (b *Breaker) FullSummary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := envelope.BreakerSnapshot{
		SchemaState:         b.state.SchemaState(),
		InternalState:       string(b.state),
		SyntaxAttempts:      b.syntax.attempts,
		LogicAttempts:       b.logic.attempts,
		SyntaxErrors:        b.syntax.errors,
		LogicErrors:         b.logic.errors,
		ConsecutiveFailures: b.consecutiveFailures,
		BestErrorCountSeen:  maxInt(b.bestErrorCountSeen, 0),
	}
	remaining := int64(0)
	paused := false
	if !b.pausedUntil.IsZero() {
		snapshot.PausedUntil = b.pausedUntil.UnixMilli()
		snapshot.PauseReason = b.pauseReason
		if r := time.Until(b.pausedUntil); r > 0 {
			remaining = r.Milliseconds()
			paused = true
		}
	}

	return Summary{
		Snapshot:                snapshot,
		FailureCount:            b.syntax.errors + b.logic.errors,
		CumulativeResolved:      b.cumulativeResolved,
		RecentErrorCounts:       append([]int(nil), b.recentErrorCounts...),
		RecentResolved:          append([]int(nil), b.recentResolved...),
		RecentConfidence:        append([]float64(nil), b.recentConfidence...),
		RecentErrorDensity:      append([]float64(nil), b.recentErrorDensity...),
		IsImproving:             b.isImproving(),
		IsRegressingAgainstBest: b.isRegressingAgainstBestLocked(),
		IsPaused:                paused,
		RemainingMs:             remaining,
	}
}
