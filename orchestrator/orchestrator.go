// Package orchestrator drives one attempt series end to end: wrap the
// patch into an envelope, consult history, score confidence, ask the
// breaker for admission, record the externally-executed outcome, update
// cascade state, and decide the next action.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/shaunpalmer/patchcore/backoff"
	"github.com/shaunpalmer/patchcore/breaker"
	"github.com/shaunpalmer/patchcore/cascade"
	"github.com/shaunpalmer/patchcore/confidence"
	"github.com/shaunpalmer/patchcore/core"
	"github.com/shaunpalmer/patchcore/envelope"
	"github.com/shaunpalmer/patchcore/errorsig"
	"github.com/shaunpalmer/patchcore/memory"
)

// sessionContextKey avoids collisions with context keys other packages
// might define.
type sessionContextKey string

const requestIDContextKey sessionContextKey = "orchestrator_request_id"

// WithRequestID tags ctx with a request id that GetRequestID returns. The
// session passes ctx on to its store and logger calls, but neither reads
// the id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// GetRequestID retrieves the request id tagged by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Decision is the session's per-attempt verdict.
type Decision string

const (
	DecisionContinue             Decision = Decision(breaker.ActionContinue)
	DecisionPauseAndBackoff      Decision = Decision(breaker.ActionPauseAndBackoff)
	DecisionRollback             Decision = Decision(breaker.ActionRollback)
	DecisionPromote              Decision = Decision(breaker.ActionPromote)
	DecisionTryDifferentStrategy Decision = Decision(breaker.ActionTryDifferentStrategy)
	DecisionStopCascade          Decision = "stop_cascade"
	DecisionFlagDeveloper        Decision = "flag_developer"
	DecisionExhausted            Decision = "exhausted"
)

// BeginResult is returned by Begin. If Admitted is false, Decision/Reason/
// WaitMs are final for this attempt and Complete must not be called.
type BeginResult struct {
	Admitted   bool
	Decision   Decision
	Reason     string
	WaitMs     int64
	Envelope   *envelope.Envelope
	Confidence confidence.Result
}

// ExecutionOutcome is what the caller reports after executing a patch
// externally (step 5 of the per-attempt algorithm).
type ExecutionOutcome struct {
	Success        bool
	ErrorsDetected int
	ErrorsResolved int
	LinesOfCode    int
	ErrorType      envelope.ErrorKind
	ErrorClass     string
	ErrorMessage   string
	Confidence     float64
}

// Celebration is the success_celebration payload: constructed and handed
// back to the caller, never transported by this package.
type Celebration struct {
	Type            string                 `json:"type"`
	Timestamp       string                 `json:"timestamp"`
	PatchID         string                 `json:"patch_id"`
	SuccessMetrics  CelebrationMetrics     `json:"success_metrics"`
	Message         string                 `json:"message"`
	CelebrationInfo CelebrationInfo        `json:"celebration"`
	FinalState      CelebrationFinalState  `json:"final_state"`
	Hints           *CelebrationHints      `json:"hints,omitempty"`
}

type CelebrationMetrics struct {
	FinalConfidence     float64 `json:"final_confidence"`
	ErrorCount          int     `json:"error_count"`
	AttemptsRequired     int     `json:"attempts_required"`
	QualityThresholdMet bool    `json:"quality_threshold_met"`
}

type CelebrationInfo struct {
	Achievement      string `json:"achievement"`
	ThresholdExceeded bool   `json:"threshold_exceeded"`
	JitterDelayMs    int64  `json:"jitter_delay_ms"`
}

type CelebrationFinalState struct {
	CodePolished        bool `json:"code_polished"`
	LintingApplied      bool `json:"linting_applied"`
	ReadyForDeployment bool `json:"ready_for_deployment"`
}

// CelebrationHints carries optional watchdog/risk observations. This
// package fills only RiskFlags, from the patch's own risk markers;
// MissingPaths and Watchdog are never set here.
type CelebrationHints struct {
	MissingPaths []string `json:"missing_paths,omitempty"`
	RiskFlags    []string `json:"risk_flags,omitempty"`
	Watchdog     string   `json:"watchdog,omitempty"`
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	Decision    Decision
	Reason      string
	WaitMs      int64
	Envelope    *envelope.Envelope
	Celebration *Celebration
	Guidance    *backoff.GuidanceEnvelope
}

// pendingAttempt carries the state Begin hands to Complete for one
// admitted attempt. A session drives at most one pending attempt at a
// time; Begin and Complete must be invoked as a pair, never interleaved
// across two outstanding attempts.
type pendingAttempt struct {
	env          *envelope.Envelope
	kind         breaker.Kind
	confKind     confidence.Kind
	confidence   confidence.Result
	originalCode string
	lastPatch    string
	language     string
}

// Session is a per-attempt-series driver. Not safe for concurrent use by
// multiple goroutines; one session per in-flight patch series.
type Session struct {
	cfg         *core.Config
	breaker     *breaker.Breaker
	cascade     *cascade.Detector
	scorer      *confidence.Scorer
	coordinator *backoff.Coordinator
	tracker     *errorsig.Tracker
	store       memory.Store
	logger      core.Logger

	attemptNumber int
	pending       *pendingAttempt
}

// NewSession wires a fresh Breaker/Detector/Scorer/Coordinator from cfg
// around the shared store. policy may be nil (defaults to
// backoff.DefaultPolicy); metrics may be nil (defaults to a no-op
// collector inside the breaker).
func NewSession(cfg *core.Config, store memory.Store, policy backoff.Policy, metrics breaker.MetricsCollector) *Session {
	b := breaker.New(breaker.Config{
		SyntaxMaxAttempts:        cfg.Breaker.SyntaxMaxAttempts,
		LogicMaxAttempts:         cfg.Breaker.LogicMaxAttempts,
		SyntaxErrorBudget:        cfg.Breaker.SyntaxErrorBudget,
		LogicErrorBudget:         cfg.Breaker.LogicErrorBudget,
		ImprovementWindow:        cfg.Breaker.ImprovementWindow,
		PromotionConfidenceFloor: cfg.Breaker.PromotionConfidenceFloor,
	})
	if metrics != nil {
		b.SetMetrics(metrics)
	}

	return &Session{
		cfg:     cfg,
		breaker: b,
		cascade: cascade.NewDetector(cfg.Cascade.MaxDepth),
		scorer:  confidence.NewScorer(cfg.Confidence.Temperature, cfg.Confidence.CalibrationSamples),
		coordinator: backoff.NewCoordinator(backoff.Config{
			MinMs:           cfg.Backoff.MinMs,
			MaxMs:           cfg.Backoff.MaxMs,
			MaxLinesChanged: cfg.Backoff.MaxLinesChanged,
		}, policy),
		tracker: errorsig.NewTracker(),
		store:   store,
		logger:  componentLogger(cfg.Logger(), "core/orchestrator"),
	}
}

// componentLogger scopes logger to component when it supports
// component-aware naming, matching memory.InMemoryStore.SetLogger's idiom.
func componentLogger(logger core.Logger, component string) core.Logger {
	if logger == nil {
		return &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}

func confidenceKindFor(kind breaker.Kind, errorType envelope.ErrorKind) confidence.Kind {
	switch {
	case kind == breaker.KindSyntax:
		return confidence.KindSyntax
	case errorType == envelope.ErrorKindRuntime:
		return confidence.KindRuntime
	case kind == breaker.KindLogic:
		return confidence.KindLogic
	default:
		return confidence.KindOther
	}
}

func oversized(patch envelope.Patch) bool {
	raw, err := json.Marshal(patch)
	if err != nil {
		return false
	}
	return len(raw) > core.MaxPatchBytes
}

// Begin executes steps 1-4 of the per-attempt algorithm: wrap the patch,
// short-circuit on risk markers or oversize, enrich from similar history,
// score confidence, and ask the breaker for admission. logits and
// errorType classify the attempt: a syntax errorType selects the syntax
// breaker budget and confidence kind; any other errorType selects the
// logic budget, with runtime picking the runtime confidence kind.
func (s *Session) Begin(ctx context.Context, patch envelope.Patch, metadata map[string]string, logits []float64, errorType envelope.ErrorKind, originalCode string) BeginResult {
	env := envelope.New(patch, metadata)
	s.attemptNumber++

	if flags := patch.RiskFlags(); len(flags) > 0 || oversized(patch) {
		reason := "oversized patch"
		if len(flags) > 0 {
			reason = flags[0]
		}
		message := fmt.Sprintf("patch requires human review: %s", reason)
		draft := env.BeginDraft()
		_ = draft.FlagForDeveloper(reason, message)
		draft.Commit()
		s.persist(ctx, env)
		s.logger.InfoWithContext(ctx, "flagged for developer", map[string]interface{}{"patch_id": env.PatchID, "reason": reason})
		return BeginResult{
			Admitted: false,
			Decision: DecisionFlagDeveloper,
			Reason:   message,
			Envelope: env,
		}
	}

	kind := breaker.KindLogic
	if errorType == envelope.ErrorKindSyntax {
		kind = breaker.KindSyntax
	}
	confKind := confidenceKindFor(kind, errorType)

	historical := s.historicalSuccessRate(ctx, patch)
	confResult := s.scorer.Score(logits, confKind, confidence.Context{HistoricalSuccessRate: &historical})

	draft := env.BeginDraft()
	draft.MergeConfidence(&confResult.Components.HistoricalSuccessRate, &confResult.Components.PatternSimilarity,
		&confResult.Components.ComplexityPenalty, &confResult.Components.TestCoverage)
	draft.Commit()

	if !confidence.ShouldAttempt(confResult, confKind) {
		waitMs := s.coordinator.SuggestMs(s.breaker.FullSummary())
		s.persist(ctx, env)
		return BeginResult{
			Admitted:   false,
			Decision:   DecisionPauseAndBackoff,
			Reason:     "confidence below admission threshold",
			WaitMs:     waitMs,
			Envelope:   env,
			Confidence: confResult,
		}
	}

	admit := s.breaker.CanAttempt(kind)
	if !admit.Admitted {
		decision := DecisionPauseAndBackoff
		if s.breaker.State() == breaker.StatePermanentlyOpen {
			decision = DecisionExhausted
		}
		waitMs := s.breaker.RemainingMs()
		if waitMs == 0 {
			waitMs = s.coordinator.SuggestMs(s.breaker.FullSummary())
		}
		s.persist(ctx, env)
		s.logger.InfoWithContext(ctx, "breaker refused attempt", map[string]interface{}{"patch_id": env.PatchID, "reason": admit.Reason, "wait_ms": waitMs})
		return BeginResult{
			Admitted:   false,
			Decision:   decision,
			Reason:     admit.Reason,
			WaitMs:     waitMs,
			Envelope:   env,
			Confidence: confResult,
		}
	}

	s.pending = &pendingAttempt{
		env:          env,
		kind:         kind,
		confKind:     confKind,
		confidence:   confResult,
		originalCode: originalCode,
		lastPatch:    patch.PatchedCode,
		language:     patch.Language,
	}

	return BeginResult{Admitted: true, Envelope: env, Confidence: confResult}
}

func (s *Session) historicalSuccessRate(ctx context.Context, patch envelope.Patch) float64 {
	raw, err := json.Marshal(patch)
	if err != nil {
		return 0.5
	}
	similar, err := s.store.GetSimilar(ctx, string(raw))
	if err != nil || len(similar) == 0 {
		return 0.5
	}
	succeeded := 0
	for _, entry := range similar {
		if e, parseErr := envelope.FromJSON([]byte(entry)); parseErr == nil && e.Success {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(similar))
}

func (s *Session) persist(ctx context.Context, env *envelope.Envelope) {
	raw, err := env.ToJSON()
	if err != nil {
		return
	}
	s.store.SafeAddOutcome(ctx, string(raw))
}

// Complete executes steps 6-9 of the per-attempt algorithm once the
// caller has executed the admitted patch and reports outcome. Calling
// Complete without a prior successful Begin is a programmer error and
// panics, since it would violate the append_attempt/record_attempt
// pairing invariant.
func (s *Session) Complete(ctx context.Context, outcome ExecutionOutcome) CompleteResult {
	if s.pending == nil {
		panic("orchestrator: Complete called without an admitted Begin")
	}
	p := s.pending
	s.pending = nil

	s.breaker.RecordAttempt(p.kind, outcome.Success, outcome.ErrorsDetected, outcome.ErrorsResolved, outcome.Confidence, outcome.LinesOfCode)

	sig := s.tracker.Record(errorsig.RawError{Type: outcome.ErrorClass, Message: outcome.ErrorMessage})
	fingerprint := sig.Type + ":" + sig.CleanedMessage
	stop := s.cascade.Record(outcome.ErrorType, fingerprint, outcome.Confidence, s.attemptNumber)

	note := outcome.ErrorMessage
	draft := p.env.BeginDraft()
	draft.AppendAttempt(outcome.Success, note, string(s.breaker.State()), s.breaker.FullSummary().FailureCount, outcome.LinesOfCode)
	draft.SetBreakerState(s.breaker.StateSummary())
	draft.SetCascadeDepth(s.cascade.Depth())

	velocity := improvementVelocityOf(s.breaker.FullSummary())
	quality := outcome.Confidence
	stagnation := 0.0
	if outcome.ErrorsResolved == 0 {
		stagnation = 1.0
	}
	draft.UpdateTrend(outcome.ErrorsDetected, outcome.ErrorsResolved, &quality, &velocity, &stagnation)
	draft.Commit()

	s.persist(ctx, p.env)

	if stop.ShouldStop {
		s.logger.InfoWithContext(ctx, "cascade stop", map[string]interface{}{"patch_id": p.env.PatchID, "reason": stop.Reason})
		return CompleteResult{
			Decision: DecisionStopCascade,
			Reason:   stop.Reason,
			Envelope: p.env,
		}
	}

	recommended := s.breaker.RecommendedAction(outcome.Confidence)
	if recommended == breaker.ActionPromote && outcome.ErrorsResolved > 0 && outcome.ErrorsDetected == 0 && outcome.Confidence >= 0.95 {
		draft := p.env.BeginDraft()
		draft.MarkSuccess(true)
		draft.Commit()
		s.persist(ctx, p.env)

		celebration := s.buildCelebration(p.env, outcome)
		s.logger.InfoWithContext(ctx, "patch promoted", map[string]interface{}{"patch_id": p.env.PatchID, "confidence": outcome.Confidence})
		return CompleteResult{
			Decision:    DecisionPromote,
			Reason:      "confidence and trend cleared the promotion floor",
			Envelope:    p.env,
			Celebration: &celebration,
		}
	}

	waitMs := s.coordinator.SuggestMs(s.breaker.FullSummary())
	result := CompleteResult{
		Decision: Decision(recommended),
		WaitMs:   waitMs,
		Envelope: p.env,
	}

	if recommended == breaker.ActionPauseAndBackoff || recommended == breaker.ActionTryDifferentStrategy {
		guidance := backoff.BuildGuidance(
			backoff.Config{MinMs: s.cfg.Backoff.MinMs, MaxMs: s.cfg.Backoff.MaxMs, MaxLinesChanged: s.cfg.Backoff.MaxLinesChanged},
			outcome.ErrorMessage, p.originalCode, p.lastPatch, p.language,
			s.breaker.FullSummary(), outcome.ErrorsResolved, 0, outcome.ErrorsDetected,
			p.env.EnvelopeHash, p.env.Metadata,
		)
		result.Guidance = &guidance
	}

	return result
}

func improvementVelocityOf(summary breaker.Summary) float64 {
	n := len(summary.RecentErrorCounts)
	if n < 2 {
		return 0
	}
	last := summary.RecentErrorCounts[n-1]
	prev := summary.RecentErrorCounts[n-2]
	if prev == 0 {
		return 0
	}
	return float64(prev-last) / float64(prev)
}

// celebrationJitterMinMs/MaxMs bound the random delay attached to a
// promotion celebration, so bursts of simultaneous promotions don't all
// fire at once.
const (
	celebrationJitterMinMs = 200
	celebrationJitterMaxMs = 700
)

func (s *Session) buildCelebration(env *envelope.Envelope, outcome ExecutionOutcome) Celebration {
	jitter := int64(celebrationJitterMinMs + rand.Intn(celebrationJitterMaxMs-celebrationJitterMinMs+1))

	var hints *CelebrationHints
	if risk := env.PatchData.RiskFlags(); len(risk) > 0 {
		hints = &CelebrationHints{RiskFlags: risk}
	}

	return Celebration{
		Type:      "success_celebration",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		PatchID:   env.PatchID,
		SuccessMetrics: CelebrationMetrics{
			FinalConfidence:     outcome.Confidence,
			ErrorCount:          outcome.ErrorsDetected,
			AttemptsRequired:     env.Counters.TotalAttempts,
			QualityThresholdMet: outcome.Confidence >= s.cfg.Breaker.PromotionConfidenceFloor,
		},
		Message: "patch cleared every budget and promoted to success",
		CelebrationInfo: CelebrationInfo{
			Achievement:      "zero outstanding errors",
			ThresholdExceeded: true,
			JitterDelayMs:    jitter,
		},
		FinalState: CelebrationFinalState{
			CodePolished:        true,
			LintingApplied:      true,
			ReadyForDeployment: true,
		},
		Hints: hints,
	}
}

// Breaker exposes the underlying breaker for callers that need direct
// introspection (tests, diagnostics) without re-deriving it from cfg.
func (s *Session) Breaker() *breaker.Breaker { return s.breaker }

// Cascade exposes the underlying cascade detector for introspection.
func (s *Session) Cascade() *cascade.Detector { return s.cascade }

// Scorer exposes the underlying confidence scorer for introspection.
func (s *Session) Scorer() *confidence.Scorer { return s.scorer }

// ErrorTracker exposes the underlying error signature tracker for
// introspection.
func (s *Session) ErrorTracker() *errorsig.Tracker { return s.tracker }
