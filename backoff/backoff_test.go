package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaunpalmer/patchcore/breaker"
	"github.com/shaunpalmer/patchcore/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyReturnsRemainingMsWhenPaused(t *testing.T) {
	p := NewDefaultPolicy(DefaultConfig())
	summary := breaker.Summary{IsPaused: true, RemainingMs: 4200}
	assert.Equal(t, int64(4200), p.SuggestMs(summary))
}

func TestDefaultPolicyShortWaitOnOscillation(t *testing.T) {
	p := NewDefaultPolicy(DefaultConfig())
	summary := breaker.Summary{RecentErrorCounts: []int{5, 2, 6}}
	ms := p.SuggestMs(summary)
	assert.GreaterOrEqual(t, ms, int64(0))
	assert.LessOrEqual(t, ms, DefaultConfig().MinMs*2)
}

func TestDefaultPolicyLongerWaitWhenStagnant(t *testing.T) {
	p := NewDefaultPolicy(DefaultConfig())
	summary := breaker.Summary{RecentErrorCounts: []int{5, 5}, IsImproving: false}
	ms := p.SuggestMs(summary)
	assert.Greater(t, ms, DefaultConfig().MinMs)
}

func TestAdaptivePolicyShrinksWhenImproving(t *testing.T) {
	p := NewAdaptivePolicy(DefaultConfig())
	improving := breaker.Summary{IsImproving: true, RecentErrorCounts: []int{10, 4}}
	stalled := breaker.Summary{IsImproving: false, RecentErrorCounts: []int{10, 10}, Snapshot: envelopeSnapshot(3)}

	msImproving := p.SuggestMs(improving)
	msStalled := p.SuggestMs(stalled)
	cfg := DefaultConfig()
	assert.GreaterOrEqual(t, msImproving, cfg.MinMs)
	assert.Less(t, msImproving, int64(float64(cfg.MinMs)*1.5)+1)
	assert.GreaterOrEqual(t, msStalled, cfg.MinMs)
	assert.LessOrEqual(t, msStalled, cfg.MaxMs)
}

func TestAdaptivePolicyStaysWithinMaxMsAcrossConsecutiveFailures(t *testing.T) {
	p := NewAdaptivePolicy(DefaultConfig())
	low := breaker.Summary{RecentErrorCounts: []int{10, 10}, Snapshot: envelopeSnapshot(1)}
	high := breaker.Summary{RecentErrorCounts: []int{10, 10}, Snapshot: envelopeSnapshot(5)}

	msLow := p.SuggestMs(low)
	msHigh := p.SuggestMs(high)
	assert.LessOrEqual(t, msLow, DefaultConfig().MaxMs)
	assert.LessOrEqual(t, msHigh, DefaultConfig().MaxMs)
}

func TestAdaptivePolicyReturnsRemainingMsWhenPaused(t *testing.T) {
	p := NewAdaptivePolicy(DefaultConfig())
	summary := breaker.Summary{IsPaused: true, RemainingMs: 777}
	assert.Equal(t, int64(777), p.SuggestMs(summary))
}

func TestCoordinatorDefaultsToDefaultPolicy(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil)
	ms := c.SuggestMs(breaker.Summary{RecentErrorCounts: []int{5, 5}})
	assert.GreaterOrEqual(t, ms, int64(0))
}

func TestBuildGuidanceComputesPositiveErrorDelta(t *testing.T) {
	g := BuildGuidance(DefaultConfig(), "x is undefined", "function foo() {\n  return x\n}", "function foo() {\n  return x + 1\n}", "javascript", breaker.Summary{}, 1, 10, 6, "abc123", nil)
	assert.Equal(t, GuidanceType, g.Type)
	assert.Equal(t, 4, g.LastAttemptStatus.ErrorDelta)
	assert.Equal(t, GuidanceInstructions, g.Instructions)
	assert.Equal(t, 25, g.Constraints.MaxLinesChanged)
	assert.NotEmpty(t, g.Constraints.DisallowKeywords)
}

func TestBuildGuidanceClampsNegativeDeltaToZero(t *testing.T) {
	g := BuildGuidance(DefaultConfig(), "err", "", "", "go", breaker.Summary{}, 0, 5, 9, "", nil)
	assert.Equal(t, 0, g.LastAttemptStatus.ErrorDelta)
}

func TestToPromptIncludesInstructionsAndContext(t *testing.T) {
	g := BuildGuidance(DefaultConfig(), "boom", "original", "patched", "go", breaker.Summary{}, 1, 2, 1, "", nil)
	prompt, system := g.ToPrompt()
	assert.NotEmpty(t, system)
	assert.Contains(t, prompt, "boom")
	assert.Contains(t, prompt, GuidanceType)
}

func TestExtractWiderContextFindsGoFunctionByName(t *testing.T) {
	original := "package main\n\nfunc helper() {\n  return\n}\n\nfunc target(x int) int {\n  if x > 0 {\n    return x\n  }\n  return 0\n}\n\nfunc other() {}\n"
	lastPatch := "func target(x int) int {\n  return x\n}"

	ctx := ExtractWiderContext(original, lastPatch)
	assert.Contains(t, ctx, "func target(x int) int")
}

func TestExtractWiderContextFallsBackWhenNoFunctionNameFound(t *testing.T) {
	ctx := ExtractWiderContext("line one\nline two\nline three", "not a function at all")
	assert.NotEmpty(t, ctx)
}

func TestBasicBalanceScanReportsMissingCloseBrace(t *testing.T) {
	r := BasicBalanceScan("function foo() {\n  return 1;\n")
	assert.Equal(t, 1, r.MissingClose)
}

func TestBasicBalanceScanZeroWhenBalanced(t *testing.T) {
	r := BasicBalanceScan("function foo() {\n  return 1;\n}")
	assert.Equal(t, 0, r.MissingClose)
}

func TestBasicBalanceScanFlagsLikelyMissingSemicolon(t *testing.T) {
	r := BasicBalanceScan("let x = 1\nlet y = 2;")
	assert.Equal(t, 1, r.LikelyMissingSemicolon)
}

func TestExtractPatchedCodePrefersFencedBlock(t *testing.T) {
	text := "Here is the fix:\n```go\nfunc fixed() {}\n```\nDone."
	code, err := ExtractPatchedCode(text)
	require.NoError(t, err)
	assert.Equal(t, "func fixed() {}", code)
}

func TestExtractPatchedCodeFallsBackToJSONField(t *testing.T) {
	text := `{"patched_code": "func fixed() {}"}`
	code, err := ExtractPatchedCode(text)
	require.NoError(t, err)
	assert.Equal(t, "func fixed() {}", code)
}

func TestExtractPatchedCodeFallsBackToRawTrimmedText(t *testing.T) {
	text := "  func fixed() {}  \n"
	code, err := ExtractPatchedCode(text)
	require.NoError(t, err)
	assert.Equal(t, "func fixed() {}", code)
}

func TestExtractPatchedCodeErrorsOnEmptyResponse(t *testing.T) {
	_, err := ExtractPatchedCode("")
	assert.Error(t, err)
}

func TestPauseAndConsultWaitsOutTimerWithoutAdapter(t *testing.T) {
	outcome, err := PauseAndConsult(context.Background(), 10, GuidanceEnvelope{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), outcome.WaitedMs)
	assert.Empty(t, outcome.PatchedCode)
}

func TestPauseAndConsultReturnsAdapterResultBeforeTimer(t *testing.T) {
	adapter := func(ctx context.Context, prompt, system string) (string, error) {
		return "```go\nfunc fixed() {}\n```", nil
	}
	outcome, err := PauseAndConsult(context.Background(), 5000, GuidanceEnvelope{}, adapter)
	require.NoError(t, err)
	assert.Equal(t, "func fixed() {}", outcome.PatchedCode)
}

func TestPauseAndConsultAdapterErrorIsNonFatal(t *testing.T) {
	adapter := func(ctx context.Context, prompt, system string) (string, error) {
		return "", errors.New("adapter unavailable")
	}
	outcome, err := PauseAndConsult(context.Background(), 5000, GuidanceEnvelope{}, adapter)
	require.NoError(t, err)
	assert.Empty(t, outcome.PatchedCode)
	assert.Error(t, outcome.AdapterError)
}

func TestPauseAndConsultRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := PauseAndConsult(ctx, 60_000, GuidanceEnvelope{}, nil)
	assert.Error(t, err)
}

func envelopeSnapshot(consecutiveFailures int) envelope.BreakerSnapshot {
	return envelope.BreakerSnapshot{ConsecutiveFailures: consecutiveFailures}
}
