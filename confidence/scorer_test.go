package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreSyntaxFastSuccessCrossesAdmissionFloor(t *testing.T) {
	// Temperature 1.0 leaves this logit gap too soft to clear the 0.95
	// floor after the 1.2x syntax boost (max_prob ~0.77, boosted ~0.92);
	// a sharper temperature is what actually produces the "fast success"
	// scenario's admitted outcome.
	s := NewScorer(0.9, 1000)
	r := s.Score([]float64{2.0, 0.1, 0.1}, KindSyntax, Context{})
	require.GreaterOrEqual(t, r.SyntaxConfidence, 0.95)
	assert.True(t, ShouldAttempt(r, KindSyntax))
}

func TestScoreLogicConfidenceDampedRelativeToMaxProb(t *testing.T) {
	s := NewScorer(1.0, 1000)
	r := s.Score([]float64{3.0, 0.0, 0.0}, KindLogic, Context{})
	assert.Less(t, r.LogicConfidence, r.SyntaxConfidence)
}

func TestComponentsDefaultToOneWhenNoContextSupplied(t *testing.T) {
	s := NewScorer(1.0, 1000)
	r := s.Score([]float64{1.0, 1.0, 1.0}, KindOther, Context{})
	assert.Equal(t, 1.0, r.Components.HistoricalSuccessRate)
	assert.Equal(t, 1.0, r.Components.PatternSimilarity)
	assert.Equal(t, 1.0, r.Components.ComplexityPenalty)
	assert.Equal(t, 0.0, r.Components.TestCoverage)
}

func TestComplexityPenaltyFromTaxonomyDifficulty(t *testing.T) {
	s := NewScorer(1.0, 1000)
	difficulty := 0.8
	r := s.Score([]float64{1.0, 0.0, 0.0}, KindOther, Context{TaxonomyDifficulty: &difficulty})
	assert.InDelta(t, 0.6, r.Components.ComplexityPenalty, 1e-9)
}

func TestComplexityPenaltyFallsBackToComplexityScore(t *testing.T) {
	s := NewScorer(1.0, 1000)
	score := 3.0
	r := s.Score([]float64{1.0, 0.0, 0.0}, KindOther, Context{ComplexityScore: &score})
	assert.InDelta(t, 0.8, r.Components.ComplexityPenalty, 1e-9)
}

func TestOverallClampedToUnitInterval(t *testing.T) {
	s := NewScorer(1.0, 1000)
	hi := 1.0
	r := s.Score([]float64{5.0, 0.0, 0.0}, KindOther, Context{
		HistoricalSuccessRate: &hi, PatternSimilarity: &hi, TestCoverage: &hi,
	})
	assert.LessOrEqual(t, r.Overall, 1.0)
	assert.GreaterOrEqual(t, r.Overall, 0.0)
}

func TestBetaCalibrationEngagesAfterTenOutcomes(t *testing.T) {
	s := NewScorer(1.0, 1000)
	for i := 0; i < 9; i++ {
		s.RecordOutcome(0.9, true)
	}
	r := s.Score([]float64{1.0, 0.0, 0.0}, KindOther, Context{})
	assert.Equal(t, "softmax", r.Method)

	s.RecordOutcome(0.9, true)
	r2 := s.Score([]float64{1.0, 0.0, 0.0}, KindOther, Context{})
	assert.Equal(t, "beta_calibration", r2.Method)
}

func TestRecordOutcomeBoundsWindowAtCalibrationSamples(t *testing.T) {
	s := NewScorer(1.0, 5)
	for i := 0; i < 20; i++ {
		s.RecordOutcome(0.5, i%2 == 0)
	}
	assert.Equal(t, 5, s.SampleCount())
}

func TestShouldAttemptThresholdsPerKind(t *testing.T) {
	assert.True(t, ShouldAttempt(Result{SyntaxConfidence: 0.96}, KindSyntax))
	assert.False(t, ShouldAttempt(Result{SyntaxConfidence: 0.90}, KindSyntax))
	assert.True(t, ShouldAttempt(Result{LogicConfidence: 0.81}, KindLogic))
	assert.False(t, ShouldAttempt(Result{LogicConfidence: 0.79}, KindRuntime))
	assert.True(t, ShouldAttempt(Result{Overall: 0.90}, KindOther))
}
