// Package confidence converts per-class model logits into calibrated
// confidence scalars, blending them with historical outcome data.
package confidence

import (
	"math"
	"sync"

	"github.com/shaunpalmer/patchcore/envelope"
)

// Kind is the attempt classification the scorer reasons about.
type Kind string

const (
	KindSyntax  Kind = "syntax"
	KindLogic   Kind = "logic"
	KindRuntime Kind = "runtime"
	KindOther   Kind = "other"
)

// Context carries the optional signals a score can be enriched with.
type Context struct {
	HistoricalSuccessRate *float64
	PatternSimilarity     *float64
	TaxonomyDifficulty    *float64 // 0..1, preferred over ComplexityScore when present
	ComplexityScore       *float64
	TestCoverage          *float64
}

// Result is the scorer's full output for one attempt.
type Result struct {
	SyntaxConfidence float64
	LogicConfidence  float64
	Overall          float64
	Components       envelope.ConfidenceComponents
	Method           string // "softmax" or "beta_calibration"
}

// Scorer converts logits into confidence scores, using a local
// (never process-global) rolling window of past outcomes for beta
// calibration.
type Scorer struct {
	mu                 sync.Mutex
	temperature        float64
	calibrationSamples int
	window             []outcomeSample
}

type outcomeSample struct {
	confidence float64
	wasCorrect bool
}

// NewScorer builds a Scorer. temperature scales logits before softmax;
// calibrationSamples bounds the rolling outcome window (defaults to 1000
// when <= 0 is passed).
func NewScorer(temperature float64, calibrationSamples int) *Scorer {
	if temperature <= 0 {
		temperature = 1.0
	}
	if calibrationSamples <= 0 {
		calibrationSamples = 1000
	}
	return &Scorer{temperature: temperature, calibrationSamples: calibrationSamples}
}

func softmax(logits []float64, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	maxScaled := math.Inf(-1)
	for i, l := range logits {
		scaled[i] = l / temperature
		if scaled[i] > maxScaled {
			maxScaled = scaled[i]
		}
	}
	sum := 0.0
	probs := make([]float64, len(logits))
	for i, s := range scaled {
		probs[i] = math.Exp(s - maxScaled)
		sum += probs[i]
	}
	if sum == 0 {
		return probs
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func maxOf(values []float64) float64 {
	m := 0.0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

// Score runs the full eight-step algorithm from logits and kind, enriched
// by ctx.
func (s *Scorer) Score(logits []float64, kind Kind, ctx Context) Result {
	probs := softmax(logits, s.temperature)
	maxProb := maxOf(probs)

	syntaxConfidence := maxProb
	if kind == KindSyntax {
		syntaxConfidence = math.Min(maxProb*1.2, 1.0)
	}

	logicConfidence := maxProb
	if kind == KindLogic || kind == KindRuntime {
		logicConfidence = maxProb * 0.9
	}

	components := computeComponents(ctx)

	var base float64
	switch kind {
	case KindSyntax:
		base = syntaxConfidence
	case KindLogic, KindRuntime:
		base = logicConfidence
	default:
		base = (syntaxConfidence + logicConfidence) / 2
	}

	raw := base * components.HistoricalSuccessRate * components.PatternSimilarity *
		components.ComplexityPenalty * (0.5 + components.TestCoverage*0.5)
	raw = clamp01(raw)

	s.mu.Lock()
	sampleCount := len(s.window)
	empirical := s.empiricalSuccessRateLocked()
	s.mu.Unlock()

	overall := raw
	method := "softmax"
	if sampleCount >= 10 {
		overall = clamp01(0.7*raw + 0.3*empirical)
		method = "beta_calibration"
	}

	return Result{
		SyntaxConfidence: syntaxConfidence,
		LogicConfidence:  logicConfidence,
		Overall:          overall,
		Components:       components,
		Method:           method,
	}
}

func computeComponents(ctx Context) envelope.ConfidenceComponents {
	c := envelope.ConfidenceComponents{
		HistoricalSuccessRate: 1.0,
		PatternSimilarity:     1.0,
		ComplexityPenalty:     1.0,
		TestCoverage:          0,
	}
	if ctx.HistoricalSuccessRate != nil {
		c.HistoricalSuccessRate = clamp01(*ctx.HistoricalSuccessRate)
	}
	if ctx.PatternSimilarity != nil {
		c.PatternSimilarity = clamp01(*ctx.PatternSimilarity)
	}
	if ctx.TestCoverage != nil {
		c.TestCoverage = clamp01(*ctx.TestCoverage)
	}
	switch {
	case ctx.TaxonomyDifficulty != nil:
		c.ComplexityPenalty = math.Max(0.1, 1-(*ctx.TaxonomyDifficulty)*0.5)
	case ctx.ComplexityScore != nil:
		c.ComplexityPenalty = math.Max(0.1, 1-(*ctx.ComplexityScore-1)*0.1)
	default:
		c.ComplexityPenalty = 1.0
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ShouldAttempt is the admission predicate: syntax requires
// syntax_confidence >= 0.95, logic/runtime require logic_confidence >=
// 0.80, everything else requires overall >= 0.85.
func ShouldAttempt(r Result, kind Kind) bool {
	switch kind {
	case KindSyntax:
		return r.SyntaxConfidence >= 0.95
	case KindLogic, KindRuntime:
		return r.LogicConfidence >= 0.80
	default:
		return r.Overall >= 0.85
	}
}

// RecordOutcome appends to the rolling calibration window, bounded at
// calibrationSamples (oldest evicted first).
func (s *Scorer) RecordOutcome(confidence float64, wasCorrect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = append(s.window, outcomeSample{confidence: confidence, wasCorrect: wasCorrect})
	if len(s.window) > s.calibrationSamples {
		s.window = s.window[len(s.window)-s.calibrationSamples:]
	}
}

func (s *Scorer) empiricalSuccessRateLocked() float64 {
	if len(s.window) == 0 {
		return 0
	}
	correct := 0
	for _, sample := range s.window {
		if sample.wasCorrect {
			correct++
		}
	}
	return float64(correct) / float64(len(s.window))
}

// SampleCount reports how many outcomes are currently in the calibration
// window.
func (s *Scorer) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}
