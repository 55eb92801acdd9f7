// Package cascade detects unhealthy chains of errors across attempts at
// fixing a single issue: repeating patterns, degrading confidence, and
// escalating severity.
package cascade

import (
	"fmt"
	"sync"

	"github.com/shaunpalmer/patchcore/envelope"
)

// severityOrder ranks error kinds from least to most severe:
// syntax < logic < runtime < performance < security.
var severityOrder = map[envelope.ErrorKind]int{
	envelope.ErrorKindSyntax:      0,
	envelope.ErrorKindLogic:       1,
	envelope.ErrorKindRuntime:     2,
	envelope.ErrorKindPerformance: 3,
	envelope.ErrorKindSecurity:    4,
}

// Detector tracks the ordered chain of cascade entries for one session and
// evaluates the four stop rules in order on every insertion.
type Detector struct {
	mu       sync.Mutex
	maxDepth int
	chain    []envelope.CascadeEntry
}

// NewDetector builds a Detector. maxDepth <= 0 defaults to 10.
func NewDetector(maxDepth int) *Detector {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Detector{maxDepth: maxDepth}
}

// StopResult is the outcome of evaluating the stop rules after an
// insertion.
type StopResult struct {
	ShouldStop bool
	Reason     string
}

// Record appends a new entry to the chain (IsCascading is set true iff the
// chain was already non-empty before this insertion) and evaluates the
// stop rules against the updated chain.
func (d *Detector) Record(errorType envelope.ErrorKind, errorMessage string, confidenceScore float64, attemptNumber int) StopResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := envelope.CascadeEntry{
		ErrorType:       errorType,
		ErrorMessage:    errorMessage,
		ConfidenceScore: confidenceScore,
		AttemptNumber:   attemptNumber,
		IsCascading:     len(d.chain) > 0,
	}
	d.chain = append(d.chain, entry)

	return d.evaluateLocked()
}

func (d *Detector) evaluateLocked() StopResult {
	n := len(d.chain)

	if n >= d.maxDepth {
		return StopResult{ShouldStop: true, Reason: "cascade depth exceeded"}
	}

	if n >= 3 {
		last3 := d.chain[n-3:]
		if last3[0].ErrorType == last3[1].ErrorType && last3[1].ErrorType == last3[2].ErrorType &&
			last3[0].ErrorMessage == last3[1].ErrorMessage && last3[1].ErrorMessage == last3[2].ErrorMessage {
			return StopResult{ShouldStop: true, Reason: "Repeating error pattern detected"}
		}

		if last3[0].ConfidenceScore > last3[1].ConfidenceScore && last3[1].ConfidenceScore > last3[2].ConfidenceScore {
			return StopResult{ShouldStop: true, Reason: "degrading confidence"}
		}
	}

	if n >= 2 {
		prev := d.chain[n-2]
		last := d.chain[n-1]
		if severityOrder[last.ErrorType] > severityOrder[prev.ErrorType] {
			return StopResult{ShouldStop: true, Reason: "Error severity escalating with each fix attempt"}
		}
	}

	return StopResult{ShouldStop: false}
}

// Depth returns the current chain length.
func (d *Detector) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chain)
}

// Entries returns a copy of the chain in insertion order.
func (d *Detector) Entries() []envelope.CascadeEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]envelope.CascadeEntry, len(d.chain))
	copy(out, d.chain)
	return out
}

// ConfidenceTrend is the direction of confidence across the chain.
type ConfidenceTrend string

const (
	ConfidenceImproving ConfidenceTrend = "improving"
	ConfidenceDegrading ConfidenceTrend = "degrading"
	ConfidenceStable    ConfidenceTrend = "stable"
)

// Analysis is the detector's full introspection report.
type Analysis struct {
	Depth              int
	TypeDistribution   map[envelope.ErrorKind]int
	ConfidenceTrend    ConfidenceTrend
	AverageConfidence  float64
	MostCommonError    envelope.ErrorKind
	Recommendation     string
}

// Analyze computes the full Analysis over the current chain.
func (d *Detector) Analyze() Analysis {
	d.mu.Lock()
	defer d.mu.Unlock()

	dist := make(map[envelope.ErrorKind]int)
	var sumConfidence float64
	for _, e := range d.chain {
		dist[e.ErrorType]++
		sumConfidence += e.ConfidenceScore
	}

	trend := ConfidenceStable
	if len(d.chain) >= 2 {
		first := d.chain[0].ConfidenceScore
		last := d.chain[len(d.chain)-1].ConfidenceScore
		if last > first {
			trend = ConfidenceImproving
		} else if last < first {
			trend = ConfidenceDegrading
		}
	}

	avg := 0.0
	if len(d.chain) > 0 {
		avg = sumConfidence / float64(len(d.chain))
	}

	var mostCommon envelope.ErrorKind
	best := -1
	for kind, count := range dist {
		if count > best {
			best = count
			mostCommon = kind
		}
	}

	return Analysis{
		Depth:             len(d.chain),
		TypeDistribution:  dist,
		ConfidenceTrend:   trend,
		AverageConfidence: avg,
		MostCommonError:   mostCommon,
		Recommendation:    recommendationFor(mostCommon),
	}
}

func recommendationFor(kind envelope.ErrorKind) string {
	switch kind {
	case envelope.ErrorKindSyntax:
		return "Review syntax carefully; consider a smaller, more targeted patch."
	case envelope.ErrorKindLogic:
		return "Re-examine the business logic assumptions behind the fix."
	case envelope.ErrorKindRuntime:
		return "Check for unhandled edge cases surfacing only at runtime."
	case envelope.ErrorKindPerformance:
		return "Profile before patching further; the fix may be trading correctness for speed."
	case envelope.ErrorKindSecurity:
		return "Escalate to a security reviewer before attempting another automated fix."
	default:
		return fmt.Sprintf("No dominant error kind identified for %q.", kind)
	}
}
