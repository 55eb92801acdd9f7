// Package envelope defines the canonical, content-addressed record of a
// patch attempt series and the scoped draft-mutation API used to evolve it.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Patch is the payload submitted for evaluation. Only the fields the core
// cares about are modeled; everything else travels opaquely through
// RawData.
type Patch struct {
	PatchedCode                   string          `json:"patched_code"`
	Language                      string          `json:"language"`
	DatabaseSchemaChange          bool            `json:"database_schema_change,omitempty"`
	AuthenticationBypass          bool            `json:"authentication_bypass,omitempty"`
	CriticalSecurityVulnerability bool            `json:"critical_security_vulnerability,omitempty"`
	ProductionDataModification    bool            `json:"production_data_modification,omitempty"`
	RawData                       json.RawMessage `json:"-"`
}

// RiskFlags returns the names of every risk marker set true on the patch.
func (p *Patch) RiskFlags() []string {
	var flags []string
	if p.DatabaseSchemaChange {
		flags = append(flags, "database_schema_change")
	}
	if p.AuthenticationBypass {
		flags = append(flags, "authentication_bypass")
	}
	if p.CriticalSecurityVulnerability {
		flags = append(flags, "critical_security_vulnerability")
	}
	if p.ProductionDataModification {
		flags = append(flags, "production_data_modification")
	}
	return flags
}

// Attempt is one externally executed trial of a patch.
type Attempt struct {
	Timestamp       int64  `json:"timestamp"`
	Success         bool   `json:"success"`
	Note            string `json:"note,omitempty"`
	BreakerState    string `json:"breaker_state,omitempty"`
	FailureCount    int    `json:"failure_count,omitempty"`
	LinesOfCode     int    `json:"lines_of_code,omitempty"`
}

// ConfidenceComponents is the scorer's breakdown of the factors behind a
// confidence value.
type ConfidenceComponents struct {
	HistoricalSuccessRate float64 `json:"historical_success_rate"`
	PatternSimilarity     float64 `json:"pattern_similarity"`
	ComplexityPenalty     float64 `json:"code_complexity_penalty"`
	TestCoverage          float64 `json:"test_coverage"`
}

// Trend is the direction of error counts across recent attempts.
type Trend string

const (
	TrendImproving   Trend = "improving"
	TrendPlateauing  Trend = "plateauing"
	TrendWorsening   Trend = "worsening"
	TrendUnknown     Trend = "unknown"
)

// TrendSnapshot summarizes the error trajectory as of the last recorded
// attempt.
type TrendSnapshot struct {
	ErrorsDetected      int     `json:"errors_detected"`
	ErrorsResolved      int     `json:"errors_resolved"`
	Trend               Trend   `json:"trend"`
	QualityScore        float64 `json:"quality_score,omitempty"`
	ImprovementVelocity float64 `json:"improvement_velocity,omitempty"`
	StagnationRisk      float64 `json:"stagnation_risk,omitempty"`
}

// BreakerSnapshot mirrors the breaker's state_summary onto the envelope.
type BreakerSnapshot struct {
	SchemaState         string `json:"schema_state"`
	InternalState        string `json:"internal_state"`
	SyntaxAttempts        int    `json:"syntax_attempts"`
	LogicAttempts         int    `json:"logic_attempts"`
	SyntaxErrors          int    `json:"syntax_errors"`
	LogicErrors           int    `json:"logic_errors"`
	ConsecutiveFailures   int    `json:"consecutive_failures"`
	BestErrorCountSeen    int    `json:"best_error_count_seen"`
	PausedUntil           int64  `json:"paused_until,omitempty"`
	PauseReason           string `json:"pause_reason,omitempty"`
}

// ErrorKind is the cascade/error-type taxonomy shared across components.
type ErrorKind string

const (
	ErrorKindSyntax      ErrorKind = "syntax"
	ErrorKindLogic       ErrorKind = "logic"
	ErrorKindRuntime     ErrorKind = "runtime"
	ErrorKindPerformance ErrorKind = "performance"
	ErrorKindSecurity    ErrorKind = "security"
)

// CascadeEntry is one link in the chain of errors encountered while fixing
// a single issue.
type CascadeEntry struct {
	ErrorType       ErrorKind `json:"error_type"`
	ErrorMessage    string    `json:"error_message"`
	ConfidenceScore float64   `json:"confidence_score"`
	AttemptNumber   int       `json:"attempt_number"`
	IsCascading     bool      `json:"is_cascading"`
}

// PolicySnapshot captures the breaker thresholds in force when the
// envelope hash was last computed, so a replayed envelope can be audited
// against the policy that produced its decisions.
type PolicySnapshot struct {
	SyntaxMaxAttempts int     `json:"syntax_max_attempts"`
	LogicMaxAttempts  int     `json:"logic_max_attempts"`
	SyntaxErrorBudget float64 `json:"syntax_error_budget"`
	LogicErrorBudget  float64 `json:"logic_error_budget"`
}

// Counters tallies envelope-wide totals kept in lockstep with Attempts.
type Counters struct {
	TotalAttempts int `json:"total_attempts"`
}

// TimelineEntry is one free-text audit line appended on every mutation that
// changes externally visible state.
type TimelineEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
}

// Envelope is the canonical, content-addressed record of a patch attempt
// series. Fields are exported so JSON (de)serialization needs no custom
// marshaling beyond alias handling; mutation happens only through Draft.
type Envelope struct {
	PatchID               string               `json:"patch_id"`
	PatchData             Patch                `json:"patch_data"`
	Metadata              map[string]string    `json:"metadata,omitempty"`
	Attempts              []Attempt            `json:"attempts"`
	ConfidenceComponents  ConfidenceComponents `json:"confidenceComponents"`
	BreakerState          BreakerSnapshot      `json:"breakerState"`
	CascadeDepth          int                  `json:"cascadeDepth"`
	ResourceUsage         map[string]float64   `json:"resourceUsage,omitempty"`
	TrendMetadata         TrendSnapshot        `json:"trendMetadata"`
	Success               bool                 `json:"success"`
	FlaggedForDeveloper   bool                 `json:"flagged_for_developer"`
	DeveloperMessage      string               `json:"developer_message,omitempty"`
	DeveloperFlagReason   string               `json:"developer_flag_reason,omitempty"`
	Timestamp             string               `json:"timestamp"`
	EnvelopeHash          string               `json:"envelopeHash"`
	Counters              Counters             `json:"counters"`
	Timeline              []TimelineEntry      `json:"timeline,omitempty"`
	PolicySnapshot        *PolicySnapshot      `json:"policySnapshot,omitempty"`

	// FlaggedForDeveloperLegacy mirrors FlaggedForDeveloper under the
	// camelCase alias some older producers still emit. Re-normalized on
	// parse, emitted only alongside the canonical field.
	FlaggedForDeveloperLegacy bool `json:"flaggedForDeveloper,omitempty"`
}

// NewPatchID returns a fresh, unique patch identifier.
func NewPatchID() string {
	return "patch_" + uuid.NewString()
}

// New constructs a fresh Envelope around patch.
func New(patch Patch, metadata map[string]string) *Envelope {
	e := &Envelope{
		PatchID:   NewPatchID(),
		PatchData: patch,
		Metadata:  metadata,
		Attempts:  []Attempt{},
		TrendMetadata: TrendSnapshot{
			Trend: TrendUnknown,
		},
	}
	e.stampTimestamp()
	e.normalizeAliases()
	e.EnvelopeHash = e.computeHash()
	return e
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

// Draft is a scoped mutable view over an Envelope. Acquire one with
// BeginDraft, apply edits, then Commit — which re-normalizes aliases and
// recomputes the hash exactly once, regardless of how many edits were
// applied. Always call Commit (defer it) so the envelope never escapes the
// scope un-normalized.
type Draft struct {
	env *Envelope
}

// BeginDraft acquires a mutable view of e.
func (e *Envelope) BeginDraft() *Draft {
	return &Draft{env: e}
}

// Commit re-normalizes aliases, recomputes the hash, and releases the
// draft. Safe to call more than once.
func (d *Draft) Commit() {
	if d.env == nil {
		return
	}
	d.env.normalizeAliases()
	d.env.EnvelopeHash = d.env.computeHash()
	d.env = nil
}

// AppendAttempt pushes a new Attempt with the current epoch time. Prior
// attempts are never reordered or removed.
func (d *Draft) AppendAttempt(success bool, note string, breakerState string, failureCount int, linesOfCode int) {
	d.env.Attempts = append(d.env.Attempts, Attempt{
		Timestamp:    time.Now().Unix(),
		Success:      success,
		Note:         note,
		BreakerState: breakerState,
		FailureCount: failureCount,
		LinesOfCode:  linesOfCode,
	})
	d.env.Counters.TotalAttempts = len(d.env.Attempts)
	d.appendTimeline("attempt_recorded")
}

// MergeConfidence clamps each provided component to [0,1] and overwrites
// only the keys actually supplied (nil pointers leave the prior value
// untouched).
func (d *Draft) MergeConfidence(historicalSuccessRate, patternSimilarity, complexityPenalty, testCoverage *float64) {
	c := &d.env.ConfidenceComponents
	if historicalSuccessRate != nil {
		c.HistoricalSuccessRate = clamp01(*historicalSuccessRate)
	}
	if patternSimilarity != nil {
		c.PatternSimilarity = clamp01(*patternSimilarity)
	}
	if complexityPenalty != nil {
		c.ComplexityPenalty = clamp01(*complexityPenalty)
	}
	if testCoverage != nil {
		c.TestCoverage = clamp01(*testCoverage)
	}
}

// UpdateTrend computes and stores the current Trend from errorsDetected,
// errorsResolved, and the optional quality/velocity/stagnation signals.
func (d *Draft) UpdateTrend(errorsDetected, errorsResolved int, quality, velocity, stagnation *float64) {
	t := &d.env.TrendMetadata
	t.ErrorsDetected = errorsDetected
	t.ErrorsResolved = errorsResolved
	if quality != nil {
		t.QualityScore = *quality
	}
	if velocity != nil {
		t.ImprovementVelocity = *velocity
	}
	if stagnation != nil {
		t.StagnationRisk = *stagnation
	}

	switch {
	case errorsResolved > 0:
		t.Trend = TrendImproving
	case velocity != nil:
		if *velocity < 0 {
			t.Trend = TrendWorsening
		} else {
			t.Trend = TrendPlateauing
		}
	default:
		t.Trend = TrendUnknown
	}
	d.appendTimeline("trend_updated")
}

// SetBreakerState stores the breaker's current snapshot on the envelope.
func (d *Draft) SetBreakerState(snapshot BreakerSnapshot) {
	d.env.BreakerState = snapshot
	d.appendTimeline("breaker_state_set")
}

// SetCascadeDepth stores the cascade detector's current depth.
func (d *Draft) SetCascadeDepth(depth int) {
	d.env.CascadeDepth = depth
}

// MergeResourceUsage merges usage into the envelope's resource-usage map,
// overwriting any keys usage also sets.
func (d *Draft) MergeResourceUsage(usage map[string]float64) {
	if d.env.ResourceUsage == nil {
		d.env.ResourceUsage = make(map[string]float64, len(usage))
	}
	for k, v := range usage {
		d.env.ResourceUsage[k] = v
	}
}

// FlagForDeveloper sets the developer-escalation fields. Requires a
// non-empty message; violates the envelope's invariant otherwise.
func (d *Draft) FlagForDeveloper(reason, message string) error {
	if message == "" {
		return fmt.Errorf("flag_for_developer: message must be non-empty")
	}
	d.env.FlaggedForDeveloper = true
	d.env.DeveloperFlagReason = reason
	d.env.DeveloperMessage = message
	d.appendTimeline("flagged_for_developer")
	return nil
}

// MarkSuccess is latching: once true, further calls with false are no-ops.
func (d *Draft) MarkSuccess(success bool) {
	if d.env.Success {
		return
	}
	if success {
		d.env.Success = true
		d.appendTimeline("marked_success")
	}
}

func (d *Draft) appendTimeline(event string) {
	d.env.Timeline = append(d.env.Timeline, TimelineEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     event,
	})
}

func (e *Envelope) stampTimestamp() {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
}

// normalizeAliases keeps the legacy camelCase alias mirrored to the
// canonical snake_case field. The canonical field is always the source of
// truth; the alias exists only at the serialization boundary.
func (e *Envelope) normalizeAliases() {
	e.FlaggedForDeveloperLegacy = e.FlaggedForDeveloper
}

// stableView is the subset of envelope state the hash is computed over:
// everything except attempts (and the counters that mirror them),
// timestamp, developer_message, developer_flag_reason, timeline, and the
// hash itself.
type stableView struct {
	PatchID              string               `json:"patch_id"`
	PatchData            Patch                `json:"patch_data"`
	Metadata             map[string]string    `json:"metadata,omitempty"`
	ConfidenceComponents ConfidenceComponents `json:"confidenceComponents"`
	BreakerState         BreakerSnapshot      `json:"breakerState"`
	CascadeDepth         int                  `json:"cascadeDepth"`
	ResourceUsage        map[string]float64   `json:"resourceUsage,omitempty"`
	TrendMetadata        TrendSnapshot        `json:"trendMetadata"`
	Success              bool                 `json:"success"`
	FlaggedForDeveloper  bool                 `json:"flagged_for_developer"`
}

// computeHash is pure over the stable subset, with object keys sorted
// lexicographically before hashing so the result does not depend on
// pretty-vs-compact printing or Go's struct field order.
func (e *Envelope) computeHash() string {
	sv := stableView{
		PatchID:              e.PatchID,
		PatchData:            e.PatchData,
		Metadata:             e.Metadata,
		ConfidenceComponents: e.ConfidenceComponents,
		BreakerState:         e.BreakerState,
		CascadeDepth:         e.CascadeDepth,
		ResourceUsage:        e.ResourceUsage,
		TrendMetadata:        e.TrendMetadata,
		Success:              e.Success,
		FlaggedForDeveloper:  e.FlaggedForDeveloper,
	}
	raw, _ := json.Marshal(sv)
	var generic interface{}
	_ = json.Unmarshal(raw, &generic)
	sorted := sortKeys(generic)
	canonical, _ := json.Marshal(sorted)
	sum := xxhash.Sum64(canonical)
	return fmt.Sprintf("%016x", sum)
}

// sortKeys walks a decoded JSON value and replaces every map with an
// orderedMap whose keys are sorted, so json.Marshal emits them in a
// deterministic order.
func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, orderedPair{Key: k, Value: sortKeys(t[k])})
		}
		return orderedMap(pairs)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = sortKeys(elem)
		}
		return out
	default:
		return v
	}
}

type orderedPair struct {
	Key   string
	Value interface{}
}

type orderedMap []orderedPair

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, _ := json.Marshal(p.Key)
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		valJSON, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ToJSON serializes the envelope to stable, indent-free JSON.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes and re-normalizes aliases. Malformed input fails
// with a wrapped error rather than a panic.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope parse error: %w", err)
	}
	// An explicit legacy alias wins if the canonical field was absent.
	if e.FlaggedForDeveloperLegacy && !e.FlaggedForDeveloper {
		e.FlaggedForDeveloper = true
	}
	e.normalizeAliases()
	return &e, nil
}

// Clone returns a deep copy safe for independent mutation.
func (e *Envelope) Clone() *Envelope {
	raw, _ := e.ToJSON()
	cloned, _ := FromJSON(raw)
	return cloned
}
