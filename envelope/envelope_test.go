package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope() *Envelope {
	return New(Patch{PatchedCode: "func f() {}", Language: "go"}, map[string]string{"session": "s1"})
}

func TestNewAssignsUniquePatchID(t *testing.T) {
	a := newTestEnvelope()
	b := newTestEnvelope()
	assert.NotEmpty(t, a.PatchID)
	assert.NotEqual(t, a.PatchID, b.PatchID)
}

func TestAppendAttemptIsOrderPreservingAndUpdatesCounters(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	d.AppendAttempt(false, "first", "CLOSED", 1, 100)
	d.AppendAttempt(true, "second", "CLOSED", 0, 100)
	d.Commit()

	require.Len(t, e.Attempts, 2)
	assert.Equal(t, "first", e.Attempts[0].Note)
	assert.Equal(t, "second", e.Attempts[1].Note)
	assert.Equal(t, 2, e.Counters.TotalAttempts)
	assert.Equal(t, e.Counters.TotalAttempts, len(e.Attempts))
}

func TestMergeConfidenceClampsAndOnlyOverwritesProvided(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	hi := 1.5
	lo := -0.2
	d.MergeConfidence(&hi, &lo, nil, nil)
	d.Commit()

	assert.Equal(t, 1.0, e.ConfidenceComponents.HistoricalSuccessRate)
	assert.Equal(t, 0.0, e.ConfidenceComponents.PatternSimilarity)
	assert.Equal(t, 0.0, e.ConfidenceComponents.ComplexityPenalty)
}

func TestUpdateTrendImprovingWhenErrorsResolved(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	d.UpdateTrend(2, 3, nil, nil, nil)
	d.Commit()
	assert.Equal(t, TrendImproving, e.TrendMetadata.Trend)
}

func TestUpdateTrendWorseningWhenNegativeVelocityAndNoResolutions(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	v := -0.5
	d.UpdateTrend(5, 0, nil, &v, nil)
	d.Commit()
	assert.Equal(t, TrendWorsening, e.TrendMetadata.Trend)
}

func TestUpdateTrendPlateauingWhenNonNegativeVelocityAndNoResolutions(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	v := 0.0
	d.UpdateTrend(5, 0, nil, &v, nil)
	d.Commit()
	assert.Equal(t, TrendPlateauing, e.TrendMetadata.Trend)
}

func TestMarkSuccessIsLatching(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	d.MarkSuccess(true)
	d.Commit()
	require.True(t, e.Success)

	d2 := e.BeginDraft()
	d2.MarkSuccess(false)
	d2.Commit()
	assert.True(t, e.Success, "mark_success must be idempotent and never regress to false")
}

func TestFlagForDeveloperRequiresNonEmptyMessage(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	err := d.FlagForDeveloper("risk_marker", "")
	d.Commit()
	require.Error(t, err)
	assert.False(t, e.FlaggedForDeveloper)
}

func TestFlagForDeveloperMirrorsLegacyAlias(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	err := d.FlagForDeveloper("risk_marker", "authentication_bypass detected")
	d.Commit()
	require.NoError(t, err)
	assert.True(t, e.FlaggedForDeveloper)
	assert.True(t, e.FlaggedForDeveloperLegacy)
}

func TestHashIsStableAcrossCloneAndIndependentOfAttemptsTimestampAndTimeline(t *testing.T) {
	e := newTestEnvelope()
	h1 := e.EnvelopeHash

	cloned := e.Clone()
	assert.Equal(t, h1, cloned.EnvelopeHash)

	d := e.BeginDraft()
	d.AppendAttempt(true, "note", "CLOSED", 0, 10)
	d.Commit()

	assert.Equal(t, h1, e.EnvelopeHash, "attempts must not affect the envelope hash")
}

func TestHashChangesWhenStableSubsetChanges(t *testing.T) {
	e := newTestEnvelope()
	h1 := e.EnvelopeHash

	d := e.BeginDraft()
	d.SetCascadeDepth(3)
	d.Commit()

	assert.NotEqual(t, h1, e.EnvelopeHash)
}

func TestRoundTripJSONPreservesStateModuloTimestamp(t *testing.T) {
	e := newTestEnvelope()
	d := e.BeginDraft()
	d.AppendAttempt(true, "ok", "CLOSED", 0, 50)
	d.Commit()

	raw, err := e.ToJSON()
	require.NoError(t, err)

	roundTripped, err := FromJSON(raw)
	require.NoError(t, err)

	assert.Equal(t, e.PatchID, roundTripped.PatchID)
	assert.Equal(t, e.EnvelopeHash, roundTripped.EnvelopeHash)
	assert.Equal(t, e.Attempts, roundTripped.Attempts)
	assert.Equal(t, e.Success, roundTripped.Success)
}

func TestFromJSONRejectsMalformedInput(t *testing.T) {
	_, err := FromJSON([]byte("{not json"))
	require.Error(t, err)
}

func TestPatchRiskFlags(t *testing.T) {
	p := Patch{AuthenticationBypass: true, ProductionDataModification: true}
	flags := p.RiskFlags()
	assert.ElementsMatch(t, []string{"authentication_bypass", "production_data_modification"}, flags)
}
