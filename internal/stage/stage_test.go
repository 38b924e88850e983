package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealnexus/internal/decision"
	"dealnexus/internal/domain"
	"dealnexus/internal/knowledge"
)

func testNow() time.Time {
	return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
}

func testSources(t *testing.T, transcript string) Sources {
	t.Helper()
	kb, err := knowledge.Default()
	require.NoError(t, err)
	return Sources{Transcript: transcript, Knowledge: kb}
}

func TestTargetingClassifiesIndustry(t *testing.T) {
	r := &Targeting{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	src := testSources(t, "The client runs a hospital network and wants to reduce patient readmission; their EHR vendor is slow.")

	a, err := r.Run(context.Background(), Snapshot{}, src)
	require.NoError(t, err)
	assert.Contains(t, a.Flags, "industry:healthcare")
	assert.False(t, a.LowConfidence)
	assert.NotEmpty(t, a.Findings)
}

func TestTargetingUnclassifiedIsLowConfidence(t *testing.T) {
	r := &Targeting{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	a, err := r.Run(context.Background(), Snapshot{}, testSources(t, "we would like software"))
	require.NoError(t, err)
	assert.Contains(t, a.Flags, "industry:unclassified")
	assert.True(t, a.LowConfidence)
}

func TestTargetingRejectsEmptyTranscript(t *testing.T) {
	r := &Targeting{RunID: "run-1", Now: testNow}
	_, err := r.Run(context.Background(), Snapshot{}, testSources(t, ""))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestFeasibilityPicksHighestTier(t *testing.T) {
	r := &Feasibility{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	src := testSources(t, "They want a standard connector plus a custom integration built from scratch.")

	a, err := r.Run(context.Background(), Snapshot{}, src)
	require.NoError(t, err)
	tier, ok := TierOf(a)
	require.True(t, ok)
	assert.Equal(t, "custom_build", tier)
	assert.Equal(t, 520.0, a.Metrics["estimated_hours"])
	assert.False(t, a.LowConfidence)
}

func TestFeasibilityDefaultsToCustomBuild(t *testing.T) {
	r := &Feasibility{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	a, err := r.Run(context.Background(), Snapshot{}, testSources(t, "an unusual request with no catalog language"))
	require.NoError(t, err)
	tier, _ := TierOf(a)
	assert.Equal(t, "custom_build", tier)
	assert.Equal(t, 480.0, a.Metrics["estimated_hours"])
	assert.True(t, a.LowConfidence)
}

func TestComplianceRaisesPIIRisk(t *testing.T) {
	ids := 0
	r := &Compliance{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow, NewID: func() string {
		ids++
		return fmt.Sprintf("risk-%d", ids)
	}}
	src := testSources(t, "The export must carry email addresses and SSN values stored in the same table as orders.")

	a, err := r.Run(context.Background(), Snapshot{}, src)
	require.NoError(t, err)
	require.Len(t, a.Risks, 1)
	risk := a.Risks[0]
	assert.Equal(t, "risk-1", risk.RiskID)
	assert.Equal(t, "pii_exposure", risk.Category)
	assert.Equal(t, "high", risk.Severity)
	assert.True(t, risk.Data.PIICoLocated)
	assert.False(t, risk.Data.PIIRequiredByClient)
	assert.True(t, a.Blocking)

	// The mitigation tree lands on the SQL view for co-located PII.
	assert.Equal(t, decision.MitigationFilteredSQLView, decision.SelectMitigation(risk.Category, risk.Data))
}

func TestComplianceCleanTranscript(t *testing.T) {
	r := &Compliance{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	a, err := r.Run(context.Background(), Snapshot{}, testSources(t, "configure reporting dashboards for the finance team"))
	require.NoError(t, err)
	assert.Empty(t, a.Risks)
	assert.False(t, a.Blocking)
}

func TestComplianceIrreconcilableDemand(t *testing.T) {
	r := &Compliance{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	src := testSources(t, "They must include the SSN column in the export; they cannot work without the real values.")

	a, err := r.Run(context.Background(), Snapshot{}, src)
	require.NoError(t, err)
	require.Len(t, a.Risks, 1)
	assert.True(t, a.Risks[0].Data.PIIRequiredByClient)
	assert.True(t, decision.Irreconcilable(a.Risks[0]))
}

func economicsSnapshot(hours float64, tier string) Snapshot {
	return Snapshot{Artifacts: map[string]domain.ReviewArtifact{
		domain.RoleFeasibility: {
			Role:    domain.RoleFeasibility,
			Flags:   []string{"tier:" + tier},
			Metrics: map[string]float64{"estimated_hours": hours},
		},
	}}
}

func TestEconomicsApprovesStatedBudget(t *testing.T) {
	r := &Economics{RunID: "run-1", ConfidenceFloor: 0.5, HourlyRate: 175, PMOverheadPct: 0.15, Now: testNow}
	src := testSources(t, "The budget is $200,000 for the custom build.")

	a, err := r.Run(context.Background(), economicsSnapshot(480, "custom_build"), src)
	require.NoError(t, err)
	assert.InDelta(t, 96600, a.Metrics["estimated_cost"], 0.001)
	assert.InDelta(t, 0.517, a.Metrics["computed_margin"], 0.0001)
	assert.Equal(t, 0.35, a.Metrics["target_margin"])
	assert.Contains(t, a.Flags, "outcome:approved")
	assert.Contains(t, a.Flags, "pricing:client_budget")
	assert.False(t, a.Blocking)

	d, ok := FinancialDecisionOf(a)
	require.True(t, ok)
	assert.Equal(t, "approved", d.Outcome)
	assert.Equal(t, "custom_build", d.Tier)
	assert.Equal(t, 200000.0, d.ContractValue)
}

func TestEconomicsBlocksThinBudget(t *testing.T) {
	r := &Economics{RunID: "run-1", ConfidenceFloor: 0.5, HourlyRate: 175, PMOverheadPct: 0.15, Now: testNow}
	src := testSources(t, "They only have $80k to spend.")

	a, err := r.Run(context.Background(), economicsSnapshot(480, "custom_build"), src)
	require.NoError(t, err)
	assert.True(t, a.Blocking)
	d, ok := FinancialDecisionOf(a)
	require.True(t, ok)
	assert.Equal(t, decision.OutcomeRejected, d.Outcome, "96.6k cost against 80k is deeply under water")
}

func TestEconomicsRecommendsWhenNoBudget(t *testing.T) {
	r := &Economics{RunID: "run-1", ConfidenceFloor: 0.5, HourlyRate: 175, PMOverheadPct: 0.15, Now: testNow}
	a, err := r.Run(context.Background(), economicsSnapshot(480, "custom_build"), testSources(t, "no figure was discussed"))
	require.NoError(t, err)
	assert.Contains(t, a.Flags, "pricing:recommended")
	assert.Contains(t, a.Flags, "outcome:approved")
	// cost / (1 - 0.35)
	assert.InDelta(t, 96600/0.65, a.Metrics["contract_value"], 0.01)
	assert.True(t, a.LowConfidence, "recommended pricing drops below the floor")
}

func TestEconomicsRequiresFeasibility(t *testing.T) {
	r := &Economics{RunID: "run-1", HourlyRate: 175, PMOverheadPct: 0.15, Now: testNow}
	_, err := r.Run(context.Background(), Snapshot{}, testSources(t, "budget $200,000"))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestParseBudget(t *testing.T) {
	cases := []struct {
		text  string
		want  float64
		found bool
	}{
		{"the budget is $200,000 total", 200000, true},
		{"around $80k, maybe less", 80000, true},
		{"$1.5m program", 1500000, true},
		{"$5,000 for travel and $150,000 overall", 150000, true},
		{"no numbers here", 0, false},
	}
	for _, tc := range cases {
		got, found := ParseBudget(tc.text)
		assert.Equal(t, tc.found, found, tc.text)
		assert.InDelta(t, tc.want, got, 0.001, tc.text)
	}
}

func TestSynthesisCompilesSections(t *testing.T) {
	snap := Snapshot{Artifacts: map[string]domain.ReviewArtifact{}}
	for _, role := range []string{domain.RoleTargeting, domain.RoleFeasibility, domain.RoleCompliance, domain.RoleEconomics} {
		snap.Artifacts[role] = domain.ReviewArtifact{Role: role, Findings: []string{role + " finding"}, Confidence: 0.9}
	}
	r := &Synthesis{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	a, err := r.Run(context.Background(), snap, testSources(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, 4.0, a.Metrics["sections"])
	assert.Contains(t, a.Findings, "[Finance Director]")
	assert.Contains(t, a.Findings, "economics finding")
	assert.False(t, a.LowConfidence)
}

func TestSynthesisFlagsLowConfidenceInputs(t *testing.T) {
	snap := Snapshot{Artifacts: map[string]domain.ReviewArtifact{}}
	for _, role := range []string{domain.RoleTargeting, domain.RoleFeasibility, domain.RoleCompliance, domain.RoleEconomics} {
		snap.Artifacts[role] = domain.ReviewArtifact{Role: role, Confidence: 0.3, LowConfidence: true}
	}
	r := &Synthesis{RunID: "run-1", ConfidenceFloor: 0.5, Now: testNow}
	a, err := r.Run(context.Background(), snap, testSources(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, 4.0, a.Metrics["low_confidence_inputs"])
	assert.Contains(t, a.Flags, "low_confidence_input:compliance")
	assert.True(t, a.LowConfidence)
}

func TestSynthesisRequiresAllInputs(t *testing.T) {
	r := &Synthesis{RunID: "run-1", Now: testNow}
	_, err := r.Run(context.Background(), Snapshot{Artifacts: map[string]domain.ReviewArtifact{}}, testSources(t, "x"))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
