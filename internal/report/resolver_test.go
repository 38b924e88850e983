package report

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealnexus/internal/domain"
)

type logBuilder struct {
	t      *testing.T
	seq    int64
	events []domain.Event
}

func newLog(t *testing.T) *logBuilder { return &logBuilder{t: t} }

func (b *logBuilder) add(role, kind string, payload any) *logBuilder {
	data, err := json.Marshal(payload)
	require.NoError(b.t, err)
	b.seq++
	b.events = append(b.events, domain.Event{
		CaseID:     "case-1",
		Seq:        b.seq,
		TS:         "2026-08-24T10:00:00Z",
		SourceRole: role,
		Kind:       kind,
		Payload:    string(data),
	})
	return b
}

func (b *logBuilder) stage(role string) *logBuilder {
	return b.add(role, domain.KindStageCompleted, domain.StageCompletedPayload{
		Artifact: domain.ReviewArtifact{Role: role, RunID: "run-1", Confidence: 0.9},
	})
}

func (b *logBuilder) approvedFinancial() *logBuilder {
	return b.add(domain.RoleEconomics, domain.KindFinancialDecision, domain.FinancialDecisionPayload{
		Decision: domain.FinancialDecision{
			EstimatedCost:  96600,
			ContractValue:  200000,
			ComputedMargin: 0.517,
			TargetMargin:   0.35,
			Tier:           "custom_build",
			Outcome:        "approved",
		},
	})
}

var allRoles = []string{
	domain.RoleTargeting, domain.RoleFeasibility, domain.RoleCompliance,
	domain.RoleEconomics, domain.RoleSynthesis,
}

func (b *logBuilder) allStages() *logBuilder {
	for _, role := range allRoles {
		b.stage(role)
	}
	return b
}

func TestStatusDraftOnEmptyLog(t *testing.T) {
	status, err := Status(nil, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, status)
}

func TestStatusApproved(t *testing.T) {
	b := newLog(t).allStages().approvedFinancial()
	status, err := Status(b.events, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, status)
}

func TestStatusDraftWithoutFinancialApproval(t *testing.T) {
	b := newLog(t).allStages()
	b.add(domain.RoleEconomics, domain.KindFinancialDecision, domain.FinancialDecisionPayload{
		Decision: domain.FinancialDecision{Outcome: "pricing_adjustment"},
	})
	status, err := Status(b.events, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, status)
}

func TestStatusDraftWithMissingRequiredRole(t *testing.T) {
	b := newLog(t)
	for _, role := range allRoles[:4] {
		b.stage(role)
	}
	b.approvedFinancial()
	status, err := Status(b.events, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, status)
}

func TestStatusPendingInterventionUntilHumanResolution(t *testing.T) {
	b := newLog(t).allStages().approvedFinancial()
	b.add(domain.RoleCompliance, domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 1,
		Initiator: domain.RoleCompliance, Responder: "client",
		Risk: &domain.Risk{RiskID: "risk-1", Category: "pii_exposure", AffectedEntity: "customers"},
	})
	b.add(domain.RoleCompliance, domain.KindNegotiationDeadlocked, domain.NegotiationDeadlockedPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Reason: domain.ReasonIrreconcilable, Turn: 1,
	})

	status, err := Status(b.events, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingIntervention, status,
		"a deadlock without human resolution must pin the case")

	// A dismissal does not clear the pending flag.
	dismissed := append([]domain.Event(nil), b.events...)
	b2 := &logBuilder{t: t, seq: b.seq, events: dismissed}
	b2.add("human", domain.KindHumanResolution, domain.HumanResolutionPayload{
		NegotiationID: "neg-1", Status: domain.ResolutionDismissed, ResolvedBy: "ops",
	})
	status, err = Status(b2.events, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingIntervention, status)

	b2.add("human", domain.KindHumanResolution, domain.HumanResolutionPayload{
		NegotiationID: "neg-1", Status: domain.ResolutionResolved, ResolvedBy: "ops",
	})
	status, err = Status(b2.events, allRoles)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, status)
}

func TestTimeoutDeadlockProjectsTimeoutStatus(t *testing.T) {
	b := newLog(t)
	b.add(domain.RoleCompliance, domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 1,
		Risk: &domain.Risk{RiskID: "risk-1", Category: "pii_exposure"},
	})
	b.add(domain.RoleCompliance, domain.KindNegotiationDeadlocked, domain.NegotiationDeadlockedPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Reason: domain.ReasonTimeout, Turn: 2,
	})
	state, err := Replay(b.events)
	require.NoError(t, err)
	n := state.Negotiations["neg-1"]
	assert.Equal(t, domain.NegotiationTimeout, n.Status)
	assert.Equal(t, domain.ReasonTimeout, n.Reason)
	assert.Equal(t, []string{"neg-1"}, state.PendingInterventions())
}

func TestReplayResolvedNegotiation(t *testing.T) {
	b := newLog(t)
	b.add(domain.RoleCompliance, domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 1,
		Risk:                  &domain.Risk{RiskID: "risk-1", Category: "pii_exposure", FlaggedElements: []string{"ssn"}},
		AcceptableMitigations: []string{"field_redaction", "filtered_sql_view"},
	})
	b.add("client", domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 2,
		ProposedMitigation: "filtered_sql_view", ExclusionScope: []string{"ssn"},
	})
	b.add(domain.RoleCompliance, domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 3,
	})
	b.add(domain.RoleCompliance, domain.KindNegotiationResolved, domain.NegotiationResolvedPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Mitigation: "filtered_sql_view", Turn: 3,
	})

	state, err := Replay(b.events)
	require.NoError(t, err)
	n, ok := state.NegotiationForRisk("risk-1")
	require.True(t, ok)
	assert.Equal(t, domain.NegotiationResolved, n.Status)
	assert.Equal(t, "filtered_sql_view", n.Mitigation)
	assert.Equal(t, 3, n.Turn)
	assert.Empty(t, state.PendingInterventions())
}

func TestReplaySequenceGapIsIrrecoverable(t *testing.T) {
	b := newLog(t).stage(domain.RoleTargeting).stage(domain.RoleFeasibility)
	b.events[1].Seq = 5

	_, err := Replay(b.events)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIrrecoverable))

	_, err = Status(b.events, allRoles)
	assert.True(t, errors.Is(err, domain.ErrIrrecoverable))
}

func TestReplayRejectsCorruptPayloadAndUnknownKind(t *testing.T) {
	b := newLog(t).stage(domain.RoleTargeting)
	b.events[0].Payload = `{"artifact":`
	_, err := Replay(b.events)
	assert.True(t, errors.Is(err, domain.ErrIrrecoverable))

	b = newLog(t).stage(domain.RoleTargeting)
	b.events[0].Kind = "StageStarted"
	_, err = Replay(b.events)
	assert.True(t, errors.Is(err, domain.ErrIrrecoverable))
}

func TestReplayRejectsOutOfOrderTurns(t *testing.T) {
	b := newLog(t)
	b.add(domain.RoleCompliance, domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 1,
	})
	b.add("client", domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 3,
	})
	_, err := Replay(b.events)
	assert.True(t, errors.Is(err, domain.ErrIrrecoverable))
}

func TestReplayRejectsEventsAfterTerminalState(t *testing.T) {
	b := newLog(t)
	b.add(domain.RoleCompliance, domain.KindNegotiationTurn, domain.NegotiationTurnPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Turn: 1,
	})
	b.add(domain.RoleCompliance, domain.KindNegotiationResolved, domain.NegotiationResolvedPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Mitigation: "field_redaction", Turn: 1,
	})
	b.add(domain.RoleCompliance, domain.KindNegotiationDeadlocked, domain.NegotiationDeadlockedPayload{
		NegotiationID: "neg-1", RiskID: "risk-1", Reason: domain.ReasonTurnsExhausted, Turn: 3,
	})
	_, err := Replay(b.events)
	assert.True(t, errors.Is(err, domain.ErrIrrecoverable))
}

func TestReRunReplacesArtifact(t *testing.T) {
	b := newLog(t)
	b.add(domain.RoleTargeting, domain.KindStageCompleted, domain.StageCompletedPayload{
		Artifact: domain.ReviewArtifact{Role: domain.RoleTargeting, RunID: "run-1", Confidence: 0.4, LowConfidence: true},
	})
	b.add(domain.RoleTargeting, domain.KindStageCompleted, domain.StageCompletedPayload{
		Artifact: domain.ReviewArtifact{Role: domain.RoleTargeting, RunID: "run-2", Confidence: 0.9},
	})
	state, err := Replay(b.events)
	require.NoError(t, err)
	require.Len(t, state.Artifacts, 1)
	assert.Equal(t, "run-2", state.Artifacts[domain.RoleTargeting].RunID)
	assert.False(t, state.Artifacts[domain.RoleTargeting].LowConfidence)
}

func TestStatusIsIdempotent(t *testing.T) {
	b := newLog(t).allStages().approvedFinancial()
	first, err := Status(b.events, allRoles)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Status(b.events, allRoles)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
