package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealnexus/internal/config"
	"dealnexus/internal/db"
	"dealnexus/internal/domain"
	"dealnexus/internal/migrate"
	"dealnexus/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testEngine(t *testing.T) (*Engine, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ck := &clock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	eng := New(conn, config.Default("asm-test"))
	eng.Now = ck.now
	eng.Events.Now = ck.now
	return eng, ck
}

func testRisk() domain.Risk {
	return domain.Risk{
		RiskID:          "risk-1",
		Category:        "pii_exposure",
		Severity:        "high",
		AffectedEntity:  "customer_records",
		RaisedBy:        domain.RoleCompliance,
		FlaggedElements: []string{"ssn"},
		Data:            domain.DataCharacteristics{PIICoLocated: true},
	}
}

func TestCreateCaseAndView(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()

	c, err := eng.CreateCase(ctx, "", "Acme")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "active", c.Status)

	view, err := eng.View(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, view.Status)
	assert.Empty(t, view.State.Artifacts)

	_, err = eng.View(ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestAppendStageCompleted(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, "case-1", "Acme")
	require.NoError(t, err)

	seq, err := eng.AppendStageCompleted(ctx, c.ID, domain.ReviewArtifact{
		Role: domain.RoleTargeting, RunID: "run-1", Confidence: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	// A re-run appends a fresh event and the projection keeps the newer run.
	seq, err = eng.AppendStageCompleted(ctx, c.ID, domain.ReviewArtifact{
		Role: domain.RoleTargeting, RunID: "run-2", Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	view, err := eng.View(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-2", view.State.Artifacts[domain.RoleTargeting].RunID)

	_, err = eng.AppendStageCompleted(ctx, c.ID, domain.ReviewArtifact{Role: "", RunID: "run-3"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	_, err = eng.AppendStageCompleted(ctx, "missing", domain.ReviewArtifact{Role: domain.RoleTargeting, RunID: "r"})
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestNegotiationLifecycle(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, "case-1", "Acme")
	require.NoError(t, err)

	n, err := eng.OpenNegotiation(ctx, c.ID, testRisk(), domain.RoleCompliance, "client")
	require.NoError(t, err)
	assert.Equal(t, 1, n.Turn)
	assert.Equal(t, domain.NegotiationNegotiating, n.Status)

	// Opening a second negotiation over the same risk is rejected.
	_, err = eng.OpenNegotiation(ctx, c.ID, testRisk(), domain.RoleCompliance, "client")
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))

	// Skipping a turn is rejected and leaves the log untouched.
	_, err = eng.SubmitTurn(ctx, c.ID, domain.NegotiationTurnPayload{NegotiationID: n.NegotiationID, Turn: 3})
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))

	n, err = eng.SubmitTurn(ctx, c.ID, domain.NegotiationTurnPayload{
		NegotiationID: n.NegotiationID, Turn: 2, ProposedMitigation: "filtered_sql_view", ExclusionScope: []string{"ssn"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n.Turn)

	n, err = eng.SubmitTurn(ctx, c.ID, domain.NegotiationTurnPayload{
		NegotiationID: n.NegotiationID, Turn: 3, Initiator: domain.RoleCompliance,
	})
	require.NoError(t, err)

	// Turn 4 would exceed the budget.
	_, err = eng.SubmitTurn(ctx, c.ID, domain.NegotiationTurnPayload{NegotiationID: n.NegotiationID, Turn: 4})
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))

	require.NoError(t, eng.ResolveNegotiation(ctx, c.ID, n.NegotiationID, "filtered_sql_view"))

	// Terminal states are one-way.
	err = eng.ResolveNegotiation(ctx, c.ID, n.NegotiationID, "filtered_sql_view")
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))
	err = eng.DeadlockNegotiation(ctx, c.ID, n.NegotiationID, domain.ReasonTurnsExhausted, "")
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))
	_, err = eng.SubmitTurn(ctx, c.ID, domain.NegotiationTurnPayload{NegotiationID: n.NegotiationID, Turn: 4})
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))
}

func TestSubmitTurnPastDeadlineForcesDeadlock(t *testing.T) {
	eng, ck := testEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, "case-1", "Acme")
	require.NoError(t, err)

	n, err := eng.OpenNegotiation(ctx, c.ID, testRisk(), domain.RoleCompliance, "client")
	require.NoError(t, err)

	ck.advance(eng.Config.TurnTimeout() + time.Minute)

	_, err = eng.SubmitTurn(ctx, c.ID, domain.NegotiationTurnPayload{
		NegotiationID: n.NegotiationID, Turn: 2, ProposedMitigation: "filtered_sql_view",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))

	// The deadlock is durable, not just reported.
	view, err := eng.View(ctx, c.ID)
	require.NoError(t, err)
	got, ok := view.State.NegotiationForRisk("risk-1")
	require.True(t, ok)
	assert.Equal(t, domain.NegotiationTimeout, got.Status)
	assert.Equal(t, domain.ReasonTimeout, got.Reason)
	assert.Equal(t, domain.StatusPendingIntervention, view.Status)

	// A responder turn carries no initiator; the forced deadlock still has to
	// name who opened the negotiation as its source.
	evs, err := eng.Repo.ListEvents(ctx, c.ID)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, domain.KindNegotiationDeadlocked, last.Kind)
	assert.Equal(t, domain.RoleCompliance, last.SourceRole)
}

func TestRecordFinancialDecisionValidation(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, "case-1", "Acme")
	require.NoError(t, err)

	good := domain.FinancialDecision{
		EstimatedCost: 96600, ContractValue: 200000, ComputedMargin: 0.517,
		TargetMargin: 0.35, Tier: "custom_build", Outcome: "approved",
	}
	seq, err := eng.RecordFinancialDecision(ctx, c.ID, good)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	bad := good
	bad.ContractValue = 0
	_, err = eng.RecordFinancialDecision(ctx, c.ID, bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	bad = good
	bad.Tier = "bespoke"
	_, err = eng.RecordFinancialDecision(ctx, c.ID, bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	bad = good
	bad.Outcome = "maybe"
	_, err = eng.RecordFinancialDecision(ctx, c.ID, bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	// Rejected inputs leave no trace in the log.
	evs, err := eng.Repo.ListEvents(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestResolveHumanSequencing(t *testing.T) {
	eng, _ := testEngine(t)
	ctx := context.Background()
	c, err := eng.CreateCase(ctx, "case-1", "Acme")
	require.NoError(t, err)

	n, err := eng.OpenNegotiation(ctx, c.ID, testRisk(), domain.RoleCompliance, "client")
	require.NoError(t, err)

	// An open negotiation is not eligible for human resolution.
	err = eng.ResolveHuman(ctx, c.ID, domain.HumanResolutionPayload{
		NegotiationID: n.NegotiationID, Status: domain.ResolutionResolved, ResolvedBy: "ops",
	})
	assert.True(t, errors.Is(err, domain.ErrSequenceViolation))

	require.NoError(t, eng.DeadlockNegotiation(ctx, c.ID, n.NegotiationID, domain.ReasonIrreconcilable, ""))

	err = eng.ResolveHuman(ctx, c.ID, domain.HumanResolutionPayload{
		NegotiationID: n.NegotiationID, Status: "MAYBE", ResolvedBy: "ops",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	require.NoError(t, eng.ResolveHuman(ctx, c.ID, domain.HumanResolutionPayload{
		NegotiationID: n.NegotiationID, Status: domain.ResolutionResolved, ResolvedBy: "ops", Note: "scope amended",
	}))

	status, err := eng.ReportStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, status, "released but not yet financially approved")
}
