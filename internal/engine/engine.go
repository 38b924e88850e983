// Package engine is the transactional core. Every operation runs in its own
// transaction: validate against an in-transaction replay of the log, append
// the event, commit. Rejected inputs never touch the log.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealnexus/internal/config"
	"dealnexus/internal/decision"
	"dealnexus/internal/domain"
	"dealnexus/internal/events"
	"dealnexus/internal/report"
	"dealnexus/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateCase opens a new case row. The ID defaults to a fresh UUID.
func (e *Engine) CreateCase(ctx context.Context, id, client string) (domain.Case, error) {
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Case{
		ID:        id,
		Client:    client,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return c, fmt.Errorf("insert case: %w", err)
	}
	return c, tx.Commit()
}

// replayTx loads and replays the case log inside an open transaction, so
// validations see exactly the snapshot they will append against.
func (e *Engine) replayTx(ctx context.Context, tx *sql.Tx, caseID string) (*report.CaseState, error) {
	evs, err := e.Repo.ListEventsTx(ctx, tx, caseID)
	if err != nil {
		return nil, err
	}
	return report.Replay(evs)
}

// AppendStageCompleted records a runner's artifact. A later run for the same
// role appends a fresh event; projections keep the latest per role.
func (e *Engine) AppendStageCompleted(ctx context.Context, caseID string, a domain.ReviewArtifact) (int64, error) {
	if a.Role == "" || a.RunID == "" {
		return 0, fmt.Errorf("%w: artifact needs role and run id", domain.ErrInvalidInput)
	}
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	seq, err := e.Events.Append(ctx, tx, caseID, a.Role, domain.KindStageCompleted, domain.StageCompletedPayload{Artifact: a})
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// OpenNegotiation starts turn 1 over a risk: the initiator states the risk
// and the fixed set of acceptable mitigations. At most one negotiation may
// exist per risk; reopening a settled one is a sequence violation.
func (e *Engine) OpenNegotiation(ctx context.Context, caseID string, r domain.Risk, initiator, responder string) (domain.Negotiation, error) {
	var n domain.Negotiation
	if r.RiskID == "" || r.Category == "" {
		return n, fmt.Errorf("%w: risk needs id and category", domain.ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()
	state, err := e.replayTx(ctx, tx, caseID)
	if err != nil {
		return n, err
	}
	if prior, ok := state.NegotiationForRisk(r.RiskID); ok {
		return n, fmt.Errorf("%w: risk %s already negotiated as %s (%s)", domain.ErrSequenceViolation, r.RiskID, prior.NegotiationID, prior.Status)
	}

	deadline := e.now().Add(e.Config.TurnTimeout()).UTC().Format(time.RFC3339)
	n = domain.Negotiation{
		NegotiationID: uuid.NewString(),
		RiskID:        r.RiskID,
		Initiator:     initiator,
		Responder:     responder,
		Turn:          1,
		Status:        domain.NegotiationNegotiating,
		DeadlineAt:    deadline,
	}
	payload := domain.NegotiationTurnPayload{
		NegotiationID:         n.NegotiationID,
		RiskID:                r.RiskID,
		Turn:                  1,
		Initiator:             initiator,
		Responder:             responder,
		DeadlineAt:            deadline,
		Risk:                  &r,
		AcceptableMitigations: decision.AcceptableMitigations(r.Category),
	}
	if _, err := e.Events.Append(ctx, tx, caseID, initiator, domain.KindNegotiationTurn, payload); err != nil {
		return n, err
	}
	return n, tx.Commit()
}

// SubmitTurn records the next turn of an open negotiation. Turns must arrive
// strictly in order; a late turn forces the negotiation to DEADLOCK with
// reason timeout and reports ErrTimeout to the caller.
func (e *Engine) SubmitTurn(ctx context.Context, caseID string, p domain.NegotiationTurnPayload) (domain.Negotiation, error) {
	var zero domain.Negotiation
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()
	state, err := e.replayTx(ctx, tx, caseID)
	if err != nil {
		return zero, err
	}
	n, ok := state.Negotiations[p.NegotiationID]
	if !ok {
		return zero, fmt.Errorf("%w: unknown negotiation %s", domain.ErrInvalidInput, p.NegotiationID)
	}
	if n.Status != domain.NegotiationNegotiating {
		return zero, fmt.Errorf("%w: negotiation %s is %s", domain.ErrSequenceViolation, n.NegotiationID, n.Status)
	}

	now := e.now()
	if n.DeadlineAt != "" {
		deadline, perr := time.Parse(time.RFC3339, n.DeadlineAt)
		if perr == nil && now.After(deadline) {
			dl := domain.NegotiationDeadlockedPayload{
				NegotiationID: n.NegotiationID,
				RiskID:        n.RiskID,
				Reason:        domain.ReasonTimeout,
				Turn:          n.Turn,
				Detail:        fmt.Sprintf("turn %d missed its %s deadline", n.Turn+1, n.DeadlineAt),
			}
			source := p.Initiator
			if source == "" {
				source = n.Initiator
			}
			if _, err := e.Events.Append(ctx, tx, caseID, source, domain.KindNegotiationDeadlocked, dl); err != nil {
				return zero, err
			}
			if err := tx.Commit(); err != nil {
				return zero, err
			}
			n.Status = domain.NegotiationTimeout
			n.Reason = domain.ReasonTimeout
			return n, fmt.Errorf("%w: negotiation %s", domain.ErrTimeout, n.NegotiationID)
		}
	}

	if p.Turn != n.Turn+1 || p.Turn > domain.MaxTurns {
		return zero, fmt.Errorf("%w: turn %d after turn %d of %d", domain.ErrSequenceViolation, p.Turn, n.Turn, domain.MaxTurns)
	}
	p.RiskID = n.RiskID
	p.DeadlineAt = now.Add(e.Config.TurnTimeout()).UTC().Format(time.RFC3339)
	source := p.Initiator
	if source == "" {
		source = n.Responder
	}
	if _, err := e.Events.Append(ctx, tx, caseID, source, domain.KindNegotiationTurn, p); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	n.Turn = p.Turn
	n.DeadlineAt = p.DeadlineAt
	return n, nil
}

// ResolveNegotiation closes a negotiation with an agreed mitigation.
func (e *Engine) ResolveNegotiation(ctx context.Context, caseID, negotiationID, mitigation string) error {
	if mitigation == "" {
		return fmt.Errorf("%w: mitigation is required", domain.ErrInvalidInput)
	}
	return e.closeNegotiation(ctx, caseID, negotiationID, func(n domain.Negotiation) (string, any) {
		return domain.KindNegotiationResolved, domain.NegotiationResolvedPayload{
			NegotiationID: n.NegotiationID,
			RiskID:        n.RiskID,
			Mitigation:    mitigation,
			Turn:          n.Turn,
		}
	})
}

// DeadlockNegotiation closes a negotiation without agreement.
func (e *Engine) DeadlockNegotiation(ctx context.Context, caseID, negotiationID, reason, detail string) error {
	switch reason {
	case domain.ReasonIrreconcilable, domain.ReasonTurnsExhausted, domain.ReasonTimeout:
	default:
		return fmt.Errorf("%w: unknown deadlock reason %q", domain.ErrInvalidInput, reason)
	}
	return e.closeNegotiation(ctx, caseID, negotiationID, func(n domain.Negotiation) (string, any) {
		return domain.KindNegotiationDeadlocked, domain.NegotiationDeadlockedPayload{
			NegotiationID: n.NegotiationID,
			RiskID:        n.RiskID,
			Reason:        reason,
			Turn:          n.Turn,
			Detail:        detail,
		}
	})
}

func (e *Engine) closeNegotiation(ctx context.Context, caseID, negotiationID string, terminal func(domain.Negotiation) (string, any)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	state, err := e.replayTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	n, ok := state.Negotiations[negotiationID]
	if !ok {
		return fmt.Errorf("%w: unknown negotiation %s", domain.ErrInvalidInput, negotiationID)
	}
	if n.Status != domain.NegotiationNegotiating {
		return fmt.Errorf("%w: negotiation %s is already %s", domain.ErrSequenceViolation, negotiationID, n.Status)
	}
	kind, payload := terminal(n)
	if _, err := e.Events.Append(ctx, tx, caseID, n.Initiator, kind, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordFinancialDecision validates and appends the margin-gate outcome.
// Inconsistent figures are rejected before anything is written.
func (e *Engine) RecordFinancialDecision(ctx context.Context, caseID string, d domain.FinancialDecision) (int64, error) {
	if d.ContractValue <= 0 {
		return 0, fmt.Errorf("%w: contract value must be positive", domain.ErrInvalidInput)
	}
	if d.EstimatedCost < 0 {
		return 0, fmt.Errorf("%w: estimated cost must not be negative", domain.ErrInvalidInput)
	}
	if _, err := decision.TargetMargin(d.Tier); err != nil {
		return 0, err
	}
	switch d.Outcome {
	case decision.OutcomeApproved, decision.OutcomeTimelineAdjustment, decision.OutcomeScopeReduction,
		decision.OutcomePricingAdjustment, decision.OutcomeRejected:
	default:
		return 0, fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidInput, d.Outcome)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	seq, err := e.Events.Append(ctx, tx, caseID, domain.RoleEconomics, domain.KindFinancialDecision, domain.FinancialDecisionPayload{Decision: d})
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

// ResolveHuman records an operator's disposition of a deadlocked negotiation.
// RESOLVED releases the case; DISMISSED is recorded but keeps it pinned.
func (e *Engine) ResolveHuman(ctx context.Context, caseID string, p domain.HumanResolutionPayload) error {
	if p.Status != domain.ResolutionResolved && p.Status != domain.ResolutionDismissed {
		return fmt.Errorf("%w: status must be %s or %s", domain.ErrInvalidInput, domain.ResolutionResolved, domain.ResolutionDismissed)
	}
	if p.ResolvedBy == "" {
		return fmt.Errorf("%w: resolved_by is required", domain.ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	state, err := e.replayTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	n, ok := state.Negotiations[p.NegotiationID]
	if !ok {
		return fmt.Errorf("%w: unknown negotiation %s", domain.ErrInvalidInput, p.NegotiationID)
	}
	if n.Status != domain.NegotiationDeadlock && n.Status != domain.NegotiationTimeout {
		return fmt.Errorf("%w: negotiation %s is %s, not awaiting intervention", domain.ErrSequenceViolation, p.NegotiationID, n.Status)
	}
	if _, err := e.Events.Append(ctx, tx, caseID, "human", domain.KindHumanResolution, p); err != nil {
		return err
	}
	return tx.Commit()
}

// CaseView bundles the case row with its replayed state and derived status.
type CaseView struct {
	Case    domain.Case       `json:"case"`
	State   *report.CaseState `json:"state"`
	Status  string            `json:"status"`
	Pending []string          `json:"pending_interventions,omitempty"`
}

// View replays the committed log into a full case view.
func (e *Engine) View(ctx context.Context, caseID string) (CaseView, error) {
	var v CaseView
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return v, err
	}
	evs, err := e.Repo.ListEvents(ctx, caseID)
	if err != nil {
		return v, err
	}
	state, err := report.Replay(evs)
	if err != nil {
		return v, err
	}
	v.Case = c
	v.State = state
	v.Status = state.Status(e.Config.Pipeline.RequiredRoles)
	v.Pending = state.PendingInterventions()
	return v, nil
}

// ReportStatus derives the case's publishable status from its log.
func (e *Engine) ReportStatus(ctx context.Context, caseID string) (string, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return "", err
	}
	evs, err := e.Repo.ListEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	return report.Status(evs, e.Config.Pipeline.RequiredRoles)
}
