// Package report derives case state from the event log. Everything here is a
// pure projection: no caching, no hidden counters, same log in, same state
// out. Replay also audits the log and refuses to proceed past corruption.
package report

import (
	"encoding/json"
	"fmt"

	"dealnexus/internal/domain"
)

// CaseState is the full projection of one case's event log.
type CaseState struct {
	// Artifacts holds the latest review artifact per role. A re-run
	// replaces, never duplicates, the prior artifact for that role.
	Artifacts map[string]domain.ReviewArtifact `json:"artifacts"`
	// Risks indexes every risk ever raised, by risk ID.
	Risks map[string]domain.Risk `json:"risks"`
	// Negotiations indexes negotiations by negotiation ID.
	Negotiations map[string]domain.Negotiation `json:"negotiations"`
	// Financial is the latest financial decision, nil before the first.
	Financial *domain.FinancialDecision `json:"financial,omitempty"`
	// pending tracks negotiation IDs whose terminal DEADLOCK/TIMEOUT has no
	// following HumanResolution{RESOLVED}.
	pending map[string]bool
	// byRisk maps risk ID to its most recent negotiation ID.
	byRisk map[string]string
}

// PendingInterventions lists negotiation IDs awaiting human resolution.
func (s *CaseState) PendingInterventions() []string {
	var ids []string
	for _, n := range s.Negotiations {
		if s.pending[n.NegotiationID] {
			ids = append(ids, n.NegotiationID)
		}
	}
	return ids
}

// NegotiationForRisk returns the most recent negotiation over a risk.
func (s *CaseState) NegotiationForRisk(riskID string) (domain.Negotiation, bool) {
	id, ok := s.byRisk[riskID]
	if !ok {
		return domain.Negotiation{}, false
	}
	n, ok := s.Negotiations[id]
	return n, ok
}

func newCaseState() *CaseState {
	return &CaseState{
		Artifacts:    map[string]domain.ReviewArtifact{},
		Risks:        map[string]domain.Risk{},
		Negotiations: map[string]domain.Negotiation{},
		pending:      map[string]bool{},
		byRisk:       map[string]string{},
	}
}

func corrupt(seq int64, format string, args ...any) error {
	return fmt.Errorf("%w: event %d: %s", domain.ErrIrrecoverable, seq, fmt.Sprintf(format, args...))
}

// Replay folds the ordered event log into a CaseState. Any ordering
// violation, unknown kind, or malformed payload halts processing for the case
// with ErrIrrecoverable; the log is never auto-repaired.
func Replay(events []domain.Event) (*CaseState, error) {
	state := newCaseState()
	var prevSeq int64
	for _, e := range events {
		if e.Seq != prevSeq+1 {
			return nil, corrupt(e.Seq, "sequence gap after %d", prevSeq)
		}
		prevSeq = e.Seq
		if err := apply(state, e); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func apply(state *CaseState, e domain.Event) error {
	switch e.Kind {
	case domain.KindStageCompleted:
		var p domain.StageCompletedPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return corrupt(e.Seq, "stage payload: %v", err)
		}
		state.Artifacts[p.Artifact.Role] = p.Artifact
		for _, r := range p.Artifact.Risks {
			state.Risks[r.RiskID] = r
		}

	case domain.KindNegotiationTurn:
		var p domain.NegotiationTurnPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return corrupt(e.Seq, "turn payload: %v", err)
		}
		n, exists := state.Negotiations[p.NegotiationID]
		if !exists {
			if p.Turn != 1 {
				return corrupt(e.Seq, "negotiation %s opened at turn %d", p.NegotiationID, p.Turn)
			}
			if prior, open := state.openForRisk(p.RiskID); open {
				return corrupt(e.Seq, "risk %s already under negotiation %s", p.RiskID, prior)
			}
			if p.Risk != nil {
				state.Risks[p.Risk.RiskID] = *p.Risk
			}
			state.Negotiations[p.NegotiationID] = domain.Negotiation{
				NegotiationID: p.NegotiationID,
				RiskID:        p.RiskID,
				Initiator:     p.Initiator,
				Responder:     p.Responder,
				Turn:          1,
				Status:        domain.NegotiationNegotiating,
				DeadlineAt:    p.DeadlineAt,
			}
			state.byRisk[p.RiskID] = p.NegotiationID
			return nil
		}
		if n.Status != domain.NegotiationNegotiating {
			return corrupt(e.Seq, "turn on terminal negotiation %s", p.NegotiationID)
		}
		if p.Turn != n.Turn+1 || p.Turn > domain.MaxTurns {
			return corrupt(e.Seq, "negotiation %s turn %d after turn %d", p.NegotiationID, p.Turn, n.Turn)
		}
		n.Turn = p.Turn
		if p.DeadlineAt != "" {
			n.DeadlineAt = p.DeadlineAt
		}
		state.Negotiations[p.NegotiationID] = n

	case domain.KindNegotiationResolved:
		var p domain.NegotiationResolvedPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return corrupt(e.Seq, "resolved payload: %v", err)
		}
		n, err := state.negotiating(e.Seq, p.NegotiationID)
		if err != nil {
			return err
		}
		n.Status = domain.NegotiationResolved
		n.Mitigation = p.Mitigation
		state.Negotiations[p.NegotiationID] = n

	case domain.KindNegotiationDeadlocked:
		var p domain.NegotiationDeadlockedPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return corrupt(e.Seq, "deadlocked payload: %v", err)
		}
		n, err := state.negotiating(e.Seq, p.NegotiationID)
		if err != nil {
			return err
		}
		n.Status = domain.NegotiationDeadlock
		if p.Reason == domain.ReasonTimeout {
			n.Status = domain.NegotiationTimeout
		}
		n.Reason = p.Reason
		state.Negotiations[p.NegotiationID] = n
		state.pending[p.NegotiationID] = true

	case domain.KindFinancialDecision:
		var p domain.FinancialDecisionPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return corrupt(e.Seq, "financial payload: %v", err)
		}
		d := p.Decision
		state.Financial = &d

	case domain.KindHumanResolution:
		var p domain.HumanResolutionPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return corrupt(e.Seq, "resolution payload: %v", err)
		}
		if _, ok := state.Negotiations[p.NegotiationID]; !ok {
			return corrupt(e.Seq, "resolution for unknown negotiation %s", p.NegotiationID)
		}
		if p.Status == domain.ResolutionResolved {
			delete(state.pending, p.NegotiationID)
		}

	default:
		return corrupt(e.Seq, "unknown event kind %q", e.Kind)
	}
	return nil
}

func (s *CaseState) negotiating(seq int64, id string) (domain.Negotiation, error) {
	n, ok := s.Negotiations[id]
	if !ok {
		return n, corrupt(seq, "terminal event for unknown negotiation %s", id)
	}
	if n.Status != domain.NegotiationNegotiating {
		// Terminal statuses are one-way; a second terminal event means the
		// writers disagreed about the log.
		return n, corrupt(seq, "negotiation %s already terminal (%s)", id, n.Status)
	}
	return n, nil
}

func (s *CaseState) openForRisk(riskID string) (string, bool) {
	id, ok := s.byRisk[riskID]
	if !ok {
		return "", false
	}
	n := s.Negotiations[id]
	return id, n.Status == domain.NegotiationNegotiating
}

// Status resolves the case's publishable state from its log:
//
//	any DEADLOCK/TIMEOUT without a following HumanResolution{RESOLVED}
//	  -> PENDING_INTERVENTION
//	latest FinancialDecision approved and every required role has an artifact
//	  -> APPROVED
//	otherwise -> DRAFT
//
// Idempotent by construction: the same log always yields the same status.
func Status(events []domain.Event, requiredRoles []string) (string, error) {
	state, err := Replay(events)
	if err != nil {
		return "", err
	}
	return state.Status(requiredRoles), nil
}

// Status computes the report status from an already-replayed state.
func (s *CaseState) Status(requiredRoles []string) string {
	if len(s.pending) > 0 {
		return domain.StatusPendingIntervention
	}
	if s.Financial == nil || s.Financial.Outcome != "approved" {
		return domain.StatusDraft
	}
	for _, role := range requiredRoles {
		if _, ok := s.Artifacts[role]; !ok {
			return domain.StatusDraft
		}
	}
	return domain.StatusApproved
}
