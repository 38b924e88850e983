// Package negotiation drives the bounded mitigation protocol over a flagged
// risk. Three logical turns, then the coordinator settles the outcome itself;
// a negotiation cannot stay open past its budget.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dealnexus/internal/decision"
	"dealnexus/internal/domain"
	"dealnexus/internal/engine"
)

// Proposal is the responder's turn-2 answer: the mitigation it accepts and
// the fields it agrees to exclude from scope.
type Proposal struct {
	Mitigation     string   `json:"mitigation"`
	ExclusionScope []string `json:"exclusion_scope,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// Responder supplies the counterparty's side of a negotiation. It must honor
// ctx; the coordinator cancels it at the turn deadline.
type Responder interface {
	Respond(ctx context.Context, risk domain.Risk, acceptable []string) (Proposal, error)
}

// Outcome is the settled end state of one negotiation.
type Outcome struct {
	NegotiationID string `json:"negotiation_id"`
	RiskID        string `json:"risk_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Mitigation    string `json:"mitigation,omitempty"`
	Turn          int    `json:"turn"`
}

// Coordinator serializes negotiations per affected entity and walks each one
// to a terminal state. Distinct entities may negotiate concurrently; two
// risks over the same entity never interleave.
type Coordinator struct {
	Engine    *engine.Engine
	Responder Responder
	// TurnTimeout bounds the wall-clock wait for the responder. Zero means
	// use the engine config.
	TurnTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (c *Coordinator) entityLock(entity string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == nil {
		c.locks = map[string]*sync.Mutex{}
	}
	l, ok := c.locks[entity]
	if !ok {
		l = &sync.Mutex{}
		c.locks[entity] = l
	}
	return l
}

func (c *Coordinator) timeout() time.Duration {
	if c.TurnTimeout > 0 {
		return c.TurnTimeout
	}
	return c.Engine.Config.TurnTimeout()
}

// Run negotiates one risk to completion. The initiator is the role that
// raised the risk; the responder represents the client side.
func (c *Coordinator) Run(ctx context.Context, caseID string, risk domain.Risk) (Outcome, error) {
	lock := c.entityLock(risk.AffectedEntity)
	lock.Lock()
	defer lock.Unlock()

	initiator := risk.RaisedBy
	if initiator == "" {
		initiator = domain.RoleCompliance
	}

	// Turn 1: state the risk and the policy-allowed mitigations.
	n, err := c.Engine.OpenNegotiation(ctx, caseID, risk, initiator, "client")
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{NegotiationID: n.NegotiationID, RiskID: risk.RiskID, Turn: 1}

	if decision.Irreconcilable(risk) {
		// No acceptable mitigation can exist; do not burn turns pretending.
		if err := c.Engine.DeadlockNegotiation(ctx, caseID, n.NegotiationID, domain.ReasonIrreconcilable,
			"client requires the flagged data itself"); err != nil {
			return out, err
		}
		out.Status = domain.NegotiationDeadlock
		out.Reason = domain.ReasonIrreconcilable
		return out, nil
	}

	// Turn 2: the responder proposes within the allowed set.
	acceptable := decision.AcceptableMitigations(risk.Category)
	proposal, err := c.respond(ctx, risk, acceptable)
	if err != nil {
		detail := fmt.Sprintf("responder did not answer turn 2: %v", err)
		if dlErr := c.Engine.DeadlockNegotiation(ctx, caseID, n.NegotiationID, domain.ReasonTimeout, detail); dlErr != nil {
			return out, dlErr
		}
		out.Status = domain.NegotiationTimeout
		out.Reason = domain.ReasonTimeout
		return out, nil
	}
	n, err = c.Engine.SubmitTurn(ctx, caseID, domain.NegotiationTurnPayload{
		NegotiationID:      n.NegotiationID,
		Turn:               2,
		ProposedMitigation: proposal.Mitigation,
		ExclusionScope:     proposal.ExclusionScope,
		Note:               proposal.Note,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			out.Status = domain.NegotiationTimeout
			out.Reason = domain.ReasonTimeout
			out.Turn = n.Turn
			return out, nil
		}
		return out, err
	}
	out.Turn = 2

	// Turn 3: final review against the compliance matrix and scope coverage.
	ok, note := c.review(risk, acceptable, proposal)
	n, err = c.Engine.SubmitTurn(ctx, caseID, domain.NegotiationTurnPayload{
		NegotiationID: n.NegotiationID,
		Turn:          3,
		Initiator:     initiator,
		Note:          note,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			out.Status = domain.NegotiationTimeout
			out.Reason = domain.ReasonTimeout
			out.Turn = n.Turn
			return out, nil
		}
		return out, err
	}
	out.Turn = 3

	if ok {
		if err := c.Engine.ResolveNegotiation(ctx, caseID, n.NegotiationID, proposal.Mitigation); err != nil {
			return out, err
		}
		out.Status = domain.NegotiationResolved
		out.Mitigation = proposal.Mitigation
		return out, nil
	}
	if err := c.Engine.DeadlockNegotiation(ctx, caseID, n.NegotiationID, domain.ReasonTurnsExhausted, note); err != nil {
		return out, err
	}
	out.Status = domain.NegotiationDeadlock
	out.Reason = domain.ReasonTurnsExhausted
	return out, nil
}

func (c *Coordinator) respond(ctx context.Context, risk domain.Risk, acceptable []string) (Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	type result struct {
		p   Proposal
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := c.Responder.Respond(ctx, risk, acceptable)
		ch <- result{p, err}
	}()
	select {
	case r := <-ch:
		return r.p, r.err
	case <-ctx.Done():
		return Proposal{}, ctx.Err()
	}
}

// review checks the proposal on the final turn: allowed mitigation, both
// compliance checks, and an exclusion scope covering every flagged field.
func (c *Coordinator) review(risk domain.Risk, acceptable []string, p Proposal) (bool, string) {
	allowed := false
	for _, m := range acceptable {
		if m == p.Mitigation {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, fmt.Sprintf("proposed mitigation %q is outside the acceptable set", p.Mitigation)
	}
	checks := decision.ValidateMitigation(p.Mitigation, risk.Category)
	if !checks.SatisfiesMinimization || !checks.SatisfiesLeastPrivilege {
		return false, fmt.Sprintf("mitigation %q fails compliance checks for %s", p.Mitigation, risk.Category)
	}
	covered := map[string]bool{}
	for _, f := range p.ExclusionScope {
		covered[f] = true
	}
	for _, f := range risk.FlaggedElements {
		if !covered[f] {
			return false, fmt.Sprintf("exclusion scope does not cover flagged field %q", f)
		}
	}
	return true, fmt.Sprintf("mitigation %q accepted; all flagged fields excluded", p.Mitigation)
}

// AutoResponder is the built-in deterministic counterparty: it proposes the
// mitigation the decision tree selects and agrees to exclude every flagged
// field the client does not insist on keeping.
type AutoResponder struct{}

func (AutoResponder) Respond(ctx context.Context, risk domain.Risk, acceptable []string) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	p := Proposal{Mitigation: decision.SelectMitigation(risk.Category, risk.Data)}
	if !risk.Data.PIIRequiredByClient {
		p.ExclusionScope = append([]string(nil), risk.FlaggedElements...)
		p.Note = "agreed to exclude all flagged fields"
	} else {
		p.Note = "client requires the flagged fields and declines exclusion"
	}
	return p, nil
}
