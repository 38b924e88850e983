// Package pipeline runs the full assessment for one case: targeting first,
// feasibility and compliance in parallel, negotiations over every blocking
// risk, the margin gate, then synthesis. The gate is hard: synthesis never
// runs while the gate is unsatisfied.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealnexus/internal/domain"
	"dealnexus/internal/engine"
	"dealnexus/internal/escalate"
	"dealnexus/internal/knowledge"
	"dealnexus/internal/negotiation"
	"dealnexus/internal/stage"
)

// Result summarizes one pipeline run.
type Result struct {
	CaseID       string                    `json:"case_id"`
	RunID        string                    `json:"run_id"`
	Status       string                    `json:"status"`
	Negotiations []negotiation.Outcome     `json:"negotiations,omitempty"`
	Financial    *domain.FinancialDecision `json:"financial,omitempty"`
	Halted       bool                      `json:"halted"`
	HaltReason   string                    `json:"halt_reason,omitempty"`
}

// Orchestrator wires the stage runners, the negotiation coordinator and the
// escalation channel around one engine.
type Orchestrator struct {
	Engine    *engine.Engine
	Knowledge *knowledge.Set
	Responder negotiation.Responder
	Notifier  escalate.Notifier
	Now       func() time.Time
}

func New(eng *engine.Engine, kb *knowledge.Set) *Orchestrator {
	return &Orchestrator{
		Engine:    eng,
		Knowledge: kb,
		Responder: negotiation.AutoResponder{},
		Notifier:  escalate.Discard{},
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

type stepResult struct {
	role     string
	artifact domain.ReviewArtifact
	err      error
}

// Run executes the pipeline for a case. A blocked gate returns the partial
// result together with ErrGateBlocked; the log keeps everything appended up
// to the halt.
func (o *Orchestrator) Run(ctx context.Context, caseID, transcript, clientContext string) (Result, error) {
	runID := uuid.NewString()
	res := Result{CaseID: caseID, RunID: runID}

	c, err := o.Engine.Repo.GetCase(ctx, caseID)
	if err != nil {
		return res, err
	}
	floor := o.Engine.Config.Pipeline.ConfidenceFloor
	src := stage.Sources{Transcript: transcript, ClientContext: clientContext, Knowledge: o.Knowledge}
	snap := stage.Snapshot{Case: c, Artifacts: map[string]domain.ReviewArtifact{}}

	// Step A: targeting alone.
	targeting := &stage.Targeting{RunID: runID, ConfidenceFloor: floor, Now: o.now}
	if err := o.runAndAppend(ctx, targeting, &snap, src); err != nil {
		return res, err
	}

	// Step B: feasibility and compliance fan out; artifacts are appended
	// after fan-in in fixed role order so the log stays deterministic.
	stepB := []stage.Runner{
		&stage.Feasibility{RunID: runID, ConfidenceFloor: floor, Now: o.now},
		&stage.Compliance{RunID: runID, ConfidenceFloor: floor, Now: o.now},
	}
	results := make([]stepResult, len(stepB))
	var wg sync.WaitGroup
	for i, r := range stepB {
		wg.Add(1)
		go func(i int, r stage.Runner) {
			defer wg.Done()
			a, err := r.Run(ctx, snap, src)
			results[i] = stepResult{role: r.Role(), artifact: a, err: err}
		}(i, r)
	}
	wg.Wait()
	for _, sr := range results {
		if sr.err != nil {
			return res, fmt.Errorf("%s stage: %w", sr.role, sr.err)
		}
	}
	for _, sr := range results {
		if _, err := o.Engine.AppendStageCompleted(ctx, caseID, sr.artifact); err != nil {
			return res, err
		}
		snap.Artifacts[sr.role] = sr.artifact
	}

	// Negotiate every blocking risk; distinct entities run concurrently.
	if compliance := snap.Artifacts[domain.RoleCompliance]; compliance.Blocking {
		res.Negotiations, err = o.negotiate(ctx, caseID, compliance.Risks)
		if err != nil {
			return res, err
		}
	}

	// Step C: economics and the financial decision.
	economics := &stage.Economics{
		RunID:           runID,
		ConfidenceFloor: floor,
		HourlyRate:      o.Engine.Config.Finance.HourlyRate,
		PMOverheadPct:   o.Engine.Config.Finance.PMOverheadPct,
		Now:             o.now,
	}
	if err := o.runAndAppend(ctx, economics, &snap, src); err != nil {
		return res, err
	}
	decisionOf, ok := stage.FinancialDecisionOf(snap.Artifacts[domain.RoleEconomics])
	if !ok {
		return res, fmt.Errorf("%w: economics artifact carries no decision", domain.ErrInvalidInput)
	}
	if _, err := o.Engine.RecordFinancialDecision(ctx, caseID, decisionOf); err != nil {
		return res, err
	}
	res.Financial = &decisionOf

	// The gate: financial approval plus no negotiation awaiting a human.
	// The pending check runs over the replayed log, so deadlocks from earlier
	// runs or the API boundary block synthesis the same as this run's.
	view, err := o.Engine.View(ctx, caseID)
	if err != nil {
		return res, err
	}
	if reason := o.gateBlockReason(decisionOf, res.Negotiations, view.Pending); reason != "" {
		res.Halted = true
		res.HaltReason = reason
		res.Status = view.Status
		notice := escalate.Notice{CaseID: caseID, Reason: "gate_blocked", Detail: reason, At: o.now()}
		if nerr := o.Notifier.Notify(ctx, notice); nerr != nil {
			return res, nerr
		}
		return res, fmt.Errorf("%w: %s", domain.ErrGateBlocked, reason)
	}

	// Step D: synthesis, only past the gate.
	synthesis := &stage.Synthesis{RunID: runID, ConfidenceFloor: floor, Now: o.now}
	if err := o.runAndAppend(ctx, synthesis, &snap, src); err != nil {
		return res, err
	}

	res.Status, err = o.Engine.ReportStatus(ctx, caseID)
	return res, err
}

func (o *Orchestrator) runAndAppend(ctx context.Context, r stage.Runner, snap *stage.Snapshot, src stage.Sources) error {
	a, err := r.Run(ctx, *snap, src)
	if err != nil {
		return fmt.Errorf("%s stage: %w", r.Role(), err)
	}
	if _, err := o.Engine.AppendStageCompleted(ctx, snap.Case.ID, a); err != nil {
		return err
	}
	snap.Artifacts[r.Role()] = a
	return nil
}

func (o *Orchestrator) negotiate(ctx context.Context, caseID string, risks []domain.Risk) ([]negotiation.Outcome, error) {
	coord := &negotiation.Coordinator{Engine: o.Engine, Responder: o.Responder}
	outcomes := make([]negotiation.Outcome, len(risks))
	errs := make([]error, len(risks))
	var wg sync.WaitGroup
	for i, r := range risks {
		wg.Add(1)
		go func(i int, r domain.Risk) {
			defer wg.Done()
			outcomes[i], errs[i] = coord.Run(ctx, caseID, r)
		}(i, r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].RiskID < outcomes[j].RiskID })
	for _, out := range outcomes {
		if out.Status == domain.NegotiationDeadlock || out.Status == domain.NegotiationTimeout {
			notice := escalate.Notice{
				CaseID:        caseID,
				NegotiationID: out.NegotiationID,
				RiskID:        out.RiskID,
				Reason:        out.Reason,
				At:            o.now(),
			}
			if err := o.Notifier.Notify(ctx, notice); err != nil {
				return outcomes, err
			}
		}
	}
	return outcomes, nil
}

func (o *Orchestrator) gateBlockReason(d domain.FinancialDecision, outcomes []negotiation.Outcome, pending []string) string {
	for _, out := range outcomes {
		if out.Status == domain.NegotiationDeadlock || out.Status == domain.NegotiationTimeout {
			return fmt.Sprintf("negotiation %s %s (%s) awaits human resolution", out.NegotiationID, out.Status, out.Reason)
		}
	}
	if len(pending) > 0 {
		ids := append([]string(nil), pending...)
		sort.Strings(ids)
		return fmt.Sprintf("negotiations awaiting human resolution: %s", strings.Join(ids, ", "))
	}
	if d.Outcome != "approved" {
		return fmt.Sprintf("financial outcome %s; margin %.1f%% below %.0f%% target", d.Outcome, d.ComputedMargin*100, d.TargetMargin*100)
	}
	return ""
}
