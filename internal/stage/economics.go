package stage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dealnexus/internal/decision"
	"dealnexus/internal/domain"
)

// Economics runs the margin gate inputs: it prices the engagement from the
// feasibility estimate and the client's stated budget, then classifies the
// margin gap. The resulting decision rides on the artifact; the orchestrator
// appends it to the log as its own event.
type Economics struct {
	RunID           string
	ConfidenceFloor float64
	HourlyRate      float64
	PMOverheadPct   float64
	Now             func() time.Time
}

func (e *Economics) Role() string { return domain.RoleEconomics }

func (e *Economics) Run(ctx context.Context, snap Snapshot, src Sources) (domain.ReviewArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReviewArtifact{}, err
	}
	feas, ok := snap.Artifacts[domain.RoleFeasibility]
	if !ok {
		return domain.ReviewArtifact{}, fmt.Errorf("%w: economics requires a feasibility artifact", domain.ErrInvalidInput)
	}
	hours := feas.Metrics["estimated_hours"]
	tier, ok := TierOf(feas)
	if !ok || hours <= 0 {
		return domain.ReviewArtifact{}, fmt.Errorf("%w: feasibility artifact carries no usable estimate", domain.ErrInvalidInput)
	}
	target, err := decision.TargetMargin(tier)
	if err != nil {
		return domain.ReviewArtifact{}, err
	}

	a := newArtifact(e.Role(), e.RunID, e.Now())

	pricingSource := "client_budget"
	budget, found := ParseBudget(src.Transcript + "\n" + src.ClientContext)
	if !found {
		// No stated budget; price at exactly the target margin and say so.
		cost := hours * e.HourlyRate * (1 + e.PMOverheadPct)
		budget = decision.RecommendedContractValue(cost, target)
		pricingSource = "recommended"
		a.Findings = append(a.Findings, fmt.Sprintf("no budget stated; recommending $%.0f at %.0f%% target margin", budget, target*100))
	}

	res, err := decision.ComputeMargin(hours, e.HourlyRate, e.PMOverheadPct, budget)
	if err != nil {
		return domain.ReviewArtifact{}, err
	}
	outcome := decision.ClassifyMarginGap(res.Margin, target)

	a.Metrics["estimated_cost"] = res.ImplementationCost
	a.Metrics["contract_value"] = budget
	a.Metrics["computed_margin"] = res.Margin
	a.Metrics["target_margin"] = target
	a.Flags = append(a.Flags, "tier:"+tier, "outcome:"+outcome, "pricing:"+pricingSource)
	a.Findings = append(a.Findings,
		fmt.Sprintf("implementation cost $%.0f over %.0f hours", res.ImplementationCost, hours),
		fmt.Sprintf("margin %.1f%% against %.0f%% target (%s)", res.Margin*100, target*100, outcome))
	a.Blocking = outcome != decision.OutcomeApproved
	a.Confidence = 0.9
	if pricingSource == "recommended" {
		// The figure is ours, not the client's.
		a.Confidence = 0.45
	}
	a.LowConfidence = a.Confidence < e.ConfidenceFloor
	return a, nil
}

// FinancialDecisionOf reconstructs the typed decision an economics artifact
// carries in its metrics and flags.
func FinancialDecisionOf(a domain.ReviewArtifact) (domain.FinancialDecision, bool) {
	if a.Role != domain.RoleEconomics {
		return domain.FinancialDecision{}, false
	}
	d := domain.FinancialDecision{
		EstimatedCost:  a.Metrics["estimated_cost"],
		ContractValue:  a.Metrics["contract_value"],
		ComputedMargin: a.Metrics["computed_margin"],
		TargetMargin:   a.Metrics["target_margin"],
	}
	for _, f := range a.Flags {
		switch {
		case strings.HasPrefix(f, "tier:"):
			d.Tier = strings.TrimPrefix(f, "tier:")
		case strings.HasPrefix(f, "outcome:"):
			d.Outcome = strings.TrimPrefix(f, "outcome:")
		case strings.HasPrefix(f, "pricing:"):
			d.PricingSource = strings.TrimPrefix(f, "pricing:")
		}
	}
	if d.Outcome == "" || d.ContractValue == 0 {
		return domain.FinancialDecision{}, false
	}
	return d, true
}

var budgetRe = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)\s*([kKmM])?`)

// ParseBudget extracts the largest dollar amount stated in the text.
// "$200,000" and "$80k" both parse; the largest figure wins since transcripts
// often mention line items alongside the total.
func ParseBudget(text string) (float64, bool) {
	var best float64
	found := false
	for _, m := range budgetRe.FindAllStringSubmatch(text, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "k":
			v *= 1_000
		case "m":
			v *= 1_000_000
		}
		if v > best {
			best = v
			found = true
		}
	}
	return best, found
}
