// Package decision is the pure rule library for the assessment pipeline:
// margin calculation, margin-gap classification, mitigation selection and
// validation. Every function is total and deterministic, with no I/O. The
// negotiation coordinator and the orchestrator call in here exclusively and
// never recompute these rules themselves.
package decision

import (
	"fmt"

	"dealnexus/internal/domain"
)

// Financial outcomes, from best to worst.
const (
	OutcomeApproved           = "approved"
	OutcomeTimelineAdjustment = "timeline_adjustment"
	OutcomeScopeReduction     = "scope_reduction"
	OutcomePricingAdjustment  = "pricing_adjustment"
	OutcomeRejected           = "rejected"
)

// Implementation tiers.
const (
	TierStandard      = "standard"
	TierConfiguration = "configuration"
	TierCustomization = "customization"
	TierCustomBuild   = "custom_build"
)

// targetMargins is the fixed gross-margin target per implementation tier.
var targetMargins = map[string]float64{
	TierStandard:      0.65,
	TierConfiguration: 0.55,
	TierCustomization: 0.45,
	TierCustomBuild:   0.35,
}

// Mitigation types.
const (
	MitigationFieldRedaction  = "field_redaction"
	MitigationFilteredSQLView = "filtered_sql_view"
	MitigationSyntheticData   = "synthetic_data_generation"
	MitigationDataMasking     = "data_masking"
)

// Risk categories.
const (
	CategoryPIIExposure     = "pii_exposure"
	CategoryAccessScope     = "access_scope"
	CategoryDataResidency   = "data_residency"
	CategoryDevTestExposure = "dev_test_exposure"
)

// MarginResult is the output of ComputeMargin.
type MarginResult struct {
	ImplementationCost float64 `json:"implementation_cost"`
	Margin             float64 `json:"margin"`
}

// ComputeMargin derives implementation cost and gross margin.
//
//	implementationCost = hours * hourlyRate * (1 + pmOverheadPct)
//	margin = (contractValue - implementationCost) / contractValue
func ComputeMargin(hours, hourlyRate, pmOverheadPct, contractValue float64) (MarginResult, error) {
	if contractValue <= 0 {
		return MarginResult{}, fmt.Errorf("%w: contract value must be positive, got %v", domain.ErrInvalidInput, contractValue)
	}
	if hours < 0 || hourlyRate < 0 || pmOverheadPct < 0 {
		return MarginResult{}, fmt.Errorf("%w: hours, rate and overhead must not be negative", domain.ErrInvalidInput)
	}
	cost := hours * hourlyRate * (1 + pmOverheadPct)
	return MarginResult{
		ImplementationCost: cost,
		Margin:             (contractValue - cost) / contractValue,
	}, nil
}

// TargetMargin looks up the fixed target for an implementation tier.
func TargetMargin(tier string) (float64, error) {
	target, ok := targetMargins[tier]
	if !ok {
		return 0, fmt.Errorf("%w: unknown implementation tier %q", domain.ErrInvalidInput, tier)
	}
	return target, nil
}

// ClassifyMarginGap maps a margin shortfall to a financial outcome. Rules are
// evaluated top-down, first match wins; the gap bands use an inclusive lower
// edge so the five outcomes partition the domain with no overlap.
func ClassifyMarginGap(margin, targetMargin float64) string {
	if margin >= targetMargin {
		return OutcomeApproved
	}
	gap := targetMargin - margin
	switch {
	case gap <= 0.05:
		return OutcomeTimelineAdjustment
	case gap <= 0.10:
		return OutcomeScopeReduction
	case gap <= 0.15:
		return OutcomePricingAdjustment
	default:
		return OutcomeRejected
	}
}

// RecommendedContractValue prices an engagement at exactly the target margin
// when the client stated no budget.
func RecommendedContractValue(implementationCost, targetMargin float64) float64 {
	return implementationCost / (1 - targetMargin)
}

// SelectMitigation walks the fixed decision tree over the data
// characteristics. Same inputs always yield the same mitigation.
func SelectMitigation(riskCategory string, d domain.DataCharacteristics) string {
	switch {
	case d.StructureOnly:
		// Only the shape of the data is needed; generate it.
		return MitigationSyntheticData
	case d.DevTestContext:
		return MitigationDataMasking
	case d.PIICoLocated:
		// PII sits next to the business data; carve it out with a view.
		return MitigationFilteredSQLView
	default:
		return MitigationFieldRedaction
	}
}

// Irreconcilable reports whether no acceptable mitigation can address the
// risk: the required field is itself the flagged PII and cannot be redacted
// without destroying the use case. The coordinator uses this as its early
// deadlock exit.
func Irreconcilable(r domain.Risk) bool {
	return r.Data.PIIRequiredByClient && !r.Data.StructureOnly && !r.Data.DevTestContext
}

// acceptableMitigations is the fixed policy table sent on turn 1. It is not
// negotiated.
var acceptableMitigations = map[string][]string{
	CategoryPIIExposure:     {MitigationFieldRedaction, MitigationFilteredSQLView, MitigationSyntheticData},
	CategoryAccessScope:     {MitigationFilteredSQLView, MitigationSyntheticData},
	CategoryDataResidency:   {MitigationSyntheticData},
	CategoryDevTestExposure: {MitigationDataMasking, MitigationSyntheticData},
}

// AcceptableMitigations returns the policy-allowed mitigations for a risk
// category. Unknown categories get an empty set.
func AcceptableMitigations(riskCategory string) []string {
	allowed := acceptableMitigations[riskCategory]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

// MitigationChecks is the result of the compliance-matrix lookup.
type MitigationChecks struct {
	SatisfiesMinimization   bool `json:"satisfies_minimization"`
	SatisfiesLeastPrivilege bool `json:"satisfies_least_privilege"`
}

type matrixKey struct {
	category   string
	mitigation string
}

// complianceMatrix is the fixed requirement matrix consulted on the
// final-review turn. Combinations absent from the table fail both checks.
var complianceMatrix = map[matrixKey]MitigationChecks{
	{CategoryPIIExposure, MitigationFieldRedaction}:    {true, true},
	{CategoryPIIExposure, MitigationFilteredSQLView}:   {true, true},
	{CategoryPIIExposure, MitigationSyntheticData}:     {true, true},
	{CategoryPIIExposure, MitigationDataMasking}:       {true, false},
	{CategoryAccessScope, MitigationFilteredSQLView}:   {true, true},
	{CategoryAccessScope, MitigationSyntheticData}:     {true, true},
	{CategoryAccessScope, MitigationFieldRedaction}:    {false, true},
	{CategoryDataResidency, MitigationSyntheticData}:   {true, true},
	{CategoryDataResidency, MitigationDataMasking}:     {true, false},
	{CategoryDevTestExposure, MitigationDataMasking}:   {true, true},
	{CategoryDevTestExposure, MitigationSyntheticData}: {true, true},
	{CategoryDevTestExposure, MitigationFieldRedaction}: {true, false},
}

// ValidateMitigation looks the pair up in the compliance matrix.
func ValidateMitigation(mitigationType, riskCategory string) MitigationChecks {
	return complianceMatrix[matrixKey{category: riskCategory, mitigation: mitigationType}]
}
