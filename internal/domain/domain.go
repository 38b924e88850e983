package domain

// Reviewer roles in pipeline order. Targeting runs alone in step A,
// feasibility and compliance fan out in step B, economics produces the
// financial decision, synthesis compiles the final artifact in step D.
const (
	RoleTargeting   = "targeting"
	RoleFeasibility = "feasibility"
	RoleCompliance  = "compliance"
	RoleEconomics   = "economics"
	RoleSynthesis   = "synthesis"
)

// RoleDisplay maps role IDs to their report-facing names.
var RoleDisplay = map[string]string{
	RoleTargeting:   "Outcomes Strategist",
	RoleFeasibility: "Technical PM",
	RoleCompliance:  "Legal Counsel",
	RoleEconomics:   "Finance Director",
	RoleSynthesis:   "Document Architect",
}

// Event kinds. The event log is append-only; ordering per case is the source
// of truth for all derived state.
const (
	KindStageCompleted        = "StageCompleted"
	KindNegotiationTurn       = "NegotiationTurn"
	KindNegotiationResolved   = "NegotiationResolved"
	KindNegotiationDeadlocked = "NegotiationDeadlocked"
	KindFinancialDecision     = "FinancialDecision"
	KindHumanResolution       = "HumanResolution"
)

// Negotiation statuses. Transitions are one-way: once terminal, a negotiation
// never returns to NEGOTIATING.
const (
	NegotiationNegotiating = "NEGOTIATING"
	NegotiationResolved    = "RESOLVED"
	NegotiationDeadlock    = "DEADLOCK"
	NegotiationTimeout     = "TIMEOUT"
)

// Deadlock reasons recorded on NegotiationDeadlocked events.
const (
	ReasonIrreconcilable = "irreconcilable"
	ReasonTurnsExhausted = "turns_exhausted"
	ReasonTimeout        = "timeout"
)

// MaxTurns is the hard negotiation turn budget. A negotiation reaches a
// terminal state in at most this many logical turns or one timeout.
const MaxTurns = 3

// Report statuses derived from the event log.
const (
	StatusDraft               = "DRAFT"
	StatusPendingIntervention = "PENDING_INTERVENTION"
	StatusApproved            = "APPROVED"
)

// Human resolution outcomes.
const (
	ResolutionResolved  = "RESOLVED"
	ResolutionDismissed = "DISMISSED"
)

type Case struct {
	ID        string `json:"id"`
	Client    string `json:"client,omitempty"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is an immutable fact appended to a case's log. Seq is strictly
// increasing per case, allocated by the single ordering authority.
type Event struct {
	CaseID     string `json:"case_id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	SourceRole string `json:"source_role"`
	Kind       string `json:"kind"`
	Payload    string `json:"payload_json"`
}

// ReviewArtifact is the output of one stage runner. At most one artifact per
// role per pipeline run; a re-run replaces the prior artifact for that role.
type ReviewArtifact struct {
	Role          string             `json:"role"`
	RunID         string             `json:"run_id"`
	ProducedAt    string             `json:"produced_at" format:"date-time"`
	Flags         []string           `json:"flags,omitempty"`
	Findings      []string           `json:"findings,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Confidence    float64            `json:"confidence"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Blocking      bool               `json:"blocking"`
	Risks         []Risk             `json:"risks,omitempty"`
}

// DataCharacteristics are the fixed predicates driving mitigation selection.
type DataCharacteristics struct {
	PIIRequiredByClient bool `json:"pii_required_by_client"`
	PIICoLocated        bool `json:"pii_co_located"`
	StructureOnly       bool `json:"structure_only"`
	DevTestContext      bool `json:"dev_test_context"`
}

// Risk is a detected conflict requiring negotiation. Terminal once a
// negotiation over it resolves or deadlocks.
type Risk struct {
	RiskID          string              `json:"risk_id"`
	Category        string              `json:"category"`
	Severity        string              `json:"severity" enum:"low,medium,high,critical"`
	AffectedEntity  string              `json:"affected_entity"`
	RaisedBy        string              `json:"raised_by"`
	Description     string              `json:"description,omitempty"`
	FlaggedElements []string            `json:"flagged_elements,omitempty"`
	Data            DataCharacteristics `json:"data_characteristics"`
}

// Negotiation is one bounded exchange over one risk. Turn is monotonically
// non-decreasing; exactly one negotiation may be open per risk at a time.
type Negotiation struct {
	NegotiationID string `json:"negotiation_id"`
	RiskID        string `json:"risk_id"`
	Initiator     string `json:"initiator"`
	Responder     string `json:"responder"`
	Turn          int    `json:"turn"`
	Status        string `json:"status" enum:"NEGOTIATING,RESOLVED,DEADLOCK,TIMEOUT"`
	Reason        string `json:"reason,omitempty"`
	Mitigation    string `json:"mitigation,omitempty"`
	DeadlineAt    string `json:"deadline_at,omitempty" format:"date-time"`
}

// FinancialDecision is the deterministic margin-gate outcome. Immutable once
// appended; a re-evaluation appends a new event instead of mutating.
type FinancialDecision struct {
	EstimatedCost  float64 `json:"estimated_cost"`
	ContractValue  float64 `json:"contract_value"`
	ComputedMargin float64 `json:"computed_margin"`
	TargetMargin   float64 `json:"target_margin"`
	Tier           string  `json:"tier"`
	Outcome        string  `json:"outcome" enum:"approved,timeline_adjustment,scope_reduction,pricing_adjustment,rejected"`
	PricingSource  string  `json:"pricing_source,omitempty" enum:"client_budget,recommended"`
}
