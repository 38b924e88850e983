package domain

// Typed event payloads. Projections re-parse these from payload_json, so the
// shapes here are part of the durable log format.

type StageCompletedPayload struct {
	Artifact ReviewArtifact `json:"artifact"`
}

type NegotiationTurnPayload struct {
	NegotiationID string `json:"negotiation_id"`
	RiskID        string `json:"risk_id"`
	Turn          int    `json:"turn"`
	Initiator     string `json:"initiator,omitempty"`
	Responder     string `json:"responder,omitempty"`
	DeadlineAt    string `json:"deadline_at,omitempty" format:"date-time"`
	// Turn 1 carries the flagged risk and the fixed set of acceptable
	// mitigations; turn 2 carries the responder's proposal.
	Risk                  *Risk    `json:"risk,omitempty"`
	AcceptableMitigations []string `json:"acceptable_mitigations,omitempty"`
	ProposedMitigation    string   `json:"proposed_mitigation,omitempty"`
	ExclusionScope        []string `json:"exclusion_scope,omitempty"`
	Note                  string   `json:"note,omitempty"`
}

type NegotiationResolvedPayload struct {
	NegotiationID string `json:"negotiation_id"`
	RiskID        string `json:"risk_id"`
	Mitigation    string `json:"mitigation"`
	Turn          int    `json:"turn"`
}

type NegotiationDeadlockedPayload struct {
	NegotiationID string `json:"negotiation_id"`
	RiskID        string `json:"risk_id"`
	Reason        string `json:"reason" enum:"irreconcilable,turns_exhausted,timeout"`
	Turn          int    `json:"turn"`
	Detail        string `json:"detail,omitempty"`
}

type FinancialDecisionPayload struct {
	Decision FinancialDecision `json:"decision"`
}

type HumanResolutionPayload struct {
	NegotiationID string `json:"negotiation_id"`
	Status        string `json:"status" enum:"RESOLVED,DISMISSED"`
	ResolvedBy    string `json:"resolved_by"`
	Note          string `json:"note,omitempty"`
}
