package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealnexus/internal/domain"
	"dealnexus/internal/knowledge"
)

// Compliance scans the transcript against the control tables and raises one
// risk per triggered control. Any high or critical risk marks the artifact
// blocking, which forces a negotiation before the gate step.
type Compliance struct {
	RunID           string
	ConfidenceFloor float64
	Now             func() time.Time
	// NewID overrides risk ID generation in tests.
	NewID func() string
}

func (c *Compliance) Role() string { return domain.RoleCompliance }

func (c *Compliance) Run(ctx context.Context, snap Snapshot, src Sources) (domain.ReviewArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReviewArtifact{}, err
	}
	newID := c.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	a := newArtifact(c.Role(), c.RunID, c.Now())

	data := detectCharacteristics(src.Transcript, src.Knowledge.Signals)
	for _, ctl := range src.Knowledge.Controls {
		if countMatches(src.Transcript, ctl.Keywords) == 0 {
			continue
		}
		risk := domain.Risk{
			RiskID:          newID(),
			Category:        ctl.Category,
			Severity:        ctl.Severity,
			AffectedEntity:  ctl.Entity,
			RaisedBy:        c.Role(),
			Description:     fmt.Sprintf("control %s triggered on %s", ctl.ID, ctl.Entity),
			FlaggedElements: append([]string(nil), ctl.FlaggedElements...),
			Data:            data,
		}
		a.Risks = append(a.Risks, risk)
		a.Findings = append(a.Findings, fmt.Sprintf("%s risk on %s (%s)", risk.Category, risk.AffectedEntity, risk.Severity))
		if risk.Severity == "high" || risk.Severity == "critical" {
			a.Blocking = true
		}
	}

	if len(a.Risks) == 0 {
		a.Findings = append(a.Findings, "no compliance controls triggered")
	}
	a.Metrics["risks_raised"] = float64(len(a.Risks))
	a.Confidence = 0.85
	a.LowConfidence = a.Confidence < c.ConfidenceFloor
	return a, nil
}

// detectCharacteristics maps transcript phrasing onto the fixed predicates
// the mitigation tree branches on.
func detectCharacteristics(transcript string, sig knowledge.Signals) domain.DataCharacteristics {
	anyOf := func(phrases []string) bool {
		return countMatches(transcript, phrases) > 0
	}
	return domain.DataCharacteristics{
		PIIRequiredByClient: anyOf(sig.PIIRequiredByClient),
		PIICoLocated:        anyOf(sig.PIICoLocated),
		StructureOnly:       anyOf(sig.StructureOnly),
		DevTestContext:      anyOf(sig.DevTestContext),
	}
}
