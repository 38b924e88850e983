package stage

import (
	"context"
	"fmt"
	"time"

	"dealnexus/internal/domain"
)

// Synthesis compiles the final document from every prior artifact. It only
// runs after the margin gate passes, so by the time it sees the snapshot all
// upstream roles have reported and no negotiation is open.
type Synthesis struct {
	RunID           string
	ConfidenceFloor float64
	Now             func() time.Time
}

func (s *Synthesis) Role() string { return domain.RoleSynthesis }

func (s *Synthesis) Run(ctx context.Context, snap Snapshot, src Sources) (domain.ReviewArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReviewArtifact{}, err
	}
	order := []string{domain.RoleTargeting, domain.RoleFeasibility, domain.RoleCompliance, domain.RoleEconomics}
	for _, role := range order {
		if _, ok := snap.Artifacts[role]; !ok {
			return domain.ReviewArtifact{}, fmt.Errorf("%w: synthesis requires a %s artifact", domain.ErrInvalidInput, role)
		}
	}

	a := newArtifact(s.Role(), s.RunID, s.Now())
	low := 0
	for _, role := range order {
		section := snap.Artifacts[role]
		a.Findings = append(a.Findings, fmt.Sprintf("[%s]", domain.RoleDisplay[role]))
		a.Findings = append(a.Findings, section.Findings...)
		if section.LowConfidence {
			low++
			a.Flags = append(a.Flags, "low_confidence_input:"+role)
		}
	}
	a.Metrics["sections"] = float64(len(order))
	a.Metrics["low_confidence_inputs"] = float64(low)
	a.Confidence = clamp(0.95-0.15*float64(low), 0, 1)
	a.LowConfidence = a.Confidence < s.ConfidenceFloor
	return a, nil
}
