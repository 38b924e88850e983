package stage

import (
	"context"
	"fmt"
	"time"

	"dealnexus/internal/domain"
)

// Targeting identifies the client's vertical and its standard outcome
// measures. It runs alone as the pipeline's first step; later runners read
// its findings from the snapshot.
type Targeting struct {
	RunID           string
	ConfidenceFloor float64
	Now             func() time.Time
}

func (t *Targeting) Role() string { return domain.RoleTargeting }

func (t *Targeting) Run(ctx context.Context, snap Snapshot, src Sources) (domain.ReviewArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReviewArtifact{}, err
	}
	if src.Transcript == "" {
		return domain.ReviewArtifact{}, fmt.Errorf("%w: empty transcript", domain.ErrInvalidInput)
	}
	a := newArtifact(t.Role(), t.RunID, t.Now())

	text := src.Transcript + "\n" + src.ClientContext
	var best *struct {
		name    string
		kpis    []string
		matches int
	}
	for _, ind := range src.Knowledge.Industries {
		m := countMatches(text, ind.Keywords)
		if m == 0 {
			continue
		}
		if best == nil || m > best.matches {
			best = &struct {
				name    string
				kpis    []string
				matches int
			}{ind.Name, ind.KPIs, m}
		}
	}

	if best == nil {
		a.Confidence = 0.3
		a.LowConfidence = a.Confidence < t.ConfidenceFloor
		a.Flags = append(a.Flags, "industry:unclassified")
		a.Findings = append(a.Findings, "no industry profile matched the transcript")
		return a, nil
	}

	a.Confidence = clamp(0.4+0.15*float64(best.matches), 0, 0.95)
	a.LowConfidence = a.Confidence < t.ConfidenceFloor
	a.Flags = append(a.Flags, "industry:"+best.name)
	a.Metrics["keyword_matches"] = float64(best.matches)
	a.Findings = append(a.Findings, fmt.Sprintf("classified engagement as %s (%d keyword matches)", best.name, best.matches))
	for _, kpi := range best.kpis {
		a.Findings = append(a.Findings, "candidate outcome measure: "+kpi)
	}
	return a, nil
}
