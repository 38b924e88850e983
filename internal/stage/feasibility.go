package stage

import (
	"context"
	"fmt"
	"time"

	"dealnexus/internal/domain"
)

// tierRank orders implementation tiers by delivery complexity. When scope
// matches items across tiers the engagement is priced at the highest one.
var tierRank = map[string]int{
	"standard":      0,
	"configuration": 1,
	"customization": 2,
	"custom_build":  3,
}

// Feasibility sizes the engagement against the delivery catalog: total hours
// and the governing implementation tier.
type Feasibility struct {
	RunID           string
	ConfidenceFloor float64
	Now             func() time.Time
}

func (f *Feasibility) Role() string { return domain.RoleFeasibility }

func (f *Feasibility) Run(ctx context.Context, snap Snapshot, src Sources) (domain.ReviewArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReviewArtifact{}, err
	}
	a := newArtifact(f.Role(), f.RunID, f.Now())

	var (
		hours   float64
		tier    string
		matched int
	)
	for _, item := range src.Knowledge.Catalog {
		if countMatches(src.Transcript, item.Keywords) == 0 {
			continue
		}
		matched++
		hours += item.Hours
		if tier == "" || tierRank[item.Tier] > tierRank[tier] {
			tier = item.Tier
		}
		a.Findings = append(a.Findings, fmt.Sprintf("scope includes %s (%s, %.0fh)", item.Name, item.Tier, item.Hours))
	}

	if matched == 0 {
		// Nothing in the catalog covers the ask; assume a full custom build
		// and flag the estimate for review.
		tier = "custom_build"
		hours = 480
		a.Confidence = 0.35
		a.Findings = append(a.Findings, "no catalog item matched; defaulting to custom build baseline")
	} else {
		a.Confidence = clamp(0.5+0.15*float64(matched), 0, 0.95)
	}
	a.LowConfidence = a.Confidence < f.ConfidenceFloor
	a.Flags = append(a.Flags, "tier:"+tier)
	a.Metrics["estimated_hours"] = hours
	a.Metrics["catalog_matches"] = float64(matched)
	return a, nil
}

// TierOf extracts the implementation tier a feasibility artifact settled on.
func TierOf(a domain.ReviewArtifact) (string, bool) {
	for _, f := range a.Flags {
		if len(f) > 5 && f[:5] == "tier:" {
			return f[5:], true
		}
	}
	return "", false
}
