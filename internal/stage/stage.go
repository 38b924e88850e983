// Package stage implements the pipeline's reviewer roles. Each runner reads
// the shared sources, applies its knowledge tables deterministically and
// returns one review artifact. Runners never write to the log themselves; the
// orchestrator appends their artifacts after each step completes.
package stage

import (
	"context"
	"strings"
	"time"

	"dealnexus/internal/domain"
	"dealnexus/internal/knowledge"
)

// Sources is the read-only input shared by every runner in a pipeline run.
type Sources struct {
	Transcript    string
	ClientContext string
	Knowledge     *knowledge.Set
}

// Snapshot is the case state visible to a runner: the case row plus the
// latest artifact per role from earlier steps.
type Snapshot struct {
	Case      domain.Case
	Artifacts map[string]domain.ReviewArtifact
}

// Runner produces one role's review artifact.
type Runner interface {
	Role() string
	Run(ctx context.Context, snap Snapshot, src Sources) (domain.ReviewArtifact, error)
}

func newArtifact(role, runID string, now time.Time) domain.ReviewArtifact {
	return domain.ReviewArtifact{
		Role:       role,
		RunID:      runID,
		ProducedAt: now.UTC().Format(time.RFC3339),
		Metrics:    map[string]float64{},
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if containsFold(text, kw) {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
