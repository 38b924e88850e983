// Package knowledge holds the read-only reference tables the stage runners
// match transcripts against: industry profiles, the delivery catalog and the
// compliance controls. The tables ship embedded; an operator can override them
// with a local YAML file.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yml
var defaults []byte

// Industry is a vertical profile used by the targeting runner.
type Industry struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	KPIs     []string `yaml:"kpis" json:"kpis,omitempty"`
}

// CatalogItem is one deliverable the feasibility runner can match scope
// against. Hours is the baseline effort estimate for the item.
type CatalogItem struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Tier     string   `yaml:"tier" json:"tier"`
	Hours    float64  `yaml:"hours" json:"hours"`
}

// Control is a compliance rule. When its keywords appear in the transcript
// the compliance runner raises a risk of the given category and severity.
type Control struct {
	ID       string   `yaml:"id" json:"id"`
	Category string   `yaml:"category" json:"category"`
	Severity string   `yaml:"severity" json:"severity"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	// Fields flagged on the affected entity when the control fires.
	FlaggedElements []string `yaml:"flagged_elements" json:"flagged_elements,omitempty"`
	Entity          string   `yaml:"entity" json:"entity"`
}

// Signals are transcript phrases that set data-characteristic predicates on
// raised risks.
type Signals struct {
	PIIRequiredByClient []string `yaml:"pii_required_by_client" json:"pii_required_by_client"`
	PIICoLocated        []string `yaml:"pii_co_located" json:"pii_co_located"`
	StructureOnly       []string `yaml:"structure_only" json:"structure_only"`
	DevTestContext      []string `yaml:"dev_test_context" json:"dev_test_context"`
}

// Set is one complete knowledge base.
type Set struct {
	Industries []Industry    `yaml:"industries" json:"industries"`
	Catalog    []CatalogItem `yaml:"catalog" json:"catalog"`
	Controls   []Control     `yaml:"controls" json:"controls"`
	Signals    Signals       `yaml:"signals" json:"signals"`
}

// Default returns the embedded knowledge base.
func Default() (*Set, error) {
	return parse(defaults)
}

// Load reads a knowledge base from path, falling back to the embedded tables
// when path is empty.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid knowledge yaml: %w", err)
	}
	if len(s.Catalog) == 0 || len(s.Controls) == 0 {
		return nil, fmt.Errorf("knowledge base must define catalog and controls")
	}
	return &s, nil
}
