package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dealnexus.yml.
type Config struct {
	Assessment struct {
		ID     string `yaml:"id"`
		Client string `yaml:"client"`
	} `yaml:"assessment"`
	Pipeline struct {
		ConfidenceFloor float64  `yaml:"confidence_floor"`
		RequiredRoles   []string `yaml:"required_roles"`
	} `yaml:"pipeline"`
	Finance struct {
		HourlyRate    float64 `yaml:"hourly_rate"`
		PMOverheadPct float64 `yaml:"pm_overhead_pct"`
	} `yaml:"finance"`
	Negotiation struct {
		TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`
	} `yaml:"negotiation"`
}

// TurnTimeout returns the wall-clock budget for a single negotiation turn.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Negotiation.TurnTimeoutSeconds) * time.Second
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with dnx config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Assessment.ID == "" {
		return fmt.Errorf("config.assessment.id is required")
	}
	if c.Pipeline.ConfidenceFloor < 0 || c.Pipeline.ConfidenceFloor > 1 {
		return fmt.Errorf("config.pipeline.confidence_floor must be in [0,1]")
	}
	if len(c.Pipeline.RequiredRoles) == 0 {
		return fmt.Errorf("config.pipeline.required_roles is required")
	}
	for _, role := range c.Pipeline.RequiredRoles {
		if role == "" {
			return fmt.Errorf("config.pipeline.required_roles contains an empty role")
		}
	}
	if c.Finance.HourlyRate <= 0 {
		return fmt.Errorf("config.finance.hourly_rate must be positive")
	}
	if c.Finance.PMOverheadPct < 0 {
		return fmt.Errorf("config.finance.pm_overhead_pct must not be negative")
	}
	if c.Negotiation.TurnTimeoutSeconds <= 0 {
		return fmt.Errorf("config.negotiation.turn_timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealnexus.yml")
}

// Default returns the default Config for an assessment.
func Default(assessmentID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, assessmentID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(assessmentID string) string {
	return fmt.Sprintf(defaultTemplate, assessmentID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `assessment:
  id: %s
  client: ""

pipeline:
  # Stage runners reporting below this confidence are recorded as
  # LowConfidence and surfaced for optional human review.
  confidence_floor: 0.5
  required_roles: [targeting, feasibility, compliance, economics, synthesis]

finance:
  hourly_rate: 175
  pm_overhead_pct: 0.15

negotiation:
  turn_timeout_seconds: 120
`
