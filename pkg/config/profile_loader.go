package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the YAML policy profile. Durations are expressed in
// milliseconds; zero values fall back to the package defaults at wiring
// time.
type Profile struct {
	Name string `yaml:"name"`

	Routing  RoutingProfile  `yaml:"routing"`
	Safety   SafetyProfile   `yaml:"safety"`
	Degrade  DegradeProfile  `yaml:"degradation"`
	Delivery DeliveryProfile `yaml:"delivery"`
	Pipeline PipelineProfile `yaml:"pipeline"`
}

// RoutingProfile tunes the router's scoring and cache.
type RoutingProfile struct {
	LexicalWeight  float64 `yaml:"lexical_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	MinConfidence  float64 `yaml:"min_confidence"`
	CacheSize      int     `yaml:"cache_size"`
	CacheTTLMs     int     `yaml:"cache_ttl_ms"`
}

// SafetyProfile tunes classifier thresholds and policy rules.
type SafetyProfile struct {
	LowThreshold     float64            `yaml:"low_threshold"`
	HighThreshold    float64            `yaml:"high_threshold"`
	TrustMultipliers map[string]float64 `yaml:"trust_multipliers"`
	TightenFactor    float64            `yaml:"tighten_factor"`
	Rules            []RuleProfile      `yaml:"rules"`
}

// RuleProfile is one CEL policy rule.
type RuleProfile struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	ReasonCode string `yaml:"reason_code"`
}

// DegradeProfile tunes the degradation monitor. Escalate values must sit
// strictly above their de-escalate counterparts.
type DegradeProfile struct {
	WindowMs            int        `yaml:"window_ms"`
	MinSamples          int        `yaml:"min_samples"`
	MonitorIntervalMs   int        `yaml:"monitor_interval_ms"`
	EscalateErrorRate   [3]float64 `yaml:"escalate_error_rate"`
	DeescalateErrorRate [3]float64 `yaml:"deescalate_error_rate"`
	EscalateP95Ms       [3]int     `yaml:"escalate_p95_ms"`
	DeescalateP95Ms     [3]int     `yaml:"deescalate_p95_ms"`
}

// DeliveryProfile tunes idempotency retention.
type DeliveryProfile struct {
	RecordTTLMs int `yaml:"record_ttl_ms"`
}

// PipelineProfile tunes orchestration bounds.
type PipelineProfile struct {
	InvokeTimeoutMs int `yaml:"invoke_timeout_ms"`
}

// LoadProfile reads and parses a YAML policy profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return &profile, nil
}

func (p *Profile) validate() error {
	for i := range p.Degrade.EscalateErrorRate {
		esc, de := p.Degrade.EscalateErrorRate[i], p.Degrade.DeescalateErrorRate[i]
		if esc != 0 && de != 0 && esc <= de {
			return fmt.Errorf("degradation error-rate thresholds at level %d lack hysteresis (escalate %v <= de-escalate %v)", i, esc, de)
		}
		escP, deP := p.Degrade.EscalateP95Ms[i], p.Degrade.DeescalateP95Ms[i]
		if escP != 0 && deP != 0 && escP <= deP {
			return fmt.Errorf("degradation p95 thresholds at level %d lack hysteresis (escalate %dms <= de-escalate %dms)", i, escP, deP)
		}
	}
	if p.Safety.LowThreshold != 0 && p.Safety.HighThreshold != 0 &&
		p.Safety.LowThreshold >= p.Safety.HighThreshold {
		return fmt.Errorf("safety low threshold %v must be below high threshold %v",
			p.Safety.LowThreshold, p.Safety.HighThreshold)
	}
	return nil
}
