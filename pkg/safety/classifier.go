// Package safety scores routed requests before delivery. Layered checks:
// precompiled injection regexes first, then CEL policy rules, then a
// TF-IDF category classifier combined with a KL-divergence comparison of
// the request's term distribution against the target skill's baseline.
// The result maps to allow, flag or block through configurable thresholds
// that tighten for lower-trust skills and under degradation.
//
// Scoring is pure: no call mutates shared state. Baselines are replaced
// only through UpdateBaseline, which serializes writers and publishes the
// new baseline set with an atomic pointer swap, so concurrent checks see
// either the old set or the new one, never a partial update.
package safety

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

// Injection prefilters, compiled once and shared read-only.
var (
	sqlInjectionRe = regexp.MustCompile(
		`(?i)(union\s+select|select\s+.*\s+from|insert\s+into|delete\s+from|drop\s+table|update\s+.*set|or\s+1\s*=\s*1)`)
	commandInjectionRe = regexp.MustCompile(
		`(?i)(rm\s+-rf|;\s*ls|\|\s*cat|;\s*shutdown|;\s*reboot|cat\s+/etc/passwd|\|\s*grep|` + "`.*`" + `|\$\(.*\))`)
)

// Reason codes for non-category verdicts.
const (
	ReasonSQLInjection     = "PREFILTER_SQL_INJECTION"
	ReasonCommandInjection = "PREFILTER_COMMAND_INJECTION"
	ReasonBaselineAnomaly  = "KL_DIVERGENCE_ANOMALY"
	ReasonElevatedScore    = "ELEVATED_RISK_SCORE"
)

// Gate reports whether thresholds are tightened. The degradation
// controller implements it.
type Gate interface {
	TightenSafety() bool
}

// Config holds the classifier policy.
type Config struct {
	// LowThreshold and HighThreshold bound the flag band: score below
	// low allows, between low and high flags, at or above high blocks.
	LowThreshold  float64 `yaml:"low_threshold"`
	HighThreshold float64 `yaml:"high_threshold"`

	// TrustMultipliers scale both thresholds down for lower-trust
	// skills. A missing trust level uses multiplier 1.
	TrustMultipliers map[contracts.TrustLevel]float64 `yaml:"trust_multipliers"`

	// TightenFactor further scales thresholds when the degradation
	// gate reports tightening.
	TightenFactor float64 `yaml:"tighten_factor"`

	Rules []Rule `yaml:"rules"`
}

// DefaultConfig returns the default safety policy.
func DefaultConfig() Config {
	return Config{
		LowThreshold:  0.35,
		HighThreshold: 0.85,
		TrustMultipliers: map[contracts.TrustLevel]float64{
			contracts.TrustCommunity:  0.6,
			contracts.TrustSelfSigned: 0.4,
		},
		TightenFactor: 0.75,
	}
}

// CheckInput is one scoring request.
type CheckInput struct {
	Query   string
	Payload map[string]any
	Skill   *contracts.RegistryEntry
}

type baselineSet map[string]map[string]float64

// Classifier scores requests. Safe for concurrent use.
type Classifier struct {
	cfg    Config
	model  *tfidfModel
	rules  *ruleEngine
	gate   Gate
	logger *slog.Logger

	baselineMu sync.Mutex
	baselines  atomic.Pointer[baselineSet]
}

// New creates a classifier; it fails only on an invalid CEL rule.
func New(cfg Config, gate Gate, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := newRuleEngine(cfg.Rules)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		cfg:    cfg,
		model:  buildTFIDFModel(categories),
		rules:  rules,
		gate:   gate,
		logger: logger.With("component", "safety"),
	}
	empty := make(baselineSet)
	c.baselines.Store(&empty)
	return c, nil
}

// Check scores the input and returns a verdict. It never returns an
// error across the stage boundary: classifier failures fail closed into
// a block verdict.
func (c *Classifier) Check(_ context.Context, in CheckInput) contracts.SafetyVerdict {
	if sqlInjectionRe.MatchString(in.Query) {
		return contracts.SafetyVerdict{Label: contracts.VerdictBlock, Score: 1, ReasonCode: ReasonSQLInjection}
	}
	if commandInjectionRe.MatchString(in.Query) {
		return contracts.SafetyVerdict{Label: contracts.VerdictBlock, Score: 1, ReasonCode: ReasonCommandInjection}
	}

	if fired, err := c.rules.evaluate(c.ruleInput(in)); fired != nil {
		if err != nil {
			// Fail closed on rule evaluation errors.
			c.logger.Error("policy rule evaluation failed", "rule", fired.Name, "error", err)
		}
		return contracts.SafetyVerdict{Label: contracts.VerdictBlock, Score: 1, ReasonCode: fired.ReasonCode}
	}

	catScore, reason := c.categoryScore(in.Query)
	klScore := c.baselineScore(in)

	score := math.Max(catScore, klScore)
	if klScore > catScore {
		reason = ReasonBaselineAnomaly
	}

	low, high := c.thresholds(in.Skill)
	switch {
	case score >= high:
		return contracts.SafetyVerdict{Label: contracts.VerdictBlock, Score: score, ReasonCode: reason}
	case score >= low:
		if reason == "" {
			reason = ReasonElevatedScore
		}
		c.logger.Warn("request flagged",
			"skill_id", skillID(in.Skill), "score", score, "reason_code", reason)
		return contracts.SafetyVerdict{Label: contracts.VerdictFlag, Score: score, ReasonCode: reason}
	default:
		return contracts.SafetyVerdict{Label: contracts.VerdictAllow, Score: score}
	}
}

// UpdateBaseline replaces the reference distribution for a skill from a
// set of representative request samples. Writers serialize; readers are
// never blocked.
func (c *Classifier) UpdateBaseline(skillIDArg string, samples []string) {
	combined := make(map[string]float64)
	var total float64
	for _, s := range samples {
		for term, p := range termDistribution(s) {
			combined[term] += p
			total += p
		}
	}
	if total > 0 {
		for term := range combined {
			combined[term] /= total
		}
	}

	c.baselineMu.Lock()
	defer c.baselineMu.Unlock()
	old := *c.baselines.Load()
	next := make(baselineSet, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[skillIDArg] = combined
	c.baselines.Store(&next)
	c.logger.Info("baseline updated", "skill_id", skillIDArg, "samples", len(samples))
}

// Baseline returns whether a skill has a reference distribution.
func (c *Classifier) Baseline(skillIDArg string) bool {
	_, ok := (*c.baselines.Load())[skillIDArg]
	return ok
}

func (c *Classifier) categoryScore(query string) (float64, string) {
	idx, sim := c.model.bestMatch(c.model.vectorize(query))
	if idx < 0 || sim <= 0 {
		return 0, ""
	}
	// Cosine similarities against short keyword documents are small in
	// absolute terms; scale into the verdict range, capped below 1.
	return math.Min(sim*3, 0.99), categories[idx].reasonCode
}

func (c *Classifier) baselineScore(in CheckInput) float64 {
	if in.Skill == nil {
		return 0
	}
	baseline, ok := (*c.baselines.Load())[in.Skill.SkillID]
	if !ok || len(baseline) == 0 {
		return 0
	}
	observed := termDistribution(in.Query)
	if observed == nil {
		return 0
	}
	return squashKL(klDivergence(observed, baseline))
}

func (c *Classifier) thresholds(skill *contracts.RegistryEntry) (low, high float64) {
	low, high = c.cfg.LowThreshold, c.cfg.HighThreshold
	if skill != nil {
		if m, ok := c.cfg.TrustMultipliers[skill.TrustLevel]; ok && m > 0 {
			low *= m
			high *= m
		}
	}
	if c.gate != nil && c.gate.TightenSafety() && c.cfg.TightenFactor > 0 {
		low *= c.cfg.TightenFactor
		high *= c.cfg.TightenFactor
	}
	return low, high
}

func (c *Classifier) ruleInput(in CheckInput) map[string]any {
	input := map[string]any{
		"query":    in.Query,
		"skill_id": skillID(in.Skill),
		"trust":    "",
		"payload":  in.Payload,
	}
	if in.Skill != nil {
		input["trust"] = string(in.Skill.TrustLevel)
	}
	if in.Payload == nil {
		input["payload"] = map[string]any{}
	}
	return input
}

func skillID(e *contracts.RegistryEntry) string {
	if e == nil {
		return ""
	}
	return e.SkillID
}
