// Package degrade implements the process-wide graceful degradation state
// machine. A monitor recomputes rolling error-rate and p95 latency on a
// fixed cycle and moves the state at most one level per cycle, with
// hysteresis: the threshold to escalate is strictly higher than the
// threshold to de-escalate, so noisy metrics cannot cause oscillation.
//
// The state is read on every request (readers-writer discipline) and
// written only by the monitor, a single-writer invariant. Controllers are
// injected into pipeline stages rather than accessed as globals so tests
// can construct independent instances.
package degrade

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

// Level is one of the four degradation states.
type Level int

const (
	// D0: normal, full pipeline.
	D0 Level = iota
	// D1: elevated, semantic scoring disabled (BM25-only routing).
	D1
	// D2: reduced, low-trust skills disabled and safety tightened.
	D2
	// D3: critical, only essential skills served.
	D3
)

func (l Level) String() string {
	switch l {
	case D0:
		return "D0"
	case D1:
		return "D1"
	case D2:
		return "D2"
	default:
		return "D3"
	}
}

// Config holds the monitor thresholds. Index i governs the transition
// between level i and i+1; Deescalate values must be strictly below their
// Escalate counterparts.
type Config struct {
	Window     time.Duration `yaml:"window"`
	MinSamples int           `yaml:"min_samples"`

	EscalateErrorRate   [3]float64 `yaml:"escalate_error_rate"`
	DeescalateErrorRate [3]float64 `yaml:"deescalate_error_rate"`

	EscalateP95   [3]time.Duration `yaml:"escalate_p95"`
	DeescalateP95 [3]time.Duration `yaml:"deescalate_p95"`
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		Window:              30 * time.Second,
		MinSamples:          10,
		EscalateErrorRate:   [3]float64{0.10, 0.25, 0.50},
		DeescalateErrorRate: [3]float64{0.05, 0.15, 0.30},
		EscalateP95:         [3]time.Duration{500 * time.Millisecond, 2 * time.Second, 5 * time.Second},
		DeescalateP95:       [3]time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second},
	}
}

type sample struct {
	at      time.Time
	latency time.Duration
	isErr   bool
}

// Metrics is the rolling-window view that justified the current state.
type Metrics struct {
	ErrorRate  float64       `json:"error_rate"`
	P95Latency time.Duration `json:"p95_latency"`
	Samples    int           `json:"samples"`
}

// Snapshot describes the controller state at a point in time.
type Snapshot struct {
	Level          Level     `json:"level"`
	LastTransition time.Time `json:"last_transition"`
	Metrics        Metrics   `json:"metrics"`
}

// Controller owns the degradation level. Reads never block other reads.
type Controller struct {
	mu             sync.RWMutex
	level          Level
	lastTransition time.Time
	lastMetrics    Metrics

	windowMu sync.Mutex
	samples  []sample

	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// New creates a controller at D0.
func New(cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		clock:  time.Now,
		logger: logger.With("component", "degrade"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Record feeds one request outcome into the rolling window.
func (c *Controller) Record(latency time.Duration, isErr bool) {
	now := c.clock()
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	c.samples = append(c.samples, sample{at: now, latency: latency, isErr: isErr})
	c.pruneLocked(now)
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	first := 0
	for first < len(c.samples) && c.samples[first].at.Before(cutoff) {
		first++
	}
	if first > 0 {
		c.samples = append(c.samples[:0], c.samples[first:]...)
	}
}

func (c *Controller) metrics() Metrics {
	now := c.clock()
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	c.pruneLocked(now)

	m := Metrics{Samples: len(c.samples)}
	if m.Samples == 0 {
		return m
	}
	latencies := make([]time.Duration, 0, m.Samples)
	errs := 0
	for _, s := range c.samples {
		latencies = append(latencies, s.latency)
		if s.isErr {
			errs++
		}
	}
	m.ErrorRate = float64(errs) / float64(m.Samples)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (95 * len(latencies)) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	m.P95Latency = latencies[idx]
	return m
}

// Level returns the current state. Hot path: RLock only.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// AllowSemantic reports whether semantic scoring may run.
func (c *Controller) AllowSemantic() bool {
	return c.Level() == D0
}

// AllowSkill reports whether a skill of the given trust level is served
// under the current state.
func (c *Controller) AllowSkill(trust contracts.TrustLevel) bool {
	switch c.Level() {
	case D0, D1:
		return true
	case D2:
		return trust.Rank() >= contracts.TrustCertified.Rank()
	default:
		return trust == contracts.TrustEssential
	}
}

// TightenSafety reports whether safety thresholds are tightened (D2+).
func (c *Controller) TightenSafety() bool {
	return c.Level() >= D2
}

// Snapshot returns the state and the metrics that justified it.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Level: c.level, LastTransition: c.lastTransition, Metrics: c.lastMetrics}
}

// Tick is one monitor cycle: recompute metrics and apply at most one
// transition (up or down by exactly one level). Only the monitor calls
// Tick; it is the single writer of the level.
func (c *Controller) Tick() (from, to Level, changed bool) {
	m := c.metrics()

	c.mu.Lock()
	defer c.mu.Unlock()

	from = c.level
	to = c.level

	if m.Samples >= c.cfg.MinSamples && c.level < D3 {
		i := int(c.level)
		if m.ErrorRate > c.cfg.EscalateErrorRate[i] || m.P95Latency > c.cfg.EscalateP95[i] {
			to = c.level + 1
		}
	}
	if to == from && c.level > D0 {
		i := int(c.level) - 1
		// De-escalation requires the metrics to fall below the strictly
		// lower recovery thresholds; an empty window also recovers.
		if m.Samples == 0 ||
			(m.ErrorRate < c.cfg.DeescalateErrorRate[i] && m.P95Latency < c.cfg.DeescalateP95[i]) {
			to = c.level - 1
		}
	}

	c.lastMetrics = m
	if to == from {
		return from, to, false
	}

	c.level = to
	c.lastTransition = c.clock()
	if to > from {
		c.logger.Warn("degradation escalated", "from", from.String(), "to", to.String(),
			"error_rate", m.ErrorRate, "p95", m.P95Latency)
	} else {
		c.logger.Info("degradation recovered", "from", from.String(), "to", to.String(),
			"error_rate", m.ErrorRate, "p95", m.P95Latency)
	}
	return from, to, true
}

// Run drives the monitor until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
