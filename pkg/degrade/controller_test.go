package degrade

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

func testController(t *testing.T) (*Controller, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.WithClock(func() time.Time { return now })
	return c, &now
}

func feed(c *Controller, n int, latency time.Duration, errRate float64) {
	errs := int(float64(n) * errRate)
	for i := 0; i < n; i++ {
		c.Record(latency, i < errs)
	}
}

func TestStartsAtD0(t *testing.T) {
	c, _ := testController(t)
	require.Equal(t, D0, c.Level())
	require.True(t, c.AllowSemantic())
	require.False(t, c.TightenSafety())
}

func TestEscalatesOnErrorRate(t *testing.T) {
	c, _ := testController(t)
	feed(c, 20, 50*time.Millisecond, 0.5)

	from, to, changed := c.Tick()
	require.True(t, changed)
	require.Equal(t, D0, from)
	require.Equal(t, D1, to)
	require.False(t, c.AllowSemantic())
}

func TestEscalatesOnLatency(t *testing.T) {
	c, _ := testController(t)
	feed(c, 20, 3*time.Second, 0)

	_, to, changed := c.Tick()
	require.True(t, changed)
	require.Equal(t, D1, to)
}

func TestOneLevelPerCycle(t *testing.T) {
	c, _ := testController(t)
	feed(c, 50, 10*time.Second, 1.0)

	_, to, _ := c.Tick()
	require.Equal(t, D1, to)
	_, to, _ = c.Tick()
	require.Equal(t, D2, to)
	_, to, _ = c.Tick()
	require.Equal(t, D3, to)
	// Already at the floor, no further escalation.
	_, to, changed := c.Tick()
	require.Equal(t, D3, to)
	require.False(t, changed)
}

func TestHysteresisNoOscillation(t *testing.T) {
	c, now := testController(t)
	feed(c, 20, 50*time.Millisecond, 0.5)
	c.Tick()
	require.Equal(t, D1, c.Level())

	// Error rate between the de-escalate (0.05) and escalate (0.10)
	// thresholds for the D0/D1 boundary: the state must hold at D1.
	for i := 0; i < 5; i++ {
		*now = now.Add(DefaultConfig().Window + time.Second)
		feed(c, 100, 50*time.Millisecond, 0.07)
		_, _, changed := c.Tick()
		require.False(t, changed)
		require.Equal(t, D1, c.Level())
	}
}

func TestDeescalatesBelowRecoveryThreshold(t *testing.T) {
	c, now := testController(t)
	feed(c, 20, 50*time.Millisecond, 0.5)
	c.Tick()
	require.Equal(t, D1, c.Level())

	*now = now.Add(DefaultConfig().Window + time.Second)
	feed(c, 100, 50*time.Millisecond, 0.01)
	from, to, changed := c.Tick()
	require.True(t, changed)
	require.Equal(t, D1, from)
	require.Equal(t, D0, to)
}

func TestEmptyWindowRecovers(t *testing.T) {
	c, now := testController(t)
	feed(c, 20, 50*time.Millisecond, 1.0)
	c.Tick()
	require.Equal(t, D1, c.Level())

	*now = now.Add(DefaultConfig().Window + time.Minute)
	_, to, changed := c.Tick()
	require.True(t, changed)
	require.Equal(t, D0, to)
}

func TestMinSamplesGuardsEscalation(t *testing.T) {
	c, _ := testController(t)
	feed(c, 3, 10*time.Second, 1.0)

	_, _, changed := c.Tick()
	require.False(t, changed)
	require.Equal(t, D0, c.Level())
}

func TestSkillGatingByLevel(t *testing.T) {
	c, _ := testController(t)

	c.level = D1
	require.True(t, c.AllowSkill(contracts.TrustSelfSigned))

	c.level = D2
	require.False(t, c.AllowSkill(contracts.TrustSelfSigned))
	require.False(t, c.AllowSkill(contracts.TrustCommunity))
	require.True(t, c.AllowSkill(contracts.TrustCertified))
	require.True(t, c.AllowSkill(contracts.TrustEssential))
	require.True(t, c.TightenSafety())

	c.level = D3
	require.False(t, c.AllowSkill(contracts.TrustCertified))
	require.True(t, c.AllowSkill(contracts.TrustEssential))
}

func TestSnapshotCarriesMetrics(t *testing.T) {
	c, _ := testController(t)
	feed(c, 20, 50*time.Millisecond, 0.5)
	c.Tick()

	snap := c.Snapshot()
	require.Equal(t, D1, snap.Level)
	require.False(t, snap.LastTransition.IsZero())
	require.Equal(t, 20, snap.Metrics.Samples)
	require.InDelta(t, 0.5, snap.Metrics.ErrorRate, 1e-9)
}
