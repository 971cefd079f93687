package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

type fakeSource struct {
	entries []*contracts.RegistryEntry
	version uint64
}

func (s *fakeSource) List() []*contracts.RegistryEntry {
	out := make([]*contracts.RegistryEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *fakeSource) Version() uint64 { return s.version }

type fakeGate struct{ allow bool }

func (g *fakeGate) AllowSemantic() bool { return g.allow }

func skill(id, name, desc string, trust contracts.TrustLevel, registered time.Time, keywords ...string) *contracts.RegistryEntry {
	return &contracts.RegistryEntry{
		SkillID:            id,
		Name:               name,
		Description:        desc,
		ActivationKeywords: keywords,
		Version:            "1.0.0",
		TrustLevel:         trust,
		Status:             contracts.EntryActive,
		RegisteredAt:       registered,
	}
}

func testRouter(t *testing.T, source SkillSource, gate SemanticGate) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(source, NewHashEmbedder(128), gate, DefaultConfig(), logger)
}

func TestRoutesToLexicallyRelevantSkill(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("weather.lookup", "Weather Lookup", "current weather forecast for a city", contracts.TrustCommunity, base, "weather", "forecast", "temperature"),
		skill("stock.quote", "Stock Quote", "live stock market prices and quotes", contracts.TrustCommunity, base, "stock", "price", "ticker"),
	}}
	r := testRouter(t, source, &fakeGate{allow: true})

	candidates, err := r.Route(context.Background(), "what is the weather forecast in Berlin")
	require.NoError(t, err)
	require.Equal(t, "weather.lookup", candidates[0].SkillID)
	require.Equal(t, 1, candidates[0].Rank)
	require.Greater(t, candidates[0].Combined, candidates[1].Combined)
}

func TestNoRouteMatchBelowThreshold(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("weather.lookup", "Weather Lookup", "weather forecast", contracts.TrustCommunity, base, "weather"),
	}}
	r := testRouter(t, source, &fakeGate{allow: true})

	_, err := r.Route(context.Background(), "zzxqv plomtrik vexalon")
	require.Error(t, err)
	var perr *contracts.PipelineError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, contracts.ErrNoRouteMatch, perr.Code)
}

func TestEmptyQueryRejected(t *testing.T) {
	source := &fakeSource{version: 1}
	r := testRouter(t, source, &fakeGate{allow: true})

	_, err := r.Route(context.Background(), "   !!! ")
	var perr *contracts.PipelineError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, contracts.ErrNoRouteMatch, perr.Code)
}

func TestDegradedSkipsSemanticScore(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("weather.lookup", "Weather Lookup", "weather forecast service", contracts.TrustCommunity, base, "weather", "forecast"),
	}}
	r := testRouter(t, source, &fakeGate{allow: false})

	candidates, err := r.Route(context.Background(), "weather forecast")
	require.NoError(t, err)
	require.Zero(t, candidates[0].Semantic)
	require.Equal(t, candidates[0].Lexical, candidates[0].Combined)
}

func TestTrustLevelBreaksTies(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Identical documents produce identical scores; trust decides.
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("echo.community", "Echo", "echoes the query back", contracts.TrustCommunity, base, "echo"),
		skill("echo.certified", "Echo", "echoes the query back", contracts.TrustCertified, base, "echo"),
	}}
	r := testRouter(t, source, &fakeGate{allow: true})

	candidates, err := r.Route(context.Background(), "echo this")
	require.NoError(t, err)
	require.Equal(t, "echo.certified", candidates[0].SkillID)
}

func TestOldestRegistrationBreaksRemainingTies(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("echo.new", "Echo", "echoes the query back", contracts.TrustCommunity, newer, "echo"),
		skill("echo.old", "Echo", "echoes the query back", contracts.TrustCommunity, older, "echo"),
	}}
	r := testRouter(t, source, &fakeGate{allow: true})

	candidates, err := r.Route(context.Background(), "echo this")
	require.NoError(t, err)
	require.Equal(t, "echo.old", candidates[0].SkillID)
}

func TestCacheHitSkipsRecomputation(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 7, entries: []*contracts.RegistryEntry{
		skill("weather.lookup", "Weather Lookup", "weather forecast", contracts.TrustCommunity, base, "weather"),
	}}
	r := testRouter(t, source, &fakeGate{allow: true})

	first, err := r.Route(context.Background(), "Weather, please!")
	require.NoError(t, err)
	require.Equal(t, 1, r.CacheLen())

	// Differently-punctuated query normalizes to the same cache key.
	second, err := r.Route(context.Background(), "weather please")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, r.CacheLen())
}

func TestRegistryVersionInvalidatesCache(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("weather.lookup", "Weather Lookup", "weather forecast", contracts.TrustCommunity, base, "weather"),
	}}
	r := testRouter(t, source, &fakeGate{allow: true})

	first, err := r.Route(context.Background(), "weather today")
	require.NoError(t, err)
	require.Equal(t, "weather.lookup", first[0].SkillID)

	// A new, better-matching skill arrives and the version moves.
	source.entries = append(source.entries,
		skill("weather.today", "Weather Today", "weather today right now conditions", contracts.TrustCertified, base, "weather", "today"))
	source.version = 2

	second, err := r.Route(context.Background(), "weather today")
	require.NoError(t, err)
	require.Equal(t, "weather.today", second[0].SkillID)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{version: 1, entries: []*contracts.RegistryEntry{
		skill("echo", "Echo", "echo alpha beta gamma delta epsilon", contracts.TrustCommunity, base, "echo", "alpha", "beta", "gamma", "delta", "epsilon"),
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.CacheSize = 2
	r := New(source, NewHashEmbedder(128), &fakeGate{allow: true}, cfg, logger)

	for _, q := range []string{"echo alpha", "echo beta", "echo gamma"} {
		_, err := r.Route(context.Background(), q)
		require.NoError(t, err)
	}
	require.Equal(t, 2, r.CacheLen())
}

func TestNormalizeQuery(t *testing.T) {
	cases := map[string]string{
		"  Hello,   WORLD!  ": "hello world",
		"Café ROUTE":     "café route",
		"a-b_c":               "a b c",
		"ＡＢ":        "ab", // fullwidth folds via NFKC
	}
	for in, want := range cases {
		require.Equal(t, want, normalizeQuery(in), "input %q", in)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "weather forecast berlin")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "weather forecast berlin")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.InDelta(t, 1.0, cosineSimilarity(a, b), 1e-9)

	c, err := e.Embed(context.Background(), "stock market prices")
	require.NoError(t, err)
	require.Less(t, cosineSimilarity(a, c), 1.0)
}
