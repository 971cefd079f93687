// Package router scores a query against every active skill and selects
// the best candidate. Lexical relevance comes from Okapi BM25 over the
// skill's name, description and activation keywords; semantic relevance
// from embedding cosine similarity when the degradation state permits.
// Results for repeated queries are served from a bounded LRU keyed by
// normalized query text and stamped with the registry version.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

// ErrNoRouteMatch is returned when no candidate clears the minimum
// confidence threshold.
var ErrNoRouteMatch = errors.New("no skill matched the query above the confidence threshold")

// tieEpsilon is the combined-score delta under which two candidates are
// considered tied and secondary ordering applies.
const tieEpsilon = 1e-6

// SkillSource is the registry view the router needs: the active skill
// snapshot and the version stamp that invalidates cached routes.
type SkillSource interface {
	List() []*contracts.RegistryEntry
	Version() uint64
}

// SemanticGate reports whether semantic scoring may run. The degradation
// controller implements it; D1 and above disable semantic scoring.
type SemanticGate interface {
	AllowSemantic() bool
}

// Config holds the routing policy knobs.
type Config struct {
	LexicalWeight  float64       `yaml:"lexical_weight"`
	SemanticWeight float64       `yaml:"semantic_weight"`
	MinConfidence  float64       `yaml:"min_confidence"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default routing policy.
func DefaultConfig() Config {
	return Config{
		LexicalWeight:  0.4,
		SemanticWeight: 0.6,
		MinConfidence:  0.05,
		CacheSize:      256,
		CacheTTL:       5 * time.Minute,
	}
}

// Router computes route candidates for queries.
type Router struct {
	source   SkillSource
	embedder Embedder
	gate     SemanticGate
	cfg      Config
	cache    *routeCache
	logger   *slog.Logger
	clock    func() time.Time

	idxMu      sync.Mutex
	idx        *bm25Index
	idxVersion uint64
	idxEntries []*contracts.RegistryEntry
	idxVecs    [][]float64
}

// New creates a router over the given skill source.
func New(source SkillSource, embedder Embedder, gate SemanticGate, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	clock := time.Now
	return &Router{
		source:   source,
		embedder: embedder,
		gate:     gate,
		cfg:      cfg,
		cache:    newRouteCache(cfg.CacheSize, cfg.CacheTTL, clock),
		logger:   logger.With("component", "router"),
		clock:    clock,
	}
}

// Route scores the query against all active skills and returns the
// candidate list in rank order. The first candidate is the selection.
func (r *Router) Route(ctx context.Context, query string) ([]contracts.RouteCandidate, error) {
	normalized := normalizeQuery(query)
	terms := tokenize(normalized)
	if len(terms) == 0 {
		return nil, contracts.NewPipelineError(contracts.ErrNoRouteMatch, "query contains no scorable terms")
	}

	version := r.source.Version()
	if cached, ok := r.cache.get(normalized, version); ok {
		return cached, nil
	}

	idx, entries, vecs, err := r.snapshot(ctx, version)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, contracts.NewPipelineError(contracts.ErrNoRouteMatch, "no skills registered")
	}

	semantic := r.gate == nil || r.gate.AllowSemantic()
	var queryVec []float64
	if semantic {
		queryVec, err = r.embedder.Embed(ctx, normalized)
		if err != nil {
			// Semantic scoring is best-effort; fall back to BM25-only
			// rather than failing the request.
			r.logger.Warn("embedding failed, using lexical score only", "error", err)
			semantic = false
		}
	}

	candidates := make([]contracts.RouteCandidate, 0, len(entries))
	for i, entry := range entries {
		lexical := normalizeBM25(idx.score(i, terms))
		var sem float64
		if semantic && vecs[i] != nil {
			sem = cosineSimilarity(queryVec, vecs[i])
		}
		var combined float64
		if semantic {
			combined = r.cfg.LexicalWeight*lexical + r.cfg.SemanticWeight*sem
		} else {
			combined = lexical
		}
		candidates = append(candidates, contracts.RouteCandidate{
			SkillID:  entry.SkillID,
			Lexical:  lexical,
			Semantic: sem,
			Combined: combined,
		})
	}

	r.rank(candidates, entries)
	if candidates[0].Combined < r.cfg.MinConfidence {
		return nil, contracts.NewPipelineError(contracts.ErrNoRouteMatch, "no candidate cleared the confidence threshold")
	}

	r.cache.put(normalized, version, candidates)
	r.logger.Debug("routed query",
		"skill_id", candidates[0].SkillID,
		"combined", candidates[0].Combined,
		"semantic_enabled", semantic)
	return candidates, nil
}

// rank sorts candidates by combined score; within tieEpsilon the order
// is higher trust, then lexical score, then oldest registration, then
// skill id byte order.
func (r *Router) rank(candidates []contracts.RouteCandidate, entries []*contracts.RegistryEntry) {
	byID := make(map[string]*contracts.RegistryEntry, len(entries))
	for _, e := range entries {
		byID[e.SkillID] = e
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if diff := a.Combined - b.Combined; diff > tieEpsilon || diff < -tieEpsilon {
			return a.Combined > b.Combined
		}
		ea, eb := byID[a.SkillID], byID[b.SkillID]
		if ra, rb := ea.TrustLevel.Rank(), eb.TrustLevel.Rank(); ra != rb {
			return ra > rb
		}
		if diff := a.Lexical - b.Lexical; diff > tieEpsilon || diff < -tieEpsilon {
			return a.Lexical > b.Lexical
		}
		if !ea.RegisteredAt.Equal(eb.RegisteredAt) {
			return ea.RegisteredAt.Before(eb.RegisteredAt)
		}
		return a.SkillID < b.SkillID
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

// snapshot returns the BM25 index and per-skill embeddings for the given
// registry version, rebuilding them under a lock when the version has
// moved. Rebuilt structures are swapped in whole.
func (r *Router) snapshot(ctx context.Context, version uint64) (*bm25Index, []*contracts.RegistryEntry, [][]float64, error) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	if r.idx != nil && r.idxVersion == version {
		return r.idx, r.idxEntries, r.idxVecs, nil
	}

	entries := r.source.List()
	sort.Slice(entries, func(i, j int) bool { return entries[i].SkillID < entries[j].SkillID })

	docs := make([]bm25Doc, len(entries))
	vecs := make([][]float64, len(entries))
	for i, e := range entries {
		text := skillDocument(e)
		terms := tokenize(normalizeQuery(text))
		counts := make(map[string]int, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		docs[i] = bm25Doc{skillID: e.SkillID, terms: counts, length: len(terms)}
		vec, err := r.embedder.Embed(ctx, text)
		if err == nil {
			vecs[i] = vec
		}
	}

	r.idx = buildBM25Index(docs)
	r.idxVersion = version
	r.idxEntries = entries
	r.idxVecs = vecs
	return r.idx, r.idxEntries, r.idxVecs, nil
}

// CacheLen reports the number of cached routes, for observability.
func (r *Router) CacheLen() int { return r.cache.len() }

func skillDocument(e *contracts.RegistryEntry) string {
	parts := make([]string, 0, 2+len(e.ActivationKeywords))
	parts = append(parts, e.Name, e.Description)
	parts = append(parts, e.ActivationKeywords...)
	return strings.Join(parts, " ")
}
