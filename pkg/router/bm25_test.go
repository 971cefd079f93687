package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func doc(id, text string) bm25Doc {
	terms := tokenize(normalizeQuery(text))
	counts := make(map[string]int)
	for _, t := range terms {
		counts[t]++
	}
	return bm25Doc{skillID: id, terms: counts, length: len(terms)}
}

func TestBM25RewardsRareTerms(t *testing.T) {
	idx := buildBM25Index([]bm25Doc{
		doc("a", "the quick brown fox"),
		doc("b", "the lazy dog"),
		doc("c", "the quiet fox den"),
	})
	// "the" appears everywhere; "dog" is rare and should dominate.
	require.Greater(t, idx.idf("dog"), idx.idf("the"))

	scoreB := idx.score(1, []string{"lazy", "dog"})
	scoreA := idx.score(0, []string{"lazy", "dog"})
	require.Greater(t, scoreB, scoreA)
}

func TestBM25PenalizesLongDocuments(t *testing.T) {
	idx := buildBM25Index([]bm25Doc{
		doc("short", "weather forecast"),
		doc("long", "weather forecast and many other unrelated words padding the description far beyond what is useful"),
	})
	short := idx.score(0, []string{"weather", "forecast"})
	long := idx.score(1, []string{"weather", "forecast"})
	require.Greater(t, short, long)
}

func TestBM25NoMatchScoresZero(t *testing.T) {
	idx := buildBM25Index([]bm25Doc{doc("a", "alpha beta")})
	require.Zero(t, idx.score(0, []string{"gamma"}))
}

func TestNormalizeBM25Bounded(t *testing.T) {
	require.Zero(t, normalizeBM25(0))
	require.Zero(t, normalizeBM25(-1))
	require.InDelta(t, 0.5, normalizeBM25(1), 1e-9)
	require.Less(t, normalizeBM25(1e9), 1.0)
}
