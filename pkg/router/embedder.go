package router

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder maps text to a fixed-dimension vector. Implementations must
// be safe for concurrent use; the router calls Embed on every cache miss
// while semantic scoring is enabled.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// HashEmbedder is a deterministic feature-hashing embedder. It needs no
// external model service, which keeps semantic scoring available in
// air-gapped deployments; a provider-backed Embedder can be swapped in
// through RouterConfig.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimension() int { return e.dim }

// Embed hashes each term (and adjacent term bigrams) into a bucket and
// L2-normalizes the result, so cosine similarity reduces to a dot
// product.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	terms := tokenize(normalizeQuery(text))
	for i, term := range terms {
		vec[e.bucket(term)]++
		if i+1 < len(terms) {
			vec[e.bucket(term+" "+terms[i+1])] += 0.5
		}
	}
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq > 0 {
		inv := 1 / math.Sqrt(sumSq)
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (e *HashEmbedder) bucket(term string) int {
	h := fnv.New32a()
	h.Write([]byte(term))
	return int(h.Sum32()) % e.dim
}

// cosineSimilarity returns the cosine of the angle between a and b,
// clamped to [0, 1] (negative similarity is treated as no similarity).
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	return sim
}
