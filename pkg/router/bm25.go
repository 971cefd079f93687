package router

import "math"

// Okapi BM25 parameters. k1 controls term-frequency saturation, b the
// strength of document-length normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type bm25Doc struct {
	skillID string
	terms   map[string]int
	length  int
}

// bm25Index is an immutable scoring index over a skill snapshot. It is
// rebuilt whole when the registry version changes, never mutated; readers
// share it without locking.
type bm25Index struct {
	docs      []bm25Doc
	docFreq   map[string]int
	avgLength float64
}

func buildBM25Index(docs []bm25Doc) *bm25Index {
	idx := &bm25Index{docs: docs, docFreq: make(map[string]int)}
	total := 0
	for _, d := range docs {
		total += d.length
		for term := range d.terms {
			idx.docFreq[term]++
		}
	}
	if len(docs) > 0 {
		idx.avgLength = float64(total) / float64(len(docs))
	}
	return idx
}

func (idx *bm25Index) idf(term string) float64 {
	n := float64(len(idx.docs))
	df := float64(idx.docFreq[term])
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// score computes the BM25 score of the document at position i for the
// given query terms.
func (idx *bm25Index) score(i int, queryTerms []string) float64 {
	d := idx.docs[i]
	if d.length == 0 || idx.avgLength == 0 {
		return 0
	}
	lenNorm := bm25K1 * (1 - bm25B + bm25B*float64(d.length)/idx.avgLength)
	var s float64
	for _, term := range queryTerms {
		tf := float64(d.terms[term])
		if tf == 0 {
			continue
		}
		s += idx.idf(term) * tf * (bm25K1 + 1) / (tf + lenNorm)
	}
	return s
}

// normalizeBM25 squashes an unbounded BM25 score into [0, 1) so it can
// be combined with the bounded semantic score.
func normalizeBM25(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return x / (x + 1)
}
