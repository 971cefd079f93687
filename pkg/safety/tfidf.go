package safety

import (
	"math"
	"regexp"
	"strings"
)

var termRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// stopwords are function words excluded from the term stream. Without
// this, category vectors built from phrases like "man in the middle"
// match any query containing "in" or "the".
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "can": true, "do": true,
	"for": true, "from": true, "have": true, "how": true, "i": true,
	"if": true, "in": true, "is": true, "it": true, "me": true,
	"my": true, "no": true, "now": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "will": true, "with": true,
	"you": true, "your": true,
}

// terms lowercases and splits text into unigrams and adjacent bigrams.
// Bigrams let multi-word category keywords ("system prompt") match
// without substring scanning. Stopword unigrams are dropped, as are
// bigrams made of two stopwords; mixed bigrams ("no restrictions")
// survive as phrase evidence.
func terms(text string) []string {
	fields := strings.Fields(termRe.ReplaceAllString(strings.ToLower(text), " "))
	out := make([]string, 0, 2*len(fields))
	for i, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
		if i+1 < len(fields) && !(stopwords[f] && stopwords[fields[i+1]]) {
			out = append(out, f+" "+fields[i+1])
		}
	}
	return out
}

// termDistribution returns the normalized term-frequency distribution of
// text. Used both for KL scoring and baseline construction.
func termDistribution(text string) map[string]float64 {
	ts := terms(text)
	if len(ts) == 0 {
		return nil
	}
	dist := make(map[string]float64, len(ts))
	for _, t := range ts {
		dist[t]++
	}
	n := float64(len(ts))
	for t := range dist {
		dist[t] /= n
	}
	return dist
}

// tfidfModel holds the category vectors. Built once at construction,
// read-only afterwards so concurrent checks share it without locking.
type tfidfModel struct {
	idf     map[string]float64
	vectors []map[string]float64
}

func buildTFIDFModel(cats []category) *tfidfModel {
	docs := make([][]string, len(cats))
	docFreq := make(map[string]int)
	for i, c := range cats {
		docs[i] = terms(strings.Join(c.keywords, " "))
		seen := make(map[string]bool)
		for _, t := range docs[i] {
			if !seen[t] {
				seen[t] = true
				docFreq[t]++
			}
		}
	}

	m := &tfidfModel{idf: make(map[string]float64, len(docFreq))}
	n := float64(len(cats))
	for t, df := range docFreq {
		m.idf[t] = math.Log((n+1)/(float64(df)+1)) + 1
	}

	m.vectors = make([]map[string]float64, len(cats))
	for i, doc := range docs {
		vec := make(map[string]float64)
		for _, t := range doc {
			vec[t]++
		}
		for t := range vec {
			vec[t] *= m.idf[t]
		}
		normalizeVector(vec)
		m.vectors[i] = vec
	}
	return m
}

// vectorize builds the L2-normalized TF-IDF vector of a query, restricted
// to the model vocabulary.
func (m *tfidfModel) vectorize(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, t := range terms(text) {
		if idf, ok := m.idf[t]; ok {
			vec[t] += idf
		}
	}
	normalizeVector(vec)
	return vec
}

// bestMatch returns the category index with the highest cosine similarity
// to the query vector, and that similarity.
func (m *tfidfModel) bestMatch(queryVec map[string]float64) (int, float64) {
	best, bestSim := -1, 0.0
	for i, catVec := range m.vectors {
		var dot float64
		for t, v := range queryVec {
			dot += v * catVec[t]
		}
		if dot > bestSim {
			best, bestSim = i, dot
		}
	}
	return best, bestSim
}

func normalizeVector(vec map[string]float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	inv := 1 / math.Sqrt(sumSq)
	for t := range vec {
		vec[t] *= inv
	}
}

const klEpsilon = 1e-10

// klDivergence computes D(P || Q) over the union of both supports, with
// epsilon smoothing so unseen terms never produce infinities.
func klDivergence(p, q map[string]float64) float64 {
	support := make(map[string]struct{}, len(p)+len(q))
	for t := range p {
		support[t] = struct{}{}
	}
	for t := range q {
		support[t] = struct{}{}
	}
	var d float64
	for t := range support {
		pi := math.Max(p[t], klEpsilon)
		qi := math.Max(q[t], klEpsilon)
		d += pi * math.Log(pi/qi)
	}
	return d
}

// squashKL maps an unbounded divergence into [0, 1).
func squashKL(d float64) float64 {
	if d <= 0 {
		return 0
	}
	return d / (d + 1)
}
