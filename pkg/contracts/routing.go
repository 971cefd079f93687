package contracts

// RouteCandidate is one scored skill for a query. Produced fresh per
// request and never persisted.
type RouteCandidate struct {
	SkillID string `json:"skill_id"`

	// Lexical is the BM25 score squashed into [0, 1).
	Lexical float64 `json:"lexical"`

	// Semantic is the cosine similarity in embedding space, zero when
	// semantic scoring is degraded away.
	Semantic float64 `json:"semantic"`

	// Combined is the weighted blend used for ranking.
	Combined float64 `json:"combined"`

	// Rank is the 1-based position after sorting and tie resolution.
	Rank int `json:"rank"`
}

// VerdictLabel is the three-way outcome of the safety classifier.
type VerdictLabel string

const (
	VerdictAllow VerdictLabel = "allow"
	VerdictFlag  VerdictLabel = "flag"
	VerdictBlock VerdictLabel = "block"
)

// SafetyVerdict is attached to a request before delivery. It is never
// retried automatically.
type SafetyVerdict struct {
	Label VerdictLabel `json:"label"`

	// Score is the anomaly score that produced the label (KL divergence
	// or rule-induced maximum).
	Score float64 `json:"score"`

	// ReasonCode explains flag and block labels (e.g. PREFILTER_SQL_INJECTION,
	// DIVERGENCE_EXCEEDED, RULE_DENY).
	ReasonCode string `json:"reason_code,omitempty"`
}
