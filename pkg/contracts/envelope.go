// Package contracts defines the shared wire types of the osprey routing
// plane: the inbound Envelope, registry and trust types, routing and safety
// verdicts, and the signed delivery receipt.
//
// All signable types are canonicalized with JCS before hashing or signing;
// none of them are mutated after validation.
package contracts

// Envelope is the validated, immutable inbound request unit.
//
// Invariants:
//   - issued_at + ttl_seconds is evaluated once at intake
//   - downstream stages only ever read a validated copy
type Envelope struct {
	// RequestID uniquely identifies this request (caller-assigned).
	RequestID string `json:"request_id"`

	// Query is the routing hint: free text or an explicit skill id.
	Query string `json:"query"`

	// Payload is the opaque structured input handed to the skill.
	Payload map[string]any `json:"payload,omitempty"`

	// Caller identifies the requesting party.
	Caller string `json:"caller"`

	// Signature is the caller's signature over the envelope minus this
	// field, base64-encoded. Optional unless enforcement is on.
	Signature string `json:"signature,omitempty"`

	// Alg names the signature algorithm (one of the nine identifiers).
	Alg string `json:"alg,omitempty"`

	// IssuedAt is a unix timestamp in seconds.
	IssuedAt int64 `json:"issued_at"`

	// TTLSeconds bounds the envelope's validity from IssuedAt.
	TTLSeconds int64 `json:"ttl_seconds"`

	// IdempotencyKey deduplicates deliveries. Same key within the record's
	// validity window returns the previously signed receipt unchanged.
	IdempotencyKey string `json:"idempotency_key"`
}

// ExpiresAt returns the unix second at which the envelope expires.
// An envelope is still valid at the exact boundary.
func (e *Envelope) ExpiresAt() int64 {
	return e.IssuedAt + e.TTLSeconds
}

// Unsigned returns a copy of the envelope with the signature field cleared,
// which is the exact structure the caller signed.
func (e *Envelope) Unsigned() *Envelope {
	copied := *e
	copied.Signature = ""
	return &copied
}
