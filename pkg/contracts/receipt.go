package contracts

import "time"

// DeliveryReceipt is the signed proof returned to the caller after a
// pipeline pass, successful or not.
//
// Security properties:
//   - RequestHash and ResponseHash are SHA-256 over JCS canonical forms
//   - Signature covers the JCS form of the receipt minus the signature field
//   - Repeated idempotency keys return byte-identical receipts
type DeliveryReceipt struct {
	ReceiptID string `json:"receipt_id"`
	RequestID string `json:"request_id"`
	SkillID   string `json:"skill_id,omitempty"`

	RequestHash  string `json:"request_hash"`
	ResponseHash string `json:"response_hash,omitempty"`

	Verdict SafetyVerdict `json:"verdict"`

	// Result is the skill's output, absent on rejection.
	Result any `json:"result,omitempty"`

	// ErrorCode and ErrorMessage are set when the request was rejected.
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Expired marks results recorded after mid-pipeline TTL expiry.
	Expired bool `json:"expired,omitempty"`

	IssuedAt time.Time `json:"issued_at"`

	// Alg and KeyID describe the server signature below.
	Alg       string `json:"alg"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature,omitempty"`
}

// Unsigned returns a copy with the signature cleared, the exact structure
// the server signed.
func (r *DeliveryReceipt) Unsigned() *DeliveryReceipt {
	copied := *r
	copied.Signature = ""
	return &copied
}

// IdempotencyRecord caches the first delivery of an idempotency key.
// Read-only after creation until expiry.
type IdempotencyRecord struct {
	Key          string    `json:"key"`
	ResponseHash string    `json:"response_hash"`
	Receipt      []byte    `json:"receipt"` // canonical JSON of the signed receipt
	ExpiresAt    time.Time `json:"expires_at"`
}
