package contracts

import "time"

// TrustLevel orders how much the plane trusts a registered skill.
// Higher ranks win routing ties and survive deeper degradation.
type TrustLevel string

const (
	TrustSelfSigned TrustLevel = "self_signed"
	TrustCommunity  TrustLevel = "community"
	TrustCertified  TrustLevel = "certified"
	TrustEssential  TrustLevel = "essential"
)

// Rank returns the numeric ordering of a trust level (higher = more trusted).
// Unknown levels rank below self_signed.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustEssential:
		return 3
	case TrustCertified:
		return 2
	case TrustCommunity:
		return 1
	case TrustSelfSigned:
		return 0
	default:
		return -1
	}
}

// EntryStatus tracks whether a registry entry is the active head of its
// skill's history or has been superseded.
type EntryStatus string

const (
	EntryActive     EntryStatus = "active"
	EntryRevoked    EntryStatus = "revoked"
	EntrySuperseded EntryStatus = "superseded"
)

// RegistryEntry is the capability record for one skill. Entries are owned
// exclusively by the registry and mutated only through verified
// registration operations; history is append-only.
type RegistryEntry struct {
	SkillID     string `json:"skill_id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// ActivationKeywords feed the router's lexical index alongside
	// Name and Description.
	ActivationKeywords []string `json:"activation_keywords,omitempty"`

	// Version is a semantic version string.
	Version string `json:"version"`

	// PublicKey is the skill's PEM-encoded public key (or base64 secret
	// for HMAC-only skills).
	PublicKey string `json:"public_key"`

	// SupportedAlgorithms lists the signature algorithms the skill
	// accepts for receipts. Callers may only negotiate within this set.
	SupportedAlgorithms []string `json:"supported_algorithms"`

	TrustLevel TrustLevel  `json:"trust_level"`
	Status     EntryStatus `json:"status"`

	// Signature covers the JCS form of the entry minus this field.
	Signature string `json:"signature,omitempty"`

	// Alg is the algorithm used for Signature.
	Alg string `json:"alg"`

	// SignedBy is "root" or the skill id of an already-trusted delegate.
	SignedBy string `json:"signed_by"`

	RegisteredAt time.Time `json:"registered_at"`
}

// Unsigned returns a copy of the entry with the signature cleared; this is
// the structure the registration signature covers.
func (e *RegistryEntry) Unsigned() *RegistryEntry {
	copied := *e
	copied.Signature = ""
	return &copied
}

// SupportsAlgorithm reports whether alg is in the entry's negotiable set.
func (e *RegistryEntry) SupportsAlgorithm(alg string) bool {
	for _, a := range e.SupportedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}
