// Package registry is the source of truth for registered skills and their
// trust chain. Entries are accepted only with a registration signature that
// verifies against the configured root-of-trust key or an already-trusted
// delegate (bounded chain depth). Every accepted mutation is appended to a
// hash-chained transparency log; revocation supersedes, it never edits.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/osprey/pkg/canonicalize"
	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/crypto"
	"github.com/Mindburn-Labs/osprey/pkg/ledger"
)

var (
	// ErrTrustChainInvalid covers every registration rejection: bad
	// signature, unknown or revoked signer, excessive chain depth.
	ErrTrustChainInvalid = errors.New("registry: trust chain invalid")

	// ErrNotFound is returned for lookups of unregistered skills.
	ErrNotFound = errors.New("registry: skill not found")
)

// RootSigner is the SignedBy value anchoring a chain directly at the root key.
const RootSigner = "root"

// DefaultMaxChainDepth bounds root → delegate → leaf.
const DefaultMaxChainDepth = 3

var skillIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

type entryState struct {
	entry *contracts.RegistryEntry
	depth int // 1 = signed by root
}

// Registry is a thread-safe in-memory skill registry with a version stamp
// that increments on every mutation (router caches key off it).
type Registry struct {
	mu            sync.RWMutex
	rootKey       string // PEM or base64 secret, paired with rootAlg
	rootAlg       crypto.Algorithm
	maxChainDepth int

	active  map[string]*entryState
	history map[string][]*contracts.RegistryEntry
	version uint64

	translog *ledger.Ledger
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates a registry anchored at the given root-of-trust public key.
func New(rootKey string, rootAlg crypto.Algorithm, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rootKey:       rootKey,
		rootAlg:       rootAlg,
		maxChainDepth: DefaultMaxChainDepth,
		active:        make(map[string]*entryState),
		history:       make(map[string][]*contracts.RegistryEntry),
		version:       1,
		translog:      ledger.New("transparency"),
		clock:         time.Now,
		logger:        logger.With("component", "registry"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithMaxChainDepth overrides the delegation depth bound.
func (r *Registry) WithMaxChainDepth(depth int) *Registry {
	r.maxChainDepth = depth
	return r
}

// Register verifies and stores a candidate entry. On success the accepted
// entry (with RegisteredAt and Status populated) is returned and a
// transparency log entry is appended whose prev hash equals the log tail.
func (r *Registry) Register(candidate *contracts.RegistryEntry) (*contracts.RegistryEntry, error) {
	if err := r.validate(candidate); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	depth, err := r.verifyChainLocked(candidate)
	if err != nil {
		return nil, err
	}

	accepted := *candidate
	accepted.RegisteredAt = r.clock().UTC()
	accepted.Status = contracts.EntryActive

	if prior, ok := r.active[accepted.SkillID]; ok {
		superseded := *prior.entry
		superseded.Status = contracts.EntrySuperseded
		r.history[accepted.SkillID] = append(r.history[accepted.SkillID], &superseded)
	}
	r.active[accepted.SkillID] = &entryState{entry: &accepted, depth: depth}
	r.history[accepted.SkillID] = append(r.history[accepted.SkillID], &accepted)
	r.version++

	contentHash, err := canonicalize.CanonicalHash(accepted.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("registry: hash entry: %w", err)
	}
	if _, err := r.translog.Append("REGISTERED", map[string]any{
		"skill_id":     accepted.SkillID,
		"content_hash": contentHash,
		"signed_by":    accepted.SignedBy,
		"trust_level":  string(accepted.TrustLevel),
	}); err != nil {
		return nil, err
	}

	r.logger.Info("skill registered",
		"skill_id", accepted.SkillID,
		"trust_level", accepted.TrustLevel,
		"signed_by", accepted.SignedBy,
		"chain_depth", depth)
	return &accepted, nil
}

func (r *Registry) validate(e *contracts.RegistryEntry) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrTrustChainInvalid)
	}
	if !skillIDPattern.MatchString(e.SkillID) {
		return fmt.Errorf("%w: invalid skill id %q", ErrTrustChainInvalid, e.SkillID)
	}
	if e.Name == "" {
		return fmt.Errorf("%w: missing name", ErrTrustChainInvalid)
	}
	if _, err := semver.NewVersion(e.Version); err != nil {
		return fmt.Errorf("%w: invalid version %q: %v", ErrTrustChainInvalid, e.Version, err)
	}
	if e.TrustLevel.Rank() < 0 {
		return fmt.Errorf("%w: unknown trust level %q", ErrTrustChainInvalid, e.TrustLevel)
	}
	if e.Signature == "" {
		return fmt.Errorf("%w: missing registration signature", ErrTrustChainInvalid)
	}
	if _, err := crypto.ParseAlgorithm(e.Alg); err != nil {
		return fmt.Errorf("%w: %v", ErrTrustChainInvalid, err)
	}
	if len(e.SupportedAlgorithms) == 0 {
		return fmt.Errorf("%w: empty supported algorithm set", ErrTrustChainInvalid)
	}
	for _, alg := range e.SupportedAlgorithms {
		if _, err := crypto.ParseAlgorithm(alg); err != nil {
			return fmt.Errorf("%w: %v", ErrTrustChainInvalid, err)
		}
	}
	return nil
}

// verifyChainLocked resolves the signer and checks the registration
// signature. Returns the chain depth of the new entry.
func (r *Registry) verifyChainLocked(e *contracts.RegistryEntry) (int, error) {
	canonical, err := canonicalize.JCS(e.Unsigned())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTrustChainInvalid, err)
	}

	alg := crypto.Algorithm(e.Alg)
	if e.SignedBy == RootSigner {
		if alg != r.rootAlg {
			return 0, fmt.Errorf("%w: root signatures use %s, got %s", ErrTrustChainInvalid, r.rootAlg, alg)
		}
		ok, err := crypto.Verify(canonical, e.Signature, r.rootKey, alg)
		if err != nil || !ok {
			return 0, fmt.Errorf("%w: root signature verification failed", ErrTrustChainInvalid)
		}
		return 1, nil
	}

	signer, ok := r.active[e.SignedBy]
	if !ok {
		return 0, fmt.Errorf("%w: unknown signer %q", ErrTrustChainInvalid, e.SignedBy)
	}
	if signer.entry.Status != contracts.EntryActive {
		return 0, fmt.Errorf("%w: signer %q is not active", ErrTrustChainInvalid, e.SignedBy)
	}
	if signer.entry.TrustLevel.Rank() < contracts.TrustCertified.Rank() {
		return 0, fmt.Errorf("%w: signer %q may not delegate (trust %s)", ErrTrustChainInvalid, e.SignedBy, signer.entry.TrustLevel)
	}
	if signer.depth+1 > r.maxChainDepth {
		return 0, fmt.Errorf("%w: chain depth %d exceeds bound %d", ErrTrustChainInvalid, signer.depth+1, r.maxChainDepth)
	}
	verified, err := crypto.Verify(canonical, e.Signature, signer.entry.PublicKey, alg)
	if err != nil || !verified {
		return 0, fmt.Errorf("%w: delegate signature verification failed", ErrTrustChainInvalid)
	}
	return signer.depth + 1, nil
}

// revocationPayload is the structure a revoker signs.
func revocationPayload(skillID, signedBy string) map[string]any {
	return map[string]any{
		"action":    "REVOKE",
		"skill_id":  skillID,
		"signed_by": signedBy,
	}
}

// Revoke supersedes a skill's active entry with a revoked one. The
// revocation must be signed by the root or an active delegate; the prior
// entry stays in history untouched.
func (r *Registry) Revoke(skillID, signedBy, signatureB64, alg string) error {
	parsedAlg, err := crypto.ParseAlgorithm(alg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustChainInvalid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.active[skillID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, skillID)
	}

	canonical, err := canonicalize.JCS(revocationPayload(skillID, signedBy))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustChainInvalid, err)
	}

	var verified bool
	if signedBy == RootSigner {
		verified, err = crypto.Verify(canonical, signatureB64, r.rootKey, parsedAlg)
	} else if signer, found := r.active[signedBy]; found &&
		signer.entry.TrustLevel.Rank() >= contracts.TrustCertified.Rank() {
		verified, err = crypto.Verify(canonical, signatureB64, signer.entry.PublicKey, parsedAlg)
	}
	if err != nil || !verified {
		return fmt.Errorf("%w: revocation signature verification failed", ErrTrustChainInvalid)
	}

	revoked := *state.entry
	revoked.Status = contracts.EntryRevoked
	r.history[skillID] = append(r.history[skillID], &revoked)
	delete(r.active, skillID)
	r.version++

	if _, err := r.translog.Append("REVOKED", map[string]any{
		"skill_id":   skillID,
		"revoked_by": signedBy,
	}); err != nil {
		return err
	}
	r.logger.Warn("skill revoked", "skill_id", skillID, "revoked_by", signedBy)
	return nil
}

// Get returns the active entry for a skill id. O(1).
func (r *Registry) Get(skillID string) (*contracts.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.active[skillID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, skillID)
	}
	entry := *state.entry
	return &entry, nil
}

// List returns copies of all active entries.
func (r *Registry) List() []*contracts.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.RegistryEntry, 0, len(r.active))
	for _, state := range r.active {
		entry := *state.entry
		out = append(out, &entry)
	}
	return out
}

// History returns the full append-only history of a skill, oldest first.
func (r *Registry) History(skillID string) []*contracts.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.history[skillID]
	out := make([]*contracts.RegistryEntry, len(src))
	copy(out, src)
	return out
}

// Version returns the current registry version stamp. Any mutation
// increments it, which invalidates router cache entries computed against
// older versions.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// TransparencyLog exposes the append-only registration log.
func (r *Registry) TransparencyLog() *ledger.Ledger {
	return r.translog
}

// SignRevocation is a helper for admin tooling: it produces the canonical
// bytes a revoker must sign for the given skill.
func SignRevocation(skillID, signedBy string) ([]byte, error) {
	return canonicalize.JCS(revocationPayload(skillID, signedBy))
}

// SignableEntry returns the canonical bytes a registrant must sign.
func SignableEntry(e *contracts.RegistryEntry) ([]byte, error) {
	return canonicalize.JCS(e.Unsigned())
}
