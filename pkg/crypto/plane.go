package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// KeyRef is an opaque handle to private key material inside the keystore.
// Holding a KeyRef grants the ability to sign with it, not to read it.
type KeyRef string

// ErrUnknownKey is returned when a KeyRef is not loaded.
var ErrUnknownKey = errors.New("crypto: unknown key reference")

type keyEntry struct {
	alg       Algorithm
	private   any
	publicPEM string // empty for symmetric keys
}

// Plane holds the process's signing keys and implements the sign/verify
// primitives. Keys are loaded once at startup; the map is read-only
// afterwards in practice, but a mutex keeps Load safe regardless.
type Plane struct {
	mu   sync.RWMutex
	keys map[KeyRef]*keyEntry
}

// NewPlane creates an empty crypto plane.
func NewPlane() *Plane {
	return &Plane{keys: make(map[KeyRef]*keyEntry)}
}

// Load parses private key material and stores it under ref.
// material is a PKCS#8 PEM for asymmetric algorithms or a base64 secret
// for HMAC. The public half (if any) must be provided for export.
func (p *Plane) Load(ref KeyRef, alg Algorithm, material []byte, publicPEM string) error {
	if _, err := ParseAlgorithm(string(alg)); err != nil {
		return err
	}
	priv, err := parsePrivateKey(alg, material)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[ref] = &keyEntry{alg: alg, private: priv, publicPEM: publicPEM}
	return nil
}

// Generate creates fresh key material for alg, loads it under ref, and
// returns the public half (PEM, or the base64 secret for HMAC).
func (p *Plane) Generate(ref KeyRef, alg Algorithm) (string, error) {
	priv, pub, err := GenerateKey(alg)
	if err != nil {
		return "", err
	}
	if err := p.Load(ref, alg, priv, string(pub)); err != nil {
		return "", err
	}
	return string(pub), nil
}

// PublicKey returns the exportable public half for ref. Private bytes are
// never returned through any Plane method.
func (p *Plane) PublicKey(ref KeyRef) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.keys[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, ref)
	}
	return entry.publicPEM, nil
}

// KeyAlgorithm returns the algorithm a key was loaded for.
func (p *Plane) KeyAlgorithm(ref KeyRef) (Algorithm, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.keys[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, ref)
	}
	return entry.alg, nil
}

// Sign signs data with the referenced key using alg and returns the
// base64-encoded signature. The key's loaded algorithm must match alg.
func (p *Plane) Sign(data []byte, ref KeyRef, alg Algorithm) (string, error) {
	p.mu.RLock()
	entry, ok := p.keys[ref]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, ref)
	}
	if entry.alg != alg {
		return "", fmt.Errorf("crypto: key %s is loaded for %s, not %s", ref, entry.alg, alg)
	}

	sc, ok := schemes[alg]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	sig, err := sc.sign(sc, entry.private, data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over data against public key material.
// It returns (false, err) on malformed inputs and (false, nil) on a clean
// cryptographic mismatch; it never panics across stage boundaries.
func Verify(data []byte, signatureB64 string, publicKey string, alg Algorithm) (bool, error) {
	sc, ok := schemes[alg]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature encoding: %w", err)
	}
	pub, err := parsePublicKey(alg, []byte(publicKey))
	if err != nil {
		return false, err
	}
	return sc.verify(sc, pub, data, sig), nil
}
