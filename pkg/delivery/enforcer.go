// Package delivery enforces the contract between the routing plane and
// its callers: TTL bounds, at-most-once semantics per idempotency key,
// signed receipts, and an append-only hash-chained proof log recording
// one entry per completed or rejected request.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/osprey/pkg/canonicalize"
	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/crypto"
	"github.com/Mindburn-Labs/osprey/pkg/ledger"
)

// Proof log entry types.
const (
	ProofCompleted = "COMPLETED"
	ProofRejected  = "REJECTED"
)

// Invoker executes the routed skill. The plane treats it as an opaque,
// time-bounded call.
type Invoker func(ctx context.Context, env *contracts.Envelope) (any, error)

// Result is one delivery outcome. Raw holds the canonical JSON of the
// signed receipt; replays return it byte-identically.
type Result struct {
	Receipt  *contracts.DeliveryReceipt
	Raw      []byte
	Replayed bool
}

// Config holds the enforcer policy.
type Config struct {
	// RecordTTL bounds how long an idempotency record stays live beyond
	// the envelope's own expiry.
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// DefaultConfig returns the default enforcement policy.
func DefaultConfig() Config {
	return Config{RecordTTL: time.Hour}
}

// SigningKey pairs a plane key reference with the public key id stamped
// on receipts signed by it.
type SigningKey struct {
	Ref   crypto.KeyRef
	KeyID string
}

// Enforcer signs receipts with the server key ring and owns the proof
// log. One key per algorithm the server is willing to negotiate.
type Enforcer struct {
	plane      *crypto.Plane
	keys       map[crypto.Algorithm]SigningKey
	defaultAlg crypto.Algorithm
	store      Store
	proof      *ledger.Ledger
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight serializes concurrent deliveries sharing one idempotency key.
// refs counts waiters so the entry can be dropped when the last one
// releases.
type flight struct {
	mu   sync.Mutex
	refs int
}

// New creates an enforcer. keys maps each negotiable algorithm to its
// server key; defaultAlg must be present in keys and signs rejection
// receipts and deliveries with no negotiated algorithm.
func New(plane *crypto.Plane, keys map[crypto.Algorithm]SigningKey, defaultAlg crypto.Algorithm, store Store, cfg Config, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		plane:      plane,
		keys:       keys,
		defaultAlg: defaultAlg,
		store:      store,
		proof:      ledger.New("proof"),
		cfg:        cfg,
		clock:      time.Now,
		logger:     logger.With("component", "delivery"),
		flights:    make(map[string]*flight),
	}
}

// lockKey takes the per-key flight lock and returns its release func.
// Concurrent requests with the same idempotency key run one at a time
// through the store-check, invoke, store-write window; the loser of the
// race replays the winner's receipt.
func (e *Enforcer) lockKey(key string) func() {
	e.flightMu.Lock()
	f, ok := e.flights[key]
	if !ok {
		f = &flight{}
		e.flights[key] = f
	}
	f.refs++
	e.flightMu.Unlock()

	f.mu.Lock()
	return func() {
		f.mu.Unlock()
		e.flightMu.Lock()
		f.refs--
		if f.refs == 0 {
			delete(e.flights, key)
		}
		e.flightMu.Unlock()
	}
}

// Negotiable reports whether the server holds a signing key for alg.
func (e *Enforcer) Negotiable(alg crypto.Algorithm) bool {
	_, ok := e.keys[alg]
	return ok
}

// WithClock overrides the clock for deterministic tests. The proof log
// shares it.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	e.proof.WithClock(clock)
	return e
}

// ProofLog exposes the proof ledger for audit reads.
func (e *Enforcer) ProofLog() *ledger.Ledger { return e.proof }

// Deliver runs the post-verdict half of the pipeline for an allowed or
// flagged request: TTL check, idempotency replay, skill invocation,
// response signing, proof logging.
func (e *Enforcer) Deliver(ctx context.Context, env *contracts.Envelope, skillID string, verdict contracts.SafetyVerdict, alg crypto.Algorithm, invoke Invoker) (*Result, error) {
	now := e.clock()
	if now.Unix() > env.ExpiresAt() {
		return e.Reject(ctx, env, skillID, verdict, contracts.ErrExpired, "envelope expired before delivery")
	}

	if env.IdempotencyKey != "" {
		unlock := e.lockKey(env.IdempotencyKey)
		defer unlock()

		if rec, err := e.store.Get(ctx, env.IdempotencyKey); err == nil {
			receipt, derr := decodeReceipt(rec.Receipt)
			if derr != nil {
				return nil, derr
			}
			e.logger.Info("idempotent replay",
				"request_id", env.RequestID, "idempotency_key", env.IdempotencyKey)
			return &Result{Receipt: receipt, Raw: rec.Receipt, Replayed: true}, nil
		} else if !errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	result, invokeErr := invoke(ctx, env)
	if invokeErr != nil {
		e.logger.Warn("skill invocation failed",
			"request_id", env.RequestID, "skill_id", skillID, "error", invokeErr)
		return e.Reject(ctx, env, skillID, verdict, contracts.ErrSkillExecution, invokeErr.Error())
	}

	requestHash, err := canonicalize.CanonicalHash(env.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}
	responseHash, err := canonicalize.CanonicalHash(result)
	if err != nil {
		return e.Reject(ctx, env, skillID, verdict, contracts.ErrCanonicalization, "skill result is not canonicalizable")
	}

	receipt := &contracts.DeliveryReceipt{
		ReceiptID:    uuid.NewString(),
		RequestID:    env.RequestID,
		SkillID:      skillID,
		RequestHash:  requestHash,
		ResponseHash: responseHash,
		Verdict:      verdict,
		Result:       result,
		IssuedAt:     e.clock().UTC(),
	}
	// A TTL that lapsed during invocation still yields a recorded,
	// signed result, marked expired.
	if e.clock().Unix() > env.ExpiresAt() {
		receipt.Expired = true
		receipt.ErrorCode = contracts.ErrExpired
	}

	raw, err := e.finalize(receipt, alg, ProofCompleted)
	if err != nil {
		return nil, err
	}

	if env.IdempotencyKey != "" {
		rec := &contracts.IdempotencyRecord{
			Key:          env.IdempotencyKey,
			ResponseHash: responseHash,
			Receipt:      raw,
			ExpiresAt:    time.Unix(env.ExpiresAt(), 0).UTC().Add(e.cfg.RecordTTL),
		}
		if err := e.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("store idempotency record: %w", err)
		}
	}

	e.logger.Info("delivery completed",
		"request_id", env.RequestID, "skill_id", skillID,
		"verdict", string(verdict.Label), "expired", receipt.Expired)
	return &Result{Receipt: receipt, Raw: raw}, nil
}

// Reject issues a signed rejection receipt and records it in the proof
// log. Every rejected request passes through here exactly once.
func (e *Enforcer) Reject(_ context.Context, env *contracts.Envelope, skillID string, verdict contracts.SafetyVerdict, code contracts.ErrorCode, message string) (*Result, error) {
	requestHash, err := canonicalize.CanonicalHash(env.Unsigned())
	if err != nil {
		requestHash = canonicalize.HashBytes([]byte(env.RequestID))
	}
	receipt := &contracts.DeliveryReceipt{
		ReceiptID:    uuid.NewString(),
		RequestID:    env.RequestID,
		SkillID:      skillID,
		RequestHash:  requestHash,
		Verdict:      verdict,
		ErrorCode:    code,
		ErrorMessage: message,
		Expired:      code == contracts.ErrExpired,
		IssuedAt:     e.clock().UTC(),
	}
	raw, err := e.finalize(receipt, e.defaultAlg, ProofRejected)
	if err != nil {
		return nil, err
	}
	e.logger.Info("delivery rejected",
		"request_id", env.RequestID, "skill_id", skillID,
		"error_code", string(code), "message", message)
	return &Result{Receipt: receipt, Raw: raw}, nil
}

// finalize signs the receipt, appends the proof entry and returns the
// canonical receipt bytes. Proof appends serialize inside the ledger;
// only the per-key flight lock is held across skill execution.
func (e *Enforcer) finalize(receipt *contracts.DeliveryReceipt, alg crypto.Algorithm, entryType string) ([]byte, error) {
	if alg == "" {
		alg = e.defaultAlg
	}
	key, ok := e.keys[alg]
	if !ok {
		return nil, fmt.Errorf("%w: no server key for %s", crypto.ErrUnknownKey, alg)
	}
	receipt.Alg = string(alg)
	receipt.KeyID = key.KeyID

	unsigned, err := canonicalize.JCS(receipt.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	sig, err := e.plane.Sign(unsigned, key.Ref, alg)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	receipt.Signature = sig

	if _, err := e.proof.Append(entryType, map[string]any{
		"receipt_id":    receipt.ReceiptID,
		"request_id":    receipt.RequestID,
		"skill_id":      receipt.SkillID,
		"request_hash":  receipt.RequestHash,
		"response_hash": receipt.ResponseHash,
		"verdict":       string(receipt.Verdict.Label),
		"error_code":    string(receipt.ErrorCode),
		"signature":     receipt.Signature,
	}); err != nil {
		return nil, fmt.Errorf("append proof entry: %w", err)
	}

	raw, err := canonicalize.JCS(receipt)
	if err != nil {
		return nil, fmt.Errorf("canonicalize signed receipt: %w", err)
	}
	return raw, nil
}

func decodeReceipt(raw []byte) (*contracts.DeliveryReceipt, error) {
	var receipt contracts.DeliveryReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode stored receipt: %w", err)
	}
	return &receipt, nil
}
