package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/osprey/pkg/canonicalize"
	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/crypto"
)

// envelopeSchema validates the wire shape before anything else touches
// the request. Unknown fields are rejected outright.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["request_id", "query", "caller", "issued_at", "ttl_seconds"],
	"additionalProperties": false,
	"properties": {
		"request_id":      {"type": "string", "minLength": 1},
		"query":           {"type": "string", "minLength": 1, "maxLength": 4096},
		"payload":         {"type": "object"},
		"caller":          {"type": "string", "minLength": 1},
		"signature":       {"type": "string"},
		"alg":             {"type": "string"},
		"issued_at":       {"type": "integer", "minimum": 0},
		"ttl_seconds":     {"type": "integer", "minimum": 1},
		"idempotency_key": {"type": "string"}
	}
}`

// CallerKey is the verification material registered for one caller.
type CallerKey struct {
	PublicKey string
	Alg       crypto.Algorithm
}

// Intake validates inbound envelopes: schema, TTL, and (when enforcement
// is on) the caller signature. It hands downstream stages a validated
// copy and never mutates the original bytes.
type Intake struct {
	schema      *jsonschema.Schema
	callers     map[string]CallerKey
	enforce     bool
	allowedAlgs map[crypto.Algorithm]bool
	clock       func() time.Time
}

// NewIntake compiles the envelope schema once. allowedAlgs limits which
// signature algorithms callers may present; empty means all nine.
func NewIntake(callers map[string]CallerKey, enforce bool, allowedAlgs []crypto.Algorithm) (*Intake, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	allowed := make(map[crypto.Algorithm]bool, len(allowedAlgs))
	for _, a := range allowedAlgs {
		allowed[a] = true
	}
	return &Intake{
		schema:      schema,
		callers:     callers,
		enforce:     enforce,
		allowedAlgs: allowed,
		clock:       time.Now,
	}, nil
}

// WithClock overrides the TTL clock for tests.
func (i *Intake) WithClock(clock func() time.Time) *Intake {
	i.clock = clock
	return i
}

// Validate checks raw envelope bytes and returns the validated envelope,
// or a PipelineError with one of INVALID_ENVELOPE, EXPIRED, AUTH_ERROR.
func (i *Intake) Validate(raw []byte) (*contracts.Envelope, *contracts.PipelineError) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, contracts.NewPipelineError(contracts.ErrInvalidEnvelope, "body is not valid JSON")
	}
	if err := i.schema.Validate(generic); err != nil {
		return nil, contracts.NewPipelineError(contracts.ErrInvalidEnvelope, err.Error())
	}

	var env contracts.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, contracts.NewPipelineError(contracts.ErrInvalidEnvelope, "envelope decode failed")
	}

	// TTL boundary: issued_at + ttl == now is still valid.
	if i.clock().Unix() > env.ExpiresAt() {
		return &env, contracts.NewPipelineError(contracts.ErrExpired, "envelope ttl elapsed")
	}

	if i.enforce {
		if perr := i.verifySignature(&env); perr != nil {
			return &env, perr
		}
	}
	return &env, nil
}

func (i *Intake) verifySignature(env *contracts.Envelope) *contracts.PipelineError {
	if env.Signature == "" || env.Alg == "" {
		return contracts.NewPipelineError(contracts.ErrAuth, "signature required")
	}
	alg, err := crypto.ParseAlgorithm(env.Alg)
	if err != nil {
		return contracts.NewPipelineError(contracts.ErrAuth, "unknown signature algorithm")
	}
	if len(i.allowedAlgs) > 0 && !i.allowedAlgs[alg] {
		return contracts.NewPipelineError(contracts.ErrAlgorithmNotAllowed, "algorithm not permitted by configuration")
	}
	key, ok := i.callers[env.Caller]
	if !ok {
		return contracts.NewPipelineError(contracts.ErrAuth, "unknown caller")
	}
	if key.Alg != alg {
		return contracts.NewPipelineError(contracts.ErrAuth, "algorithm does not match registered caller key")
	}

	unsigned, err := canonicalize.JCS(env.Unsigned())
	if err != nil {
		return contracts.NewPipelineError(contracts.ErrCanonicalization, "envelope is not canonicalizable")
	}
	valid, err := crypto.Verify(unsigned, env.Signature, key.PublicKey, alg)
	if err != nil || !valid {
		return contracts.NewPipelineError(contracts.ErrAuth, "signature verification failed")
	}
	return nil
}
