package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/osprey/pkg/canonicalize"
	"github.com/Mindburn-Labs/osprey/pkg/contracts"
	"github.com/Mindburn-Labs/osprey/pkg/crypto"
)

const serverKeyID = "server-2025"

func testEnforcer(t *testing.T) (*Enforcer, *time.Time, string) {
	t.Helper()
	plane := crypto.NewPlane()
	pub, err := plane.Generate("server", crypto.EdDSA)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	keys := map[crypto.Algorithm]SigningKey{crypto.EdDSA: {Ref: "server", KeyID: serverKeyID}}
	e := New(plane, keys, crypto.EdDSA, store, DefaultConfig(), logger)
	e.WithClock(func() time.Time { return now })
	return e, &now, pub
}

func envelope(now time.Time, ttl int64) *contracts.Envelope {
	return &contracts.Envelope{
		RequestID:  "req-1",
		Query:      "weather in berlin",
		Payload:    map[string]any{"city": "berlin"},
		Caller:     "caller-1",
		IssuedAt:   now.Unix(),
		TTLSeconds: ttl,
	}
}

func allowVerdict() contracts.SafetyVerdict {
	return contracts.SafetyVerdict{Label: contracts.VerdictAllow}
}

func echoInvoker(result any) Invoker {
	return func(context.Context, *contracts.Envelope) (any, error) { return result, nil }
}

func TestDeliverSignsResult(t *testing.T) {
	e, now, pub := testEnforcer(t)
	env := envelope(*now, 60)

	res, err := e.Deliver(context.Background(), env, "weather.lookup", allowVerdict(), crypto.EdDSA, echoInvoker(map[string]any{"temp": 21}))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, "weather.lookup", res.Receipt.SkillID)
	require.Equal(t, serverKeyID, res.Receipt.KeyID)
	require.NotEmpty(t, res.Receipt.Signature)
	require.False(t, res.Receipt.Expired)

	unsigned, err := canonicalize.JCS(res.Receipt.Unsigned())
	require.NoError(t, err)
	ok, err := crypto.Verify(unsigned, res.Receipt.Signature, pub, crypto.EdDSA)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTTLBoundaryAccepted(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(now.Add(-60*time.Second), 60)
	// now == issued_at + ttl exactly.
	res, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, echoInvoker("ok"))
	require.NoError(t, err)
	require.Empty(t, res.Receipt.ErrorCode)
}

func TestExpiredBeforeDeliveryRejected(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(now.Add(-61*time.Second), 60)

	invoked := false
	res, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA,
		func(context.Context, *contracts.Envelope) (any, error) { invoked = true; return nil, nil })
	require.NoError(t, err)
	require.False(t, invoked)
	require.Equal(t, contracts.ErrExpired, res.Receipt.ErrorCode)
	require.True(t, res.Receipt.Expired)
	require.NotEmpty(t, res.Receipt.Signature)
}

func TestMidPipelineExpiryRecordsResultMarkedExpired(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(*now, 30)

	res, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA,
		func(context.Context, *contracts.Envelope) (any, error) {
			*now = now.Add(31 * time.Second) // TTL lapses during invocation
			return "late result", nil
		})
	require.NoError(t, err)
	require.True(t, res.Receipt.Expired)
	require.Equal(t, contracts.ErrExpired, res.Receipt.ErrorCode)
	require.Equal(t, "late result", res.Receipt.Result)
}

func TestIdempotentReplayIsByteIdentical(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(*now, 60)
	env.IdempotencyKey = "idem-1"

	calls := 0
	invoke := func(context.Context, *contracts.Envelope) (any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, invoke)
	require.NoError(t, err)
	second, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, invoke)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.True(t, second.Replayed)
	require.Equal(t, first.Raw, second.Raw)
	require.Equal(t, first.Receipt.ReceiptID, second.Receipt.ReceiptID)
	require.Equal(t, first.Receipt.Signature, second.Receipt.Signature)
}

func TestConcurrentSameKeyInvokesOnce(t *testing.T) {
	e, now, _ := testEnforcer(t)

	var calls atomic.Int64
	invoke := func(context.Context, *contracts.Envelope) (any, error) {
		n := calls.Add(1)
		time.Sleep(2 * time.Millisecond)
		return map[string]any{"call": n}, nil
	}

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := envelope(*now, 60)
			env.IdempotencyKey = "idem-race"
			results[i], errs[i] = e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, invoke)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	replays := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Raw, results[i].Raw)
		if results[i].Replayed {
			replays++
		}
	}
	require.Equal(t, workers-1, replays)
	require.Equal(t, 1, e.ProofLog().Len())
}

func TestExpiredIdempotencyRecordReinvokes(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(*now, 60)
	env.IdempotencyKey = "idem-2"

	calls := 0
	invoke := func(context.Context, *contracts.Envelope) (any, error) { calls++; return "r", nil }

	_, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, invoke)
	require.NoError(t, err)

	// Past record expiry; a fresh envelope with the same key re-invokes.
	*now = now.Add(2 * time.Hour)
	env2 := envelope(*now, 60)
	env2.IdempotencyKey = "idem-2"
	res, err := e.Deliver(context.Background(), env2, "s", allowVerdict(), crypto.EdDSA, invoke)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, 2, calls)
}

func TestSkillFailureRejectsWithProofEntry(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(*now, 60)

	res, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA,
		func(context.Context, *contracts.Envelope) (any, error) {
			return nil, errors.New("backend unavailable")
		})
	require.NoError(t, err)
	require.Equal(t, contracts.ErrSkillExecution, res.Receipt.ErrorCode)

	entries := e.ProofLog().List(0, 10)
	require.Len(t, entries, 1)
	require.Equal(t, ProofRejected, entries[0].EntryType)
}

func TestEveryOutcomeAppendsOneProofEntry(t *testing.T) {
	e, now, _ := testEnforcer(t)

	_, err := e.Deliver(context.Background(), envelope(*now, 60), "s", allowVerdict(), crypto.EdDSA, echoInvoker("ok"))
	require.NoError(t, err)
	_, err = e.Reject(context.Background(), envelope(*now, 60), "", contracts.SafetyVerdict{Label: contracts.VerdictBlock, ReasonCode: "X"}, contracts.ErrSafetyBlock, "blocked")
	require.NoError(t, err)

	require.Equal(t, 2, e.ProofLog().Len())
	entries := e.ProofLog().List(0, 10)
	require.Equal(t, ProofCompleted, entries[0].EntryType)
	require.Equal(t, ProofRejected, entries[1].EntryType)

	ok, reason := e.ProofLog().Verify()
	require.True(t, ok, reason)
}

func TestRejectionReceiptCarriesMessage(t *testing.T) {
	e, now, _ := testEnforcer(t)

	res, err := e.Reject(context.Background(), envelope(*now, 60), "s",
		contracts.SafetyVerdict{Label: contracts.VerdictBlock, ReasonCode: "SEMANTIC_JAILBREAK"},
		contracts.ErrSafetyBlock, "blocked: SEMANTIC_JAILBREAK")
	require.NoError(t, err)
	require.Equal(t, contracts.ErrSafetyBlock, res.Receipt.ErrorCode)
	require.Equal(t, "blocked: SEMANTIC_JAILBREAK", res.Receipt.ErrorMessage)
	require.Contains(t, string(res.Raw), `"error_message"`)
}

func TestReplayDoesNotAppendProofEntry(t *testing.T) {
	e, now, _ := testEnforcer(t)
	env := envelope(*now, 60)
	env.IdempotencyKey = "idem-3"

	_, err := e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, echoInvoker("ok"))
	require.NoError(t, err)
	before := e.ProofLog().Len()

	_, err = e.Deliver(context.Background(), env, "s", allowVerdict(), crypto.EdDSA, echoInvoker("ok"))
	require.NoError(t, err)
	require.Equal(t, before, e.ProofLog().Len())
}
