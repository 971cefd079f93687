// Package ledger implements the append-only, hash-chained logs backing the
// registry transparency log and the delivery proof log.
//
// Invariants:
//   - Sequence numbers are strictly increasing with no gaps
//   - entry[n].PrevHash == entry[n-1].EntryHash (genesis for n == 1)
//   - Entries are never deleted or edited, only appended
//   - Appends serialize on a single writer lock; the chain order is the
//     append order
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/canonicalize"
)

// GenesisHash anchors the first entry of every chain.
var GenesisHash = strings.Repeat("0", 64)

// Entry is one immutable, hash-chained record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	PayloadHash string         `json:"payload_hash"`
	EntryHash   string         `json:"entry_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Ledger is an append-only hash chain with a cached tail hash.
type Ledger struct {
	mu       sync.RWMutex
	name     string
	entries  []Entry
	tailHash string
	clock    func() time.Time
}

// New creates an empty ledger.
func New(name string) *Ledger {
	return &Ledger{
		name:     name,
		tailHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append adds an entry for payload and returns it. The payload is
// canonicalized for hashing; non-canonicalizable payloads are rejected
// before anything is written.
func (l *Ledger) Append(entryType string, payload map[string]any) (*Entry, error) {
	payloadHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: hash payload: %w", l.name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:    uint64(len(l.entries)) + 1,
		EntryType:   entryType,
		PayloadHash: payloadHash,
		PrevHash:    l.tailHash,
		Timestamp:   l.clock().UTC(),
		Payload:     payload,
	}
	entry.EntryHash, err = entryHash(&entry)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: hash entry: %w", l.name, err)
	}

	l.entries = append(l.entries, entry)
	l.tailHash = entry.EntryHash
	return &entry, nil
}

// entryHash covers everything except the hash itself.
func entryHash(e *Entry) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"sequence":     e.Sequence,
		"entry_type":   e.EntryType,
		"payload_hash": e.PayloadHash,
		"prev_hash":    e.PrevHash,
		"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
	})
}

// Get retrieves an entry by sequence number (1-based).
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledger %s: entry %d not found", l.name, seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Tail returns the cached tail hash.
func (l *Ledger) Tail() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tailHash
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// List returns a paginated copy of entries in append order.
func (l *Ledger) List(offset, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 || offset >= len(l.entries) {
		return nil
	}
	end := len(l.entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Entry, end-offset)
	copy(out, l.entries[offset:end])
	return out
}

// Verify walks the whole chain and reports the first break, if any.
// A tampered, inserted, or reordered entry is detectable here.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := GenesisHash
	for i := range l.entries {
		e := &l.entries[i]
		if e.Sequence != uint64(i)+1 {
			return false, fmt.Sprintf("sequence gap at index %d: got %d", i, e.Sequence)
		}
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		recomputed, err := entryHash(e)
		if err != nil {
			return false, fmt.Sprintf("entry %d unhashable: %v", e.Sequence, err)
		}
		if recomputed != e.EntryHash {
			return false, fmt.Sprintf("entry %d hash mismatch", e.Sequence)
		}
		prev = e.EntryHash
	}
	if prev != l.tailHash {
		return false, "tail hash does not match last entry"
	}
	return true, ""
}
