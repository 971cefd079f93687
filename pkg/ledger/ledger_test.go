package ledger

import (
	"testing"
	"time"
)

func TestLedgerAppend(t *testing.T) {
	l := New("test")
	entry, err := l.Append("REGISTERED", map[string]any{"skill_id": "calc"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence != 1 {
		t.Fatalf("expected seq 1, got %d", entry.Sequence)
	}
	if entry.PrevHash != GenesisHash {
		t.Fatalf("first entry must chain from genesis, got %s", entry.PrevHash)
	}
	if l.Len() != 1 {
		t.Fatalf("expected length 1, got %d", l.Len())
	}
	if l.Tail() != entry.EntryHash {
		t.Fatal("tail hash not updated")
	}
}

func TestLedgerChainIntegrity(t *testing.T) {
	l := New("test")
	for i := 0; i < 5; i++ {
		if _, err := l.Append("EVENT", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	ok, reason := l.Verify()
	if !ok {
		t.Fatalf("expected valid chain, got: %s", reason)
	}
}

func TestLedgerDetectsTampering(t *testing.T) {
	l := New("test")
	l.Append("EVENT", map[string]any{"n": 1})
	l.Append("EVENT", map[string]any{"n": 2})
	l.Append("EVENT", map[string]any{"n": 3})

	// Inject a forged entry in the middle.
	l.entries[1].PayloadHash = GenesisHash

	ok, reason := l.Verify()
	if ok {
		t.Fatal("tampered chain must not verify")
	}
	if reason == "" {
		t.Fatal("expected a reason for the break")
	}
}

func TestLedgerPrevHashLinks(t *testing.T) {
	l := New("test")
	l.Append("A", map[string]any{"x": 1})
	l.Append("B", map[string]any{"x": 2})

	first, err := l.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if second.PrevHash != first.EntryHash {
		t.Fatal("entry[n].prev_hash must equal entry[n-1].entry_hash")
	}
}

func TestLedgerGetNotFound(t *testing.T) {
	l := New("test")
	if _, err := l.Get(99); err == nil {
		t.Fatal("expected error for missing entry")
	}
	if _, err := l.Get(0); err == nil {
		t.Fatal("sequence numbers are 1-based")
	}
}

func TestLedgerList(t *testing.T) {
	l := New("test").WithClock(func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})
	for i := 0; i < 10; i++ {
		l.Append("EVENT", map[string]any{"n": i})
	}

	page := l.List(3, 4)
	if len(page) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(page))
	}
	if page[0].Sequence != 4 {
		t.Fatalf("expected page to start at seq 4, got %d", page[0].Sequence)
	}
	if l.List(100, 10) != nil {
		t.Fatal("out-of-range offset must return nil")
	}
}
