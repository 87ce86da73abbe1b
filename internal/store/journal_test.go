package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

func TestJournal_MirrorsCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "acme.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	m := NewMemory(WithJournal(j))
	for seq := uint64(1); seq <= 3; seq++ {
		if err := m.Commit(context.Background(), entry(seq), nil); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	// A conflicting commit must not reach the journal.
	_ = m.Commit(context.Background(), entry(7), nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("journal entries: got %d, want 3", len(got))
	}
	for i, e := range got {
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
		if !e.Timestamp.Equal(entry(e.Sequence).Timestamp) {
			t.Errorf("entry[%d].Timestamp = %v", i, e.Timestamp)
		}
	}
}

func TestJournal_ClosedAppendFails(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "j.jsonl"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Close()
	m := NewMemory(WithJournal(j))
	if err := m.Commit(context.Background(), entry(1), nil); err == nil {
		t.Fatal("Commit with closed journal: expected error")
	}
	if seq, _, _ := m.LastAudit(context.Background(), "acme"); seq != 0 {
		t.Errorf("LastAudit after journal failure: got %d, want 0", seq)
	}
}

func TestReadJournal_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{\"sequence_no\":1}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadJournal(path); err == nil {
		t.Fatal("ReadJournal: expected error for malformed line")
	}
}

// linked returns entry(seq) chained to entry(seq-1).
func linked(seq uint64) types.AuditEntry {
	e := entry(seq)
	if seq > 1 {
		e.PrevHash = entry(seq - 1).Hash
	}
	return e
}

func TestJournal_ReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for round, seqs := range [][]uint64{{1, 2}, {3}, {4, 5}} {
		j, err := OpenJournal(path)
		if err != nil {
			t.Fatalf("round %d: OpenJournal: %v", round, err)
		}
		m := NewMemory(WithJournal(j))
		seq, hash, err := m.LastAudit(ctx, "acme")
		if err != nil {
			t.Fatalf("round %d: LastAudit: %v", round, err)
		}
		if want := seqs[0] - 1; seq != want {
			t.Fatalf("round %d: resumed at %d, want %d", round, seq, want)
		}
		if seq > 0 && hash != entry(seq).Hash {
			t.Errorf("round %d: tail hash %q, want %q", round, hash, entry(seq).Hash)
		}
		// Restarting from 1 must be rejected once the ledger has entries.
		if seq > 0 {
			if err := m.Commit(ctx, linked(1), nil); !errors.Is(err, ErrConflict) {
				t.Errorf("round %d: Commit seq 1 after reopen: got %v, want ErrConflict", round, err)
			}
		}
		for _, s := range seqs {
			if err := m.Commit(ctx, linked(s), nil); err != nil {
				t.Fatalf("round %d: Commit %d: %v", round, s, err)
			}
		}
		if err := m.Close(); err != nil {
			t.Fatalf("round %d: Close: %v", round, err)
		}
	}

	got, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("journal entries: got %d, want 5", len(got))
	}
	if err := checkChain(got); err != nil {
		t.Errorf("checkChain: %v", err)
	}
}

func TestOpenJournal_RejectsBrokenChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	for _, e := range []types.AuditEntry{linked(1), linked(1)} {
		if err := j.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	j.Close()

	if _, err := OpenJournal(path); err == nil {
		t.Fatal("OpenJournal over duplicate sequences: expected error")
	}
}
