package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Journal is an append-only JSONL file of audit entries. Each Append is
// synced to disk before it returns.
type Journal struct {
	mu sync.Mutex
	f  *os.File

	// replay holds the entries found when the journal was opened.
	replay []types.AuditEntry
}

// OpenJournal creates or opens the journal at path, creating parent
// directories as needed. Entries already in the file are read back and
// their per-tenant chain is checked: sequences must run 1, 2, 3... and each
// prev_hash must match the hash before it. A memory store built with
// WithJournal resumes from them.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("store: journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: journal dir: %w", err)
	}

	var replay []types.AuditEntry
	if _, err := os.Stat(path); err == nil {
		if replay, err = ReadJournal(path); err != nil {
			return nil, err
		}
		if err := checkChain(replay); err != nil {
			return nil, fmt.Errorf("store: journal %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open journal: %w", err)
	}
	return &Journal{f: f, replay: replay}, nil
}

// checkChain verifies sequence continuity and hash linkage per tenant.
func checkChain(entries []types.AuditEntry) error {
	type tip struct {
		seq  uint64
		hash string
	}
	last := make(map[string]tip)
	for _, e := range entries {
		t := last[e.Tenant]
		if e.Sequence != t.seq+1 {
			return fmt.Errorf("tenant %s sequence %d follows %d", e.Tenant, e.Sequence, t.seq)
		}
		if e.PrevHash != t.hash {
			return fmt.Errorf("tenant %s sequence %d: prev_hash does not match", e.Tenant, e.Sequence)
		}
		last[e.Tenant] = tip{e.Sequence, e.Hash}
	}
	return nil
}

// Append writes one entry as a JSON line and syncs the file.
func (j *Journal) Append(e types.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if _, err := j.f.Write(data); err != nil {
		return err
	}
	return j.f.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadJournal parses every entry of the journal at path. A malformed line is
// an error.
func ReadJournal(path string) ([]types.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: read journal: %w", err)
	}
	defer f.Close()

	var out []types.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e types.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("store: journal line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read journal: %w", err)
	}
	return out, nil
}
