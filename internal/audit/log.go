package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moatmetrics/moatmetrics/internal/store"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

var (
	// ErrAppend wraps every failed append. The transition did not happen,
	// unless the cause is store.ErrAmbiguous.
	ErrAppend = errors.New("audit: append failed")

	// ErrChainBroken is returned by Verify.
	ErrChainBroken = errors.New("audit: chain broken")
)

// Log appends to and reads from the audit ledger kept in a store.Store.
type Log struct {
	store store.Store
	retry store.Retry
	now   func() time.Time

	mu      sync.Mutex
	tenants map[string]*tail
}

// tail caches the last committed sequence and hash of one tenant.
type tail struct {
	mu     sync.Mutex
	loaded bool
	seq    uint64
	hash   string
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithRetry sets the retry policy for ledger reads.
func WithRetry(r store.Retry) Option {
	return func(l *Log) { l.retry = r }
}

// New returns a Log over s.
func New(s store.Store, opts ...Option) *Log {
	l := &Log{
		store:   s,
		retry:   store.DefaultRetry(),
		now:     time.Now,
		tenants: make(map[string]*tail),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Log) tailFor(tenant string) *tail {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tenants[tenant]
	if !ok {
		t = &tail{}
		l.tenants[tenant] = t
	}
	return t
}

// Append fills in the entry's id (if empty), sequence number, timestamp and
// hashes, then commits it together with m. The committed entry is returned.
//
// On any failure the cached tail is dropped and reloaded from storage on the
// next append. The only retry is a single one after store.ErrStaleSequence,
// which means another writer moved the tail and nothing was written.
func (l *Log) Append(ctx context.Context, e types.AuditEntry, m *store.Mutation) (types.AuditEntry, error) {
	if e.Tenant == "" {
		return types.AuditEntry{}, fmt.Errorf("%w: empty tenant", ErrAppend)
	}
	t := l.tailFor(e.Tenant)
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if !t.loaded {
			if err := l.loadTail(ctx, e.Tenant, t); err != nil {
				return types.AuditEntry{}, err
			}
		}
		e.Sequence = t.seq + 1
		e.Timestamp = l.now().UTC()
		e.PrevHash = t.hash
		e.Hash = ComputeHash(e)

		if err = l.store.Commit(ctx, e, m); err == nil {
			t.seq, t.hash = e.Sequence, e.Hash
			return e, nil
		}
		t.loaded = false
		if !errors.Is(err, store.ErrStaleSequence) {
			break
		}
		slog.Warn("audit: ledger tail moved, reloading",
			"tenant", e.Tenant, "sequence", e.Sequence, "attempt", attempt+1)
	}
	return types.AuditEntry{}, fmt.Errorf("%w: %w", ErrAppend, err)
}

func (l *Log) loadTail(ctx context.Context, tenant string, t *tail) error {
	type last struct {
		seq  uint64
		hash string
	}
	v, err := store.Read(ctx, l.retry, "last audit", func(ctx context.Context) (last, error) {
		seq, hash, err := l.store.LastAudit(ctx, tenant)
		return last{seq, hash}, err
	})
	if err != nil {
		return fmt.Errorf("%w: load tail: %w", ErrAppend, err)
	}
	t.seq, t.hash, t.loaded = v.seq, v.hash, true
	return nil
}

// Read returns matching entries in sequence order.
func (l *Log) Read(ctx context.Context, f store.AuditFilter) ([]types.AuditEntry, error) {
	entries, err := store.Read(ctx, l.retry, "read audit", func(ctx context.Context) ([]types.AuditEntry, error) {
		return l.store.ReadAudit(ctx, f)
	})
	if err != nil {
		return nil, fmt.Errorf("audit: read: %w", err)
	}
	return entries, nil
}

// ComputeHash returns the hex sha256 of e with its Hash field cleared.
func ComputeHash(e types.AuditEntry) string {
	e.Hash = ""
	e.Timestamp = e.Timestamp.UTC()
	b, _ := json.Marshal(e)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify checks every tenant's entries in slice order: sequence numbers
// must be consecutive, each entry must link to its predecessor's hash and
// each hash must match the entry's content. The first entry of a tenant may
// start mid-ledger unless its sequence is 1, in which case it must have no
// predecessor hash.
func Verify(entries []types.AuditEntry) error {
	prev := make(map[string]types.AuditEntry)
	for i, e := range entries {
		if got := ComputeHash(e); got != e.Hash {
			return fmt.Errorf("%w: entry %d (tenant %s seq %d) hash mismatch", ErrChainBroken, i, e.Tenant, e.Sequence)
		}
		p, seen := prev[e.Tenant]
		switch {
		case seen && e.Sequence != p.Sequence+1:
			return fmt.Errorf("%w: tenant %s sequence %d follows %d", ErrChainBroken, e.Tenant, e.Sequence, p.Sequence)
		case seen && e.PrevHash != p.Hash:
			return fmt.Errorf("%w: tenant %s seq %d does not link to seq %d", ErrChainBroken, e.Tenant, e.Sequence, p.Sequence)
		case !seen && e.Sequence == 1 && e.PrevHash != "":
			return fmt.Errorf("%w: tenant %s seq 1 has a predecessor hash", ErrChainBroken, e.Tenant)
		case !seen && e.Sequence == 0:
			return fmt.Errorf("%w: tenant %s has sequence 0", ErrChainBroken, e.Tenant)
		}
		prev[e.Tenant] = e
	}
	return nil
}
