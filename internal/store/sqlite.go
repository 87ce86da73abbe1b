package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/moatmetrics/moatmetrics/internal/policy"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// SQLite is a durable Store backed by a SQLite database in WAL mode.
//
// Records are stored as JSON bodies next to the columns needed for
// filtering. The audit table's primary key (tenant, seq) and the
// transitions table's primary key (result_id, to_state) enforce gap-free
// sequencing and exactly-once transitions at the database level.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS policies (
		digest TEXT PRIMARY KEY,
		body   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id     TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		body   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		id     TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		ord    INTEGER NOT NULL,
		state  TEXT NOT NULL,
		body   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, ord);
	CREATE INDEX IF NOT EXISTS idx_results_state ON results(state);

	CREATE TABLE IF NOT EXISTS approvals (
		id         TEXT PRIMARY KEY,
		result_id  TEXT NOT NULL UNIQUE REFERENCES results(id),
		run_id     TEXT NOT NULL,
		tenant     TEXT NOT NULL,
		state      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		body       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(tenant, state);

	-- One row per applied transition: the idempotency ledger.
	CREATE TABLE IF NOT EXISTS transitions (
		result_id TEXT NOT NULL,
		to_state  TEXT NOT NULL,
		PRIMARY KEY (result_id, to_state)
	);

	-- Append-only audit ledger. No UPDATE or DELETE is ever issued.
	CREATE TABLE IF NOT EXISTS audit (
		tenant  TEXT    NOT NULL,
		seq     INTEGER NOT NULL,
		id      TEXT    NOT NULL UNIQUE,
		actor   TEXT    NOT NULL,
		action  TEXT    NOT NULL,
		subject TEXT    NOT NULL,
		ts      INTEGER NOT NULL,
		hash    TEXT    NOT NULL,
		body    TEXT    NOT NULL,
		PRIMARY KEY (tenant, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// PutPolicy stores a policy snapshot under its digest.
func (s *SQLite) PutPolicy(ctx context.Context, p policy.Policy) (string, error) {
	d := p.Digest()
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("store: encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO policies (digest, body) VALUES (?, ?)`, d, body)
	if err != nil {
		return "", classify("put policy", err)
	}
	return d, nil
}

// GetPolicy returns the snapshot stored under digest.
func (s *SQLite) GetPolicy(ctx context.Context, digest string) (policy.Policy, error) {
	var p policy.Policy
	err := s.getJSON(ctx, &p, `SELECT body FROM policies WHERE digest = ?`, digest)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy %s: %w", digest, err)
	}
	return p, nil
}

// PutRun stores a run.
func (s *SQLite) PutRun(ctx context.Context, run types.Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (id, tenant, body) VALUES (?, ?, ?)`, run.ID, run.Tenant, body)
	return classify("put run", err)
}

// GetRun returns a run by id.
func (s *SQLite) GetRun(ctx context.Context, id string) (types.Run, error) {
	var r types.Run
	if err := s.getJSON(ctx, &r, `SELECT body FROM runs WHERE id = ?`, id); err != nil {
		return types.Run{}, fmt.Errorf("run %s: %w", id, err)
	}
	return r, nil
}

// PutResults stores results in StateComputed in one transaction.
func (s *SQLite) PutResults(ctx context.Context, results []types.ScoredResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("put results", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO results (id, run_id, ord, state, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return classify("put results", err)
	}
	defer stmt.Close()

	for i, r := range results {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("store: encode result: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.Result.ID, r.Result.RunID, i, string(types.StateComputed), body); err != nil {
			return classify("put results", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: put results: %v", ErrAmbiguous, err)
	}
	return nil
}

// GetResult returns a result by id.
func (s *SQLite) GetResult(ctx context.Context, id string) (types.ScoredResult, error) {
	var r types.ScoredResult
	if err := s.getJSON(ctx, &r, `SELECT body FROM results WHERE id = ?`, id); err != nil {
		return types.ScoredResult{}, fmt.Errorf("result %s: %w", id, err)
	}
	return r, nil
}

// ListResults returns a run's results in insertion order.
func (s *SQLite) ListResults(ctx context.Context, runID string) ([]types.ScoredResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM results WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, classify("list results", err)
	}
	return scanJSON[types.ScoredResult](rows)
}

// ListResultsByState returns every result currently in state, in insertion
// order.
func (s *SQLite) ListResultsByState(ctx context.Context, state types.State) ([]types.ScoredResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM results WHERE state = ? ORDER BY rowid`, string(state))
	if err != nil {
		return nil, classify("list results by state", err)
	}
	return scanJSON[types.ScoredResult](rows)
}

// State returns the current governance state of a result.
func (s *SQLite) State(ctx context.Context, resultID string) (types.State, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM results WHERE id = ?`, resultID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: result %s", ErrNotFound, resultID)
	}
	if err != nil {
		return "", classify("state", err)
	}
	return types.State(st), nil
}

// GetApproval returns an approval request by id.
func (s *SQLite) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	var a types.ApprovalRequest
	if err := s.getJSON(ctx, &a, `SELECT body FROM approvals WHERE id = ?`, id); err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("approval %s: %w", id, err)
	}
	return a, nil
}

// ListApprovals returns matching approval requests.
func (s *SQLite) ListApprovals(ctx context.Context, f ApprovalFilter) ([]types.ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("tenant", f.Tenant)
	add("state", string(f.State))
	add("result_id", f.ResultID)
	add("run_id", f.RunID)

	q := `SELECT body FROM approvals`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list approvals", err)
	}
	return scanJSON[types.ApprovalRequest](rows)
}

// Commit validates and applies e and m in one transaction.
func (s *SQLite) Commit(ctx context.Context, e types.AuditEntry, m *Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("commit", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var last uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit WHERE tenant = ?`, e.Tenant).Scan(&last); err != nil {
		return classify("commit", err)
	}
	if e.Sequence != last+1 {
		return fmt.Errorf("%w: %w: tenant %s sequence %d does not follow %d", ErrConflict, ErrStaleSequence, e.Tenant, e.Sequence, last)
	}

	if m != nil {
		if err := applyMutation(ctx, tx, m); err != nil {
			return err
		}
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode audit entry: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit (tenant, seq, id, actor, action, subject, ts, hash, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Tenant, e.Sequence, e.ID, e.Actor, e.Action, e.SubjectRef, e.Timestamp.UnixNano(), e.Hash, body)
	if err != nil {
		return classify("append audit", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrAmbiguous, err)
	}
	return nil
}

func applyMutation(ctx context.Context, tx *sql.Tx, m *Mutation) error {
	res, err := tx.ExecContext(ctx, `UPDATE results SET state = ? WHERE id = ? AND state = ?`,
		string(m.To), m.ResultID, string(m.From))
	if err != nil {
		return classify("update state", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT state FROM results WHERE id = ?`, m.ResultID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: result %s", ErrNotFound, m.ResultID)
		}
		return fmt.Errorf("%w: result %s is %s, expected %s", ErrConflict, m.ResultID, cur, m.From)
	}

	if m.IdempotencyKey() != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO transitions (result_id, to_state) VALUES (?, ?)`,
			m.ResultID, string(m.To)); err != nil {
			return classify("record transition", err)
		}
	}

	if a := m.Approval; a != nil {
		body, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("store: encode approval: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE approvals SET state = ?, body = ? WHERE id = ? AND state = ?`,
			string(a.State), body, a.ID, string(m.From))
		if err != nil {
			return classify("update approval", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			_ = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE id = ?`, a.ID).Scan(&exists)
			if exists > 0 {
				return fmt.Errorf("%w: approval %s is not %s", ErrConflict, a.ID, m.From)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO approvals (id, result_id, run_id, tenant, state, created_at, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.ResultID, a.RunID, a.Tenant, string(a.State), a.CreatedAt.UnixNano(), body)
			if err != nil {
				return classify("insert approval", err)
			}
		}
	}
	return nil
}

// LastAudit returns the tenant's last sequence number and hash.
func (s *SQLite) LastAudit(ctx context.Context, tenant string) (uint64, string, error) {
	var (
		seq  uint64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, hash FROM audit WHERE tenant = ? ORDER BY seq DESC LIMIT 1`, tenant).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", classify("last audit", err)
	}
	return seq, hash, nil
}

// ReadAudit returns matching entries in sequence order.
func (s *SQLite) ReadAudit(ctx context.Context, f AuditFilter) ([]types.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.Tenant != "" {
		add("tenant = ?", f.Tenant)
	}
	if f.Actor != "" {
		add("actor = ?", f.Actor)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.SubjectRef != "" {
		add("subject = ?", f.SubjectRef)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		add("ts < ?", f.Until.UnixNano())
	}

	q := `SELECT body FROM audit`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY tenant, seq"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("read audit", err)
	}
	return scanJSON[types.AuditEntry](rows)
}

func (s *SQLite) getJSON(ctx context.Context, dst any, q string, args ...any) error {
	var body []byte
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify("get", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

func scanJSON[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classify("scan", err)
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("store: decode: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return out, nil
}

// classify maps SQLite errors onto the store error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
		}
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
