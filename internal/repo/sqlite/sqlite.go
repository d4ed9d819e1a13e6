// Package sqlite is the default durable store: a single file, no server.
// Timestamps are kept as INTEGER unix nanoseconds so range scans stay exact.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// pruneBatch bounds one DELETE so appends queued on the writer get a turn
// between batches.
const pruneBatch = 500

// readConns is the size of the reader pool; WAL lets readers run beside the writer.
const readConns = 4

type Store struct {
	db    *sql.DB // writer, one connection
	reads *sql.DB
	log   *zap.Logger

	pruneBatch int
}

// New opens (creating if needed) the database at path and applies the schema.
// path may also be a full "file:" DSN.
func New(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = "guardian.db"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; sqlite serialises them anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db, reads: db, log: log, pruneBatch: pruneBatch}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// an in-memory database is private to its connection, so it keeps one pool
	if inMemory(dsn) {
		return s, nil
	}
	reads, err := sql.Open("sqlite", withPragma(dsn, "query_only(1)"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite readers: %w", err)
	}
	reads.SetMaxOpenConns(readConns)
	s.reads = reads
	return s, nil
}

func inMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func withPragma(dsn, pragma string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + pragma
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS synthetic_transactions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK (type IN ('api', 'content', 'form', 'navigation')),
			target TEXT NOT NULL,
			check_interval INTEGER NOT NULL DEFAULT 300,
			timeout INTEGER NOT NULL DEFAULT 30,
			max_retries INTEGER NOT NULL DEFAULT 3,
			retry_delay INTEGER NOT NULL DEFAULT 5,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS check_results (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_check_results_tx_time ON check_results(transaction_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_check_results_started ON check_results(started_at)`,
		`CREATE TABLE IF NOT EXISTS transaction_states (
			transaction_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			last_change_at INTEGER NOT NULL DEFAULT 0,
			last_result_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.reads == s.db {
		return s.db.Close()
	}
	return multierr.Append(s.reads.Close(), s.db.Close())
}

// ---- TransactionStore ----

func (s *Store) Upsert(ctx context.Context, t *domain.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synthetic_transactions
			(id, type, target, check_interval, timeout, max_retries, retry_delay, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			target = excluded.target,
			check_interval = excluded.check_interval,
			timeout = excluded.timeout,
			max_retries = excluded.max_retries,
			retry_delay = excluded.retry_delay`,
		string(t.ID), string(t.Type), t.Target,
		int64(t.CheckInterval/time.Second), int64(t.Timeout/time.Second), t.MaxRetries, int64(t.RetryDelay/time.Second),
		t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id domain.TransactionID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM synthetic_transactions WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

const selectTransactions = `SELECT id, type, target, check_interval, timeout, max_retries, retry_delay, created_at
	FROM synthetic_transactions`

func (s *Store) List(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.reads.QueryContext(ctx, selectTransactions+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id domain.TransactionID) (*domain.Transaction, error) {
	t, err := scanTransaction(s.reads.QueryRowContext(ctx, selectTransactions+` WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (domain.Transaction, error) {
	var (
		id, typ, target          string
		interval, timeout, delay int64
		retries                  int
		createdAt                int64
	)
	if err := row.Scan(&id, &typ, &target, &interval, &timeout, &retries, &delay, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, err
		}
		return domain.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	return domain.Transaction{
		ID:            domain.TransactionID(id),
		Type:          domain.TransactionType(typ),
		Target:        target,
		CheckInterval: time.Duration(interval) * time.Second,
		Timeout:       time.Duration(timeout) * time.Second,
		MaxRetries:    retries,
		RetryDelay:    time.Duration(delay) * time.Second,
		CreatedAt:     fromNanos(createdAt),
	}, nil
}

// ---- ResultStore ----

func (s *Store) Append(ctx context.Context, r *domain.CheckResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_results
			(id, transaction_id, started_at, duration_ms, outcome, attempt, detail, status_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.TransactionID), r.StartedAt.UnixNano(), r.DurationMS,
		string(r.Outcome), r.Attempt, r.Detail, r.StatusCode,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

const selectResults = `SELECT id, transaction_id, started_at, duration_ms, outcome, attempt, detail, status_code
	FROM check_results`

func (s *Store) Query(ctx context.Context, id domain.TransactionID, since, until time.Time) ([]domain.CheckResult, error) {
	q := selectResults + ` WHERE transaction_id = ? AND started_at >= ?`
	args := []any{string(id), nanos(since)}
	if !until.IsZero() {
		q += ` AND started_at < ?`
		args = append(args, until.UnixNano())
	}
	rows, err := s.reads.QueryContext(ctx, q+` ORDER BY started_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	return collectResults(rows)
}

func (s *Store) Latest(ctx context.Context) ([]domain.CheckResult, error) {
	rows, err := s.reads.QueryContext(ctx, `
SELECT id, transaction_id, started_at, duration_ms, outcome, attempt, detail, status_code
  FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY transaction_id ORDER BY started_at DESC) AS rn
          FROM check_results)
 WHERE rn = 1
 ORDER BY transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("latest: %w", err)
	}
	return collectResults(rows)
}

func (s *Store) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.CheckResult, error) {
	rows, err := s.reads.QueryContext(ctx, selectResults+` WHERE started_at < ? ORDER BY started_at, id`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return collectResults(rows)
}

// Prune deletes in batches of s.pruneBatch rows. Each batch is its own
// statement, so a large backlog never holds the writer for the whole sweep.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM check_results WHERE rowid IN
				(SELECT rowid FROM check_results WHERE started_at < ? LIMIT ?)`,
			olderThan.UnixNano(), s.pruneBatch)
		if err != nil {
			return total, fmt.Errorf("prune results: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(s.pruneBatch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func collectResults(rows *sql.Rows) ([]domain.CheckResult, error) {
	defer rows.Close()
	var out []domain.CheckResult
	for rows.Next() {
		var (
			r         domain.CheckResult
			txID      string
			outcome   string
			startedAt int64
		)
		if err := rows.Scan(&r.ID, &txID, &startedAt, &r.DurationMS, &outcome, &r.Attempt, &r.Detail, &r.StatusCode); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.TransactionID = domain.TransactionID(txID)
		r.Outcome = domain.Outcome(outcome)
		r.StartedAt = fromNanos(startedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- StateStore ----

const selectStates = `SELECT transaction_id, status, consecutive_failures, last_change_at, last_result_at
	FROM transaction_states`

func (s *Store) GetState(ctx context.Context, id domain.TransactionID) (*domain.TransactionState, error) {
	rows, err := s.reads.QueryContext(ctx, selectStates+` WHERE transaction_id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	states, err := collectStates(rows)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return &states[0], nil
}

func (s *Store) SetState(ctx context.Context, st domain.TransactionState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transaction_states
			(transaction_id, status, consecutive_failures, last_change_at, last_result_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			status = excluded.status,
			consecutive_failures = excluded.consecutive_failures,
			last_change_at = excluded.last_change_at,
			last_result_at = excluded.last_result_at`,
		string(st.TransactionID), string(st.Status), st.ConsecutiveFailures,
		nanos(st.LastChangeAt), nanos(st.LastResultAt),
	)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (s *Store) ListStates(ctx context.Context) ([]domain.TransactionState, error) {
	rows, err := s.reads.QueryContext(ctx, selectStates+` ORDER BY transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return collectStates(rows)
}

func collectStates(rows *sql.Rows) ([]domain.TransactionState, error) {
	defer rows.Close()
	var out []domain.TransactionState
	for rows.Next() {
		var (
			id, status       string
			failures         int
			changed, lastRes int64
		)
		if err := rows.Scan(&id, &status, &failures, &changed, &lastRes); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, domain.TransactionState{
			TransactionID:       domain.TransactionID(id),
			Status:              domain.Status(status),
			ConsecutiveFailures: failures,
			LastChangeAt:        fromNanos(changed),
			LastResultAt:        fromNanos(lastRes),
		})
	}
	return out, rows.Err()
}

// nanos maps the zero time to 0 rather than UnixNano's out-of-range value.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
