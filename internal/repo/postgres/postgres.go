package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

var _ repo.Store = (*Store)(nil)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Migrate applies the embedded schema. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- TransactionStore ----

func (s *Store) Upsert(ctx context.Context, t *domain.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO synthetic_transactions
		   (id, type, target, check_interval, timeout, max_retries, retry_delay, created_at)
		 VALUES ($1, $2::transaction_type, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   type = EXCLUDED.type,
		   target = EXCLUDED.target,
		   check_interval = EXCLUDED.check_interval,
		   timeout = EXCLUDED.timeout,
		   max_retries = EXCLUDED.max_retries,
		   retry_delay = EXCLUDED.retry_delay`,
		string(t.ID), string(t.Type), t.Target,
		seconds(t.CheckInterval), seconds(t.Timeout), t.MaxRetries, seconds(t.RetryDelay),
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id domain.TransactionID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM synthetic_transactions WHERE id = $1`, string(id)); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

const selectTransactions = `SELECT id, type::text, target, check_interval, timeout, max_retries, retry_delay, created_at
  FROM synthetic_transactions`

func (s *Store) List(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, selectTransactions+` ORDER BY id`)
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
	row := s.pool.QueryRow(ctx, selectTransactions+` WHERE id = $1`, string(id))
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		id, typ, target                   string
		interval, timeout, retries, delay int
		createdAt                         time.Time
	)
	if err := row.Scan(&id, &typ, &target, &interval, &timeout, &retries, &delay, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// ---- ResultStore ----

func (s *Store) Append(ctx context.Context, cr *domain.CheckResult) error {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	var statusPtr *int
	if cr.StatusCode != 0 {
		statusPtr = &cr.StatusCode
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO check_results
		   (id, transaction_id, started_at, duration_ms, outcome, attempt, detail, status_code)
		 VALUES
		   ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cr.ID, string(cr.TransactionID), cr.StartedAt.UTC(), cr.DurationMS,
		string(cr.Outcome), cr.Attempt, cr.Detail, statusPtr,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

const selectResults = `SELECT id, transaction_id, started_at, duration_ms, outcome, attempt, detail, status_code
  FROM check_results`

func (s *Store) Query(ctx context.Context, id domain.TransactionID, since, until time.Time) ([]domain.CheckResult, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if until.IsZero() {
		rows, err = s.pool.Query(ctx, selectResults+`
 WHERE transaction_id = $1 AND started_at >= $2
 ORDER BY started_at, id`, string(id), since.UTC())
	} else {
		rows, err = s.pool.Query(ctx, selectResults+`
 WHERE transaction_id = $1 AND started_at >= $2 AND started_at < $3
 ORDER BY started_at, id`, string(id), since.UTC(), until.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	return collectResults(rows)
}

func (s *Store) Latest(ctx context.Context) ([]domain.CheckResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (transaction_id)
       id, transaction_id, started_at, duration_ms, outcome, attempt, detail, status_code
  FROM check_results
 ORDER BY transaction_id, started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest: %w", err)
	}
	return collectResults(rows)
}

func (s *Store) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.CheckResult, error) {
	rows, err := s.pool.Query(ctx, selectResults+`
 WHERE started_at < $1
 ORDER BY started_at, id`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return collectResults(rows)
}

func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM check_results WHERE started_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectResults(rows pgx.Rows) ([]domain.CheckResult, error) {
	defer rows.Close()
	var out []domain.CheckResult
	for rows.Next() {
		var (
			id, txID, outcome, detail string
			startedAt                 time.Time
			durationMS                int64
			attempt                   int
			statusNull                sql.NullInt32
		)
		if err := rows.Scan(&id, &txID, &startedAt, &durationMS, &outcome, &attempt, &detail, &statusNull); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r := domain.CheckResult{
			ID:            id,
			TransactionID: domain.TransactionID(txID),
			StartedAt:     startedAt.UTC(),
			DurationMS:    durationMS,
			Outcome:       domain.Outcome(outcome),
			Attempt:       attempt,
			Detail:        detail,
		}
		if statusNull.Valid {
			r.StatusCode = int(statusNull.Int32)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- StateStore ----

func (s *Store) GetState(ctx context.Context, id domain.TransactionID) (*domain.TransactionState, error) {
	rows, err := s.pool.Query(ctx, selectStates+` WHERE transaction_id = $1`, string(id))
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transaction_states
		   (transaction_id, status, consecutive_failures, last_change_at, last_result_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (transaction_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   consecutive_failures = EXCLUDED.consecutive_failures,
		   last_change_at = EXCLUDED.last_change_at,
		   last_result_at = EXCLUDED.last_result_at`,
		string(st.TransactionID), string(st.Status), st.ConsecutiveFailures,
		nullTime(st.LastChangeAt), nullTime(st.LastResultAt),
	)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

const selectStates = `SELECT transaction_id, status, consecutive_failures, last_change_at, last_result_at
  FROM transaction_states`

func (s *Store) ListStates(ctx context.Context) ([]domain.TransactionState, error) {
	rows, err := s.pool.Query(ctx, selectStates+` ORDER BY transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return collectStates(rows)
}

func collectStates(rows pgx.Rows) ([]domain.TransactionState, error) {
	defer rows.Close()
	var out []domain.TransactionState
	for rows.Next() {
		var (
			id, status       string
			failures         int
			changed, lastRes sql.NullTime
		)
		if err := rows.Scan(&id, &status, &failures, &changed, &lastRes); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st := domain.TransactionState{
			TransactionID:       domain.TransactionID(id),
			Status:              domain.Status(status),
			ConsecutiveFailures: failures,
		}
		if changed.Valid {
			st.LastChangeAt = changed.Time.UTC()
		}
		if lastRes.Valid {
			st.LastResultAt = lastRes.Time.UTC()
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func seconds(d time.Duration) int { return int(d / time.Second) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
