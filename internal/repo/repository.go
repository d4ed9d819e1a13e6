package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Ports (interfaces). The memory, sqlite and postgres adapters implement all of them.

// TransactionStore holds synthetic transaction definitions. Delete removes
// a definition only; its results and state stay until retention. Deleting a
// missing id is not an error.
type TransactionStore interface {
	Upsert(ctx context.Context, t *domain.Transaction) error
	List(ctx context.Context) ([]domain.Transaction, error)
	Get(ctx context.Context, id domain.TransactionID) (*domain.Transaction, error)
	Delete(ctx context.Context, id domain.TransactionID) error
}

// ResultStore is the append-only check history.
//
// Append is durable before it returns. Query returns results with
// since <= StartedAt < until in chronological order; a zero until is open.
// Prune deletes results with StartedAt < olderThan and reports how many.
type ResultStore interface {
	Append(ctx context.Context, r *domain.CheckResult) error
	Query(ctx context.Context, id domain.TransactionID, since, until time.Time) ([]domain.CheckResult, error)
	Latest(ctx context.Context) ([]domain.CheckResult, error)
	ListBefore(ctx context.Context, cutoff time.Time) ([]domain.CheckResult, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// StateStore persists the evaluator's per-transaction state.
// GetState returns nil, nil if there's no record yet.
type StateStore interface {
	GetState(ctx context.Context, id domain.TransactionID) (*domain.TransactionState, error)
	SetState(ctx context.Context, st domain.TransactionState) error
	ListStates(ctx context.Context) ([]domain.TransactionState, error)
}

// Store is what a storage driver provides.
type Store interface {
	TransactionStore
	ResultStore
	StateStore
	Close() error
}
