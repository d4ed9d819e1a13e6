package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

// shard holds one transaction's history so appends, queries and pruning for
// unrelated transactions never share a lock.
type shard struct {
	mu      sync.RWMutex
	results []domain.CheckResult // sorted by StartedAt
}

type Store struct {
	mu     sync.RWMutex
	txs    map[domain.TransactionID]domain.Transaction
	shards map[domain.TransactionID]*shard
	states map[domain.TransactionID]domain.TransactionState
}

func New() *Store {
	return &Store{
		txs:    make(map[domain.TransactionID]domain.Transaction),
		shards: make(map[domain.TransactionID]*shard),
		states: make(map[domain.TransactionID]domain.TransactionState),
	}
}

func (m *Store) Close() error { return nil }

// ---- TransactionStore ----

func (m *Store) Upsert(ctx context.Context, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		if prev, ok := m.txs[t.ID]; ok {
			t.CreatedAt = prev.CreatedAt
		} else {
			t.CreatedAt = time.Now().UTC()
		}
	}
	m.txs[t.ID] = *t
	return nil
}

func (m *Store) List(ctx context.Context) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Transaction, 0, len(m.txs))
	for _, t := range m.txs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) Get(ctx context.Context, id domain.TransactionID) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &t, nil
}

func (m *Store) Delete(ctx context.Context, id domain.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, id)
	return nil
}

// ---- ResultStore ----

func (m *Store) shard(id domain.TransactionID, create bool) *shard {
	m.mu.RLock()
	s := m.shards[id]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.shards[id]; s == nil {
		s = &shard{}
		m.shards[id] = s
	}
	return s
}

func (m *Store) allShards() []*shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	return out
}

func (m *Store) Append(ctx context.Context, r *domain.CheckResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	s := m.shard(r.TransactionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.results), func(i int) bool { return s.results[i].StartedAt.After(r.StartedAt) })
	s.results = append(s.results, domain.CheckResult{})
	copy(s.results[i+1:], s.results[i:])
	s.results[i] = *r
	return nil
}

func (m *Store) Query(ctx context.Context, id domain.TransactionID, since, until time.Time) ([]domain.CheckResult, error) {
	s := m.shard(id, false)
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CheckResult
	for _, r := range s.results {
		if r.StartedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !r.StartedAt.Before(until) {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Store) Latest(ctx context.Context) ([]domain.CheckResult, error) {
	var out []domain.CheckResult
	for _, s := range m.allShards() {
		s.mu.RLock()
		if n := len(s.results); n > 0 {
			out = append(out, s.results[n-1])
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

func (m *Store) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.CheckResult, error) {
	var out []domain.CheckResult
	for _, s := range m.allShards() {
		s.mu.RLock()
		for _, r := range s.results {
			if !r.StartedAt.Before(cutoff) {
				break
			}
			out = append(out, r)
		}
		s.mu.RUnlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for _, s := range m.allShards() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s.mu.Lock()
		i := sort.Search(len(s.results), func(i int) bool { return !s.results[i].StartedAt.Before(olderThan) })
		if i > 0 {
			s.results = append([]domain.CheckResult(nil), s.results[i:]...)
			n += int64(i)
		}
		s.mu.Unlock()
	}
	return n, nil
}

// ---- StateStore ----

func (m *Store) GetState(ctx context.Context, id domain.TransactionID) (*domain.TransactionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *Store) SetState(ctx context.Context, st domain.TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.TransactionID] = st
	return nil
}

func (m *Store) ListStates(ctx context.Context) ([]domain.TransactionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.TransactionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

var _ repo.Store = (*Store)(nil)
