package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo/repotest"
)

func open(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(context.Background(), path, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "guardian.db"))
	defer s.Close()
	repotest.Run(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "guardian.db")

	s := open(t, path)
	r := &domain.CheckResult{
		TransactionID: "t1",
		StartedAt:     time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC),
		DurationMS:    5012,
		Outcome:       domain.OutcomeSuccess,
		Attempt:       2,
	}
	if err := s.Append(ctx, r); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.SetState(ctx, domain.NewState("t1")); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = open(t, path)
	defer s.Close()
	got, err := s.Query(ctx, "t1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != r.ID || !got[0].StartedAt.Equal(r.StartedAt) || got[0].Attempt != 2 {
		t.Fatalf("unexpected results after reopen: %+v", got)
	}
	st, err := s.GetState(ctx, "t1")
	if err != nil || st == nil || st.Status != domain.StatusHealthy || !st.LastChangeAt.IsZero() {
		t.Fatalf("unexpected state after reopen: %+v err=%v", st, err)
	}
}

func TestSQLiteStore_ReadsDoNotWaitForWriter(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "guardian.db"))
	defer s.Close()

	if err := s.Append(ctx, &domain.CheckResult{TransactionID: "t1", StartedAt: time.Now(), Outcome: domain.OutcomeSuccess, Attempt: 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// hold the only writer connection inside an open write transaction
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM check_results WHERE transaction_id = 'nobody'`); err != nil {
		t.Fatalf("exec: %v", err)
	}

	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := s.Query(qctx, "t1", time.Time{}, time.Time{})
	if err != nil || len(got) != 1 {
		t.Fatalf("Query while writer busy: %d results err=%v", len(got), err)
	}
	if _, err := s.Latest(qctx); err != nil {
		t.Fatalf("Latest while writer busy: %v", err)
	}
	if _, err := s.ListBefore(qctx, time.Now()); err != nil {
		t.Fatalf("ListBefore while writer busy: %v", err)
	}
}

func TestSQLiteStore_PruneInBatches(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "guardian.db"))
	defer s.Close()
	s.pruneBatch = 10

	const old = 2000
	base := time.Now().Add(-48 * time.Hour)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < old; i++ {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO check_results (id, transaction_id, started_at, duration_ms, outcome, attempt)
			VALUES (?, 'old', ?, 1, 'success', 1)`,
			fmt.Sprintf("old-%d", i), base.Add(time.Duration(i)*time.Second).UnixNano())
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var (
		pruning atomic.Bool
		during  atomic.Int32
		total   atomic.Int32
	)
	stop := make(chan struct{})
	done := make(chan error, 1)
	first := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r := &domain.CheckResult{TransactionID: "fresh", StartedAt: time.Now(), Outcome: domain.OutcomeSuccess, Attempt: 1}
			if err := s.Append(ctx, r); err != nil {
				done <- err
				return
			}
			if pruning.Load() {
				during.Add(1)
			}
			if total.Add(1) == 1 {
				close(first)
			}
		}
	}()
	<-first

	pruning.Store(true)
	n, err := s.Prune(ctx, time.Now().Add(-time.Hour))
	pruning.Store(false)
	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("Append during prune: %v", err)
	}
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != old {
		t.Fatalf("pruned %d want %d", n, old)
	}
	if during.Load() == 0 {
		t.Fatal("no append completed while the prune was running")
	}

	left, err := s.ListBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil || len(left) != 0 {
		t.Fatalf("expired rows left: %d err=%v", len(left), err)
	}
	fresh, err := s.Query(ctx, "fresh", time.Time{}, time.Time{})
	if err != nil || len(fresh) != int(total.Load()) {
		t.Fatalf("fresh rows %d want %d err=%v", len(fresh), total.Load(), err)
	}
}
