// Package repotest holds the behaviour every storage adapter must share.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

// Run exercises s against the store contract. s must be empty.
func Run(t *testing.T, s repo.Store) {
	t.Helper()
	t.Run("transactions", func(t *testing.T) { testTransactions(t, s) })
	t.Run("append_query_roundtrip", func(t *testing.T) { testRoundTrip(t, s) })
	t.Run("query_range_order", func(t *testing.T) { testQueryRange(t, s) })
	t.Run("prune_idempotent", func(t *testing.T) { testPrune(t, s) })
	t.Run("concurrent_append", func(t *testing.T) { testConcurrentAppend(t, s) })
	t.Run("states", func(t *testing.T) { testStates(t, s) })
}

func base() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testTransactions(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tx := &domain.Transaction{
		ID:            "txn-api",
		Type:          domain.TypeAPI,
		Target:        "https://example.com/health",
		CheckInterval: 300 * time.Second,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    5 * time.Second,
	}
	if err := s.Upsert(ctx, tx); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	tx.Target = "https://example.com/v2/health"
	if err := s.Upsert(ctx, tx); err != nil {
		t.Fatalf("Upsert again: %v", err)
	}

	got, err := s.Get(ctx, "txn-api")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Target != tx.Target || got.Type != domain.TypeAPI || got.CheckInterval != 300*time.Second ||
		got.Timeout != 30*time.Second || got.MaxRetries != 3 || got.RetryDelay != 5*time.Second {
		t.Fatalf("unexpected transaction: %+v", got)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("want 1 transaction after upserting twice, got %d", len(all))
	}

	if _, err := s.Get(ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, "txn-api"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "txn-api"); err != repo.ErrNotFound {
		t.Fatalf("deleted transaction still readable: %v", err)
	}
	if err := s.Delete(ctx, "txn-api"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func testRoundTrip(t *testing.T, s repo.Store) {
	ctx := context.Background()
	want := domain.CheckResult{
		TransactionID: "rt",
		StartedAt:     base().Add(123456 * time.Microsecond),
		DurationMS:    5042,
		Outcome:       domain.OutcomeSuccess,
		Attempt:       2,
		Detail:        "200 OK",
		StatusCode:    200,
	}
	in := want
	if err := s.Append(ctx, &in); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if in.ID == "" {
		t.Fatalf("expected Append to assign an ID")
	}
	want.ID = in.ID

	got, err := s.Query(ctx, "rt", base(), base().Add(time.Hour))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 result, got %d", len(got))
	}
	g := got[0]
	if g.ID != want.ID || g.TransactionID != want.TransactionID || !g.StartedAt.Equal(want.StartedAt) ||
		g.DurationMS != want.DurationMS || g.Outcome != want.Outcome || g.Attempt != want.Attempt ||
		g.Detail != want.Detail || g.StatusCode != want.StatusCode {
		t.Fatalf("round-trip mismatch:\nwant=%+v\ngot =%+v", want, g)
	}
}

func testQueryRange(t *testing.T, s repo.Store) {
	ctx := context.Background()
	// appended out of order on purpose
	for _, min := range []int{30, 10, 20, 40} {
		r := &domain.CheckResult{
			TransactionID: "range",
			StartedAt:     base().Add(time.Duration(min) * time.Minute),
			Outcome:       domain.OutcomeFailure,
			Attempt:       1,
			Detail:        fmt.Sprintf("m%d", min),
		}
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, &domain.CheckResult{TransactionID: "other", StartedAt: base().Add(15 * time.Minute), Outcome: domain.OutcomeSuccess, Attempt: 1}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, "range", base().Add(10*time.Minute), base().Add(40*time.Minute))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var details []string
	for _, r := range got {
		details = append(details, r.Detail)
	}
	if fmt.Sprint(details) != "[m10 m20 m30]" {
		t.Fatalf("want [m10 m20 m30] (since inclusive, until exclusive), got %v", details)
	}

	open, err := s.Query(ctx, "range", base(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 4 {
		t.Fatalf("open-ended query: want 4, got %d", len(open))
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	found := false
	for _, r := range latest {
		if r.TransactionID == "range" {
			found = true
			if r.Detail != "m40" {
				t.Fatalf("latest for range: want m40, got %s", r.Detail)
			}
		}
	}
	if !found {
		t.Fatalf("latest missing transaction range")
	}
}

func testPrune(t *testing.T, s repo.Store) {
	ctx := context.Background()
	now := base()
	cutoff := now.Add(-365 * 24 * time.Hour)
	ages := []time.Duration{400 * 24 * time.Hour, 366 * 24 * time.Hour, 364 * 24 * time.Hour, time.Hour}
	for i, age := range ages {
		r := &domain.CheckResult{TransactionID: "prune", StartedAt: now.Add(-age), Outcome: domain.OutcomeSuccess, Attempt: 1, Detail: fmt.Sprint(i)}
		if err := s.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := s.ListBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListBefore: %v", err)
	}
	n := 0
	for _, r := range expired {
		if r.TransactionID == "prune" {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("want 2 expired results, got %d", n)
	}

	if _, err := s.Prune(ctx, cutoff); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	again, err := s.Prune(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Fatalf("second prune deleted %d rows, want 0", again)
	}

	left, err := s.Query(ctx, "prune", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].Detail != "2" || left[1].Detail != "3" {
		t.Fatalf("want the two newer results untouched, got %+v", left)
	}
}

func testConcurrentAppend(t *testing.T, s repo.Store) {
	ctx := context.Background()
	const writers, each = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := domain.TransactionID(fmt.Sprintf("conc-%d", w%2))
			for i := 0; i < each; i++ {
				r := &domain.CheckResult{TransactionID: id, StartedAt: base().Add(time.Duration(w*each+i) * time.Second), Outcome: domain.OutcomeSuccess, Attempt: 1}
				if err := s.Append(ctx, r); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Append: %v", err)
	}
	total := 0
	for _, id := range []domain.TransactionID{"conc-0", "conc-1"} {
		rs, err := s.Query(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i < len(rs); i++ {
			if rs[i].StartedAt.Before(rs[i-1].StartedAt) {
				t.Fatalf("results for %s not chronological", id)
			}
		}
		total += len(rs)
	}
	if total != writers*each {
		t.Fatalf("want %d results, got %d", writers*each, total)
	}
}

func testStates(t *testing.T, s repo.Store) {
	ctx := context.Background()
	st, err := s.GetState(ctx, "st")
	if err != nil || st != nil {
		t.Fatalf("expected nil, got %+v err=%v", st, err)
	}
	want := domain.TransactionState{
		TransactionID:       "st",
		Status:              domain.StatusDown,
		ConsecutiveFailures: 4,
		LastChangeAt:        base(),
		LastResultAt:        base().Add(time.Minute),
	}
	if err := s.SetState(ctx, want); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	want.Status = domain.StatusHealthy
	want.ConsecutiveFailures = 0
	if err := s.SetState(ctx, want); err != nil {
		t.Fatalf("SetState update: %v", err)
	}
	got, err := s.GetState(ctx, "st")
	if err != nil || got == nil {
		t.Fatalf("GetState: %+v %v", got, err)
	}
	if got.Status != domain.StatusHealthy || got.ConsecutiveFailures != 0 || !got.LastChangeAt.Equal(want.LastChangeAt) {
		t.Fatalf("unexpected state: %+v", got)
	}
	all, err := s.ListStates(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListStates: %+v %v", all, err)
	}
}
