package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo/memory"
)

type fakeArchiver struct {
	calls int
	got   []domain.CheckResult
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, cutoff time.Time, rs []domain.CheckResult) (string, error) {
	f.calls++
	f.got = append(f.got, rs...)
	return "key", f.err
}

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *memory.Store) {
	t.Helper()
	for i, age := range []time.Duration{400 * 24 * time.Hour, 366 * 24 * time.Hour, 10 * 24 * time.Hour} {
		r := &domain.CheckResult{TransactionID: "a", StartedAt: now.Add(-age), Outcome: domain.OutcomeSuccess, Attempt: 1, Detail: string(rune('x' + i))}
		if err := s.Append(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
}

func newPruner(s *memory.Store, a Archiver) *Pruner {
	p := New(zap.NewNop(), s, 365*24*time.Hour, a)
	p.now = func() time.Time { return now }
	return p
}

func TestPruner_RunOnceIsIdempotent(t *testing.T) {
	s := memory.New()
	seed(t, s)
	p := newPruner(s, nil)

	n, err := p.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("first run: n=%d err=%v", n, err)
	}
	n, err = p.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second run: n=%d err=%v", n, err)
	}
	left, _ := s.Query(context.Background(), "a", time.Time{}, time.Time{})
	if len(left) != 1 {
		t.Fatalf("want 1 result left, got %d", len(left))
	}
}

func TestPruner_ArchivesBeforeDelete(t *testing.T) {
	s := memory.New()
	seed(t, s)
	fa := &fakeArchiver{}
	p := newPruner(s, fa)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fa.calls != 1 || len(fa.got) != 2 {
		t.Fatalf("archiver: calls=%d results=%d", fa.calls, len(fa.got))
	}

	// nothing left to expire: no empty upload
	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fa.calls != 1 {
		t.Fatalf("empty batch should not be archived, calls=%d", fa.calls)
	}
}

func TestPruner_ArchiveFailureKeepsData(t *testing.T) {
	s := memory.New()
	seed(t, s)
	p := newPruner(s, &fakeArchiver{err: errors.New("bucket gone")})

	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected archive error")
	}
	left, _ := s.Query(context.Background(), "a", time.Time{}, time.Time{})
	if len(left) != 3 {
		t.Fatalf("nothing may be deleted when archiving fails, %d left", len(left))
	}
}

func TestPruner_StartRejectsBadSchedule(t *testing.T) {
	p := newPruner(memory.New(), nil)
	if err := p.Start("not a schedule"); err == nil {
		t.Fatalf("expected error")
	}
	if err := p.Start("@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
}
