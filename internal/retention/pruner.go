// Package retention deletes check results older than the retention window
// on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/metrics"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

// Archiver keeps a copy of results before they are pruned.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, rs []domain.CheckResult) (string, error)
}

type Pruner struct {
	log       *zap.Logger
	store     repo.ResultStore
	retention time.Duration
	archiver  Archiver // optional
	now       func() time.Time
	timeout   time.Duration

	runMu sync.Mutex // one prune at a time
	cron  *cron.Cron
}

func New(log *zap.Logger, store repo.ResultStore, retention time.Duration, archiver Archiver) *Pruner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pruner{
		log:       log,
		store:     store,
		retention: retention,
		archiver:  archiver,
		now:       time.Now,
		timeout:   10 * time.Minute,
	}
}

// RunOnce prunes everything older than now minus the retention window and
// returns how many results were deleted. When an archiver is set and the
// upload fails, nothing is deleted.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	cutoff := p.now().UTC().Add(-p.retention)
	if p.archiver != nil {
		expired, err := p.store.ListBefore(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("list expired: %w", err)
		}
		if len(expired) > 0 {
			if _, err := p.archiver.Archive(ctx, cutoff, expired); err != nil {
				return 0, fmt.Errorf("archive: %w", err)
			}
		}
	}

	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	metrics.AddPruned(n)
	p.log.Info("retention_pruned",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", n),
	)
	return n, nil
}

// Start schedules RunOnce. schedule is a standard five-field cron
// expression or a descriptor such as "@daily" or "@every 6h".
func (p *Pruner) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, p.scheduled); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	p.cron = c
	c.Start()
	p.log.Info("retention_started",
		zap.String("schedule", schedule),
		zap.Duration("retention", p.retention),
		zap.Bool("archive", p.archiver != nil),
	)
	return nil
}

func (p *Pruner) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.RunOnce(ctx); err != nil {
		p.log.Error("retention_error", zap.Error(err))
	}
}

// Stop waits for a running prune to finish.
func (p *Pruner) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.log.Info("retention_stopped")
}
