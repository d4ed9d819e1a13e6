package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/metrics"
	"github.com/hamed0406/devopsguardian/internal/probe"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

// Runner executes one full attempt sequence. probe.RetryChecker is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, tx domain.Transaction) (domain.CheckResult, error)
}

// ResultHandler receives every persisted (or unpersistable) result.
type ResultHandler interface {
	OnResult(ctx context.Context, r domain.CheckResult) error
}

// forgetter is implemented by handlers that keep per-transaction
// bookkeeping worth dropping once a transaction is unscheduled.
type forgetter interface {
	Forget(id domain.TransactionID)
}

// run states of one transaction
const (
	runIdle int32 = iota
	runRunning
	runOverdue
)

type Options struct {
	// MaxConcurrent caps attempt sequences in flight across all
	// transactions. Zero means no cap.
	MaxConcurrent int
	// WriteRetries is the number of Append attempts per result.
	WriteRetries int
	// WriteBackoff is the first delay between Append attempts; it doubles.
	WriteBackoff time.Duration
	// PersistTimeout bounds persisting and evaluating one result.
	PersistTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteRetries < 1 {
		o.WriteRetries = 3
	}
	if o.WriteBackoff <= 0 {
		o.WriteBackoff = 200 * time.Millisecond
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 30 * time.Second
	}
	return o
}

type loop struct {
	tx     domain.Transaction
	gate   *atomic.Int32
	cancel context.CancelFunc
}

// Scheduler runs one independent periodic loop per transaction. A
// transaction never has more than one attempt sequence in flight; ticks that
// arrive while one is running are skipped, not queued.
type Scheduler struct {
	log     *zap.Logger
	runner  Runner
	results repo.ResultStore
	handler ResultHandler
	health  *SystemHealth
	opts    Options
	sem     chan struct{}

	loopCtx      context.Context
	stopLoops    context.CancelFunc
	probeCtx     context.Context
	cancelProbes context.CancelFunc

	mu     sync.Mutex
	loops  map[domain.TransactionID]*loop
	gates  map[domain.TransactionID]*atomic.Int32
	closed bool

	loopsWG sync.WaitGroup
	runsWG  sync.WaitGroup
}

func New(log *zap.Logger, runner Runner, results repo.ResultStore, handler ResultHandler, health *SystemHealth, opts Options) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if health == nil {
		health = &SystemHealth{}
	}
	opts = opts.withDefaults()
	s := &Scheduler{
		log:     log,
		runner:  runner,
		results: results,
		handler: handler,
		health:  health,
		opts:    opts,
		loops:   make(map[domain.TransactionID]*loop),
		gates:   make(map[domain.TransactionID]*atomic.Int32),
	}
	if opts.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	s.loopCtx, s.stopLoops = context.WithCancel(context.Background())
	s.probeCtx, s.cancelProbes = context.WithCancel(context.Background())
	return s
}

func (s *Scheduler) Health() *SystemHealth { return s.health }

// Transactions returns the definitions currently scheduled.
func (s *Scheduler) Transactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.tx)
	}
	return out
}

// Validate checks a definition the way Sync does before scheduling it.
func Validate(tx domain.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	return probe.ValidateTarget(tx)
}

// Sync makes the running loops match txs. New transactions start, changed
// ones restart, missing ones stop. Invalid definitions are logged and left
// out; their configuration errors are returned combined, and never affect
// the valid ones.
func (s *Scheduler) Sync(txs []domain.Transaction) error {
	var errs error
	want := make(map[domain.TransactionID]domain.Transaction, len(txs))
	for _, tx := range txs {
		if err := Validate(tx); err != nil {
			s.log.Error("transaction_config_error",
				zap.String("transaction_id", string(tx.ID)),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
			continue
		}
		if _, dup := want[tx.ID]; dup {
			err := &domain.ConfigurationError{TransactionID: tx.ID, Field: "id", Msg: "duplicate"}
			s.log.Error("transaction_config_error", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		want[tx.ID] = tx
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return multierr.Append(errs, errors.New("scheduler shut down"))
	}

	for id, l := range s.loops {
		if tx, ok := want[id]; !ok || !sameSchedule(l.tx, tx) {
			l.cancel()
			delete(s.loops, id)
			s.log.Info("scheduler_loop_stopped", zap.String("transaction_id", string(id)))
			if !ok {
				s.forget(id)
			}
		}
	}
	for id, tx := range want {
		if _, running := s.loops[id]; running {
			continue
		}
		if tx.SchedulingRisk() {
			s.log.Warn("scheduling_risk",
				zap.String("transaction_id", string(id)),
				zap.Duration("check_interval", tx.CheckInterval),
				zap.Duration("worst_case", tx.WorstCase()),
			)
		}
		s.start(tx)
	}
	return errs
}

// forget drops the bookkeeping of a removed transaction. Nothing is dropped
// while a run is in flight, so a quick re-add cannot start a second run.
// Must be called with s.mu held.
func (s *Scheduler) forget(id domain.TransactionID) {
	if g, ok := s.gates[id]; ok {
		if g.Load() != runIdle {
			return
		}
		delete(s.gates, id)
	}
	if f, ok := s.handler.(forgetter); ok {
		f.Forget(id)
	}
}

func sameSchedule(a, b domain.Transaction) bool {
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	return a == b
}

// start must be called with s.mu held.
func (s *Scheduler) start(tx domain.Transaction) {
	gate, ok := s.gates[tx.ID]
	if !ok {
		// kept across restarts so a run of the old definition still blocks
		// the new loop's first tick
		gate = new(atomic.Int32)
		s.gates[tx.ID] = gate
	}
	ctx, cancel := context.WithCancel(s.loopCtx)
	l := &loop{tx: tx, gate: gate, cancel: cancel}
	s.loops[tx.ID] = l
	s.loopsWG.Add(1)
	go s.runLoop(ctx, l)
	s.log.Info("scheduler_loop_started",
		zap.String("transaction_id", string(tx.ID)),
		zap.String("type", string(tx.Type)),
		zap.Duration("check_interval", tx.CheckInterval),
	)
}

// runLoop does an immediate run, then one per tick. The interval is measured
// from run start, not completion.
func (s *Scheduler) runLoop(ctx context.Context, l *loop) {
	defer s.loopsWG.Done()
	t := time.NewTicker(l.tx.CheckInterval)
	defer t.Stop()

	s.tick(l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(l)
		}
	}
}

func (s *Scheduler) tick(l *loop) {
	for {
		if l.gate.CompareAndSwap(runIdle, runRunning) {
			s.runsWG.Add(1)
			go s.execute(l.tx, l.gate)
			return
		}
		// only mark overdue while a run is still in flight; if it finished
		// between the two swaps the gate is idle again and we retry
		if l.gate.CompareAndSwap(runRunning, runOverdue) || l.gate.Load() == runOverdue {
			metrics.IncOverdue(string(l.tx.ID))
			s.log.Warn("scheduler_overdue",
				zap.String("transaction_id", string(l.tx.ID)),
				zap.Duration("check_interval", l.tx.CheckInterval),
			)
			return
		}
	}
}

// execute runs one attempt sequence, persists the result, then hands it to
// the evaluator. In that order, always.
func (s *Scheduler) execute(tx domain.Transaction, gate *atomic.Int32) {
	defer s.runsWG.Done()
	defer gate.Store(runIdle)

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.probeCtx.Done():
			return
		}
	}

	res, err := s.runner.Run(s.probeCtx, tx)
	if err != nil {
		if errors.Is(err, probe.ErrAbandoned) {
			s.log.Info("scheduler_run_abandoned", zap.String("transaction_id", string(tx.ID)))
		} else {
			s.log.Error("scheduler_run_error", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
		}
		return
	}
	metrics.ObserveCheck(string(tx.Type), string(res.Outcome), time.Duration(res.DurationMS)*time.Millisecond)
	s.log.Debug("scheduler_checked",
		zap.String("transaction_id", string(tx.ID)),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempt", res.Attempt),
		zap.Int64("duration_ms", res.DurationMS),
		zap.Int("status", res.StatusCode),
		zap.String("detail", res.Detail),
	)

	// a completed result is written even while shutting down
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PersistTimeout)
	defer cancel()

	if err := s.persist(ctx, &res); err != nil {
		s.health.MarkStoreFailure(err)
		metrics.IncStoreWriteFailure()
		s.log.Error("store_append_error",
			zap.String("transaction_id", string(tx.ID)),
			zap.Error(err),
		)
	} else {
		s.health.MarkStoreOK()
	}

	if s.handler != nil {
		if err := s.handler.OnResult(ctx, res); err != nil {
			s.log.Warn("evaluate_error", zap.String("transaction_id", string(tx.ID)), zap.Error(err))
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, r *domain.CheckResult) error {
	backoff := s.opts.WriteBackoff
	var err error
	attempts := 0
	for attempts < s.opts.WriteRetries {
		attempts++
		if err = s.results.Append(ctx, r); err == nil {
			return nil
		}
		if attempts == s.opts.WriteRetries {
			break
		}
		s.log.Warn("store_append_retry",
			zap.String("transaction_id", string(r.TransactionID)),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return &domain.StoreWriteError{TransactionID: r.TransactionID, Attempts: attempts, Err: multierr.Append(err, ctx.Err())}
		case <-t.C:
		}
		backoff *= 2
	}
	return &domain.StoreWriteError{TransactionID: r.TransactionID, Attempts: attempts, Err: err}
}

// Shutdown stops every loop, waits up to grace for in-flight runs to finish,
// then cancels what remains. Cancelled runs record nothing.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.loops = make(map[domain.TransactionID]*loop)
	s.mu.Unlock()

	s.stopLoops()
	s.loopsWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runsWG.Wait()
		close(done)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		s.log.Info("scheduler_stopped")
	case <-t.C:
		s.log.Warn("scheduler_grace_expired", zap.Duration("grace", grace))
		s.cancelProbes()
		<-done
	}
	s.cancelProbes()
}
