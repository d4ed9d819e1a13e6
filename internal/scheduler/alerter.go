package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/metrics"
	"github.com/hamed0406/devopsguardian/internal/repo"
)

// Publisher accepts status events for delivery. notify.Dispatcher is the
// production implementation.
type Publisher interface {
	Publish(ctx context.Context, ev domain.StatusEvent) error
}

// Evaluator owns every transaction's alert status. Results for one
// transaction are applied one at a time in arrival order; different
// transactions do not wait on each other.
type Evaluator struct {
	log       *zap.Logger
	states    repo.StateStore // optional
	pub       Publisher       // optional
	threshold int
	now       func() time.Time

	mu    sync.Mutex
	locks map[domain.TransactionID]*sync.Mutex
	cur   map[domain.TransactionID]domain.TransactionState
}

func NewEvaluator(log *zap.Logger, states repo.StateStore, pub Publisher, threshold int) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold < 1 {
		threshold = domain.DefaultDownThreshold
	}
	return &Evaluator{
		log:       log,
		states:    states,
		pub:       pub,
		threshold: threshold,
		now:       time.Now,
		locks:     make(map[domain.TransactionID]*sync.Mutex),
		cur:       make(map[domain.TransactionID]domain.TransactionState),
	}
}

// Load restores persisted states, so a restart does not re-announce an
// outage that was already reported.
func (e *Evaluator) Load(ctx context.Context) error {
	if e.states == nil {
		return nil
	}
	sts, err := e.states.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("load states: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range sts {
		e.cur[st.TransactionID] = st
	}
	e.log.Info("evaluator_states_loaded", zap.Int("count", len(sts)))
	return nil
}

func (e *Evaluator) lock(id domain.TransactionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Forget drops the per-transaction lock of id unless a result is being
// applied right now. The persisted state is kept.
func (e *Evaluator) Forget(id domain.TransactionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok || !l.TryLock() {
		return
	}
	delete(e.locks, id)
	l.Unlock()
}

// State returns the current state of id; healthy if nothing is known yet.
func (e *Evaluator) State(id domain.TransactionID) domain.TransactionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.cur[id]; ok {
		return st
	}
	return domain.NewState(id)
}

func (e *Evaluator) States() []domain.TransactionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.TransactionState, 0, len(e.cur))
	for _, st := range e.cur {
		out = append(out, st)
	}
	return out
}

// OnResult applies r and publishes the events it causes, each exactly once.
func (e *Evaluator) OnResult(ctx context.Context, r domain.CheckResult) error {
	l := e.lock(r.TransactionID)
	l.Lock()
	defer l.Unlock()

	prev := e.State(r.TransactionID)
	next, events := domain.Transition(prev, r, e.threshold, e.now().UTC())

	e.mu.Lock()
	e.cur[r.TransactionID] = next
	e.mu.Unlock()

	var err error
	if e.states != nil {
		if serr := e.states.SetState(ctx, next); serr != nil {
			err = multierr.Append(err, fmt.Errorf("persist state: %w", serr))
		}
	}

	for _, ev := range events {
		ev.ID = uuid.NewString()
		metrics.IncTransition(string(ev.Kind))
		e.log.Info("transaction_status_changed",
			zap.String("event_id", ev.ID),
			zap.String("transaction_id", string(ev.TransactionID)),
			zap.String("kind", string(ev.Kind)),
			zap.String("old_status", string(ev.OldStatus)),
			zap.String("new_status", string(ev.NewStatus)),
			zap.Int("consecutive_failures", next.ConsecutiveFailures),
			zap.String("detail", ev.LastResultDetail),
		)
		if e.pub == nil {
			continue
		}
		if perr := e.pub.Publish(ctx, ev); perr != nil {
			err = multierr.Append(err, fmt.Errorf("publish %s: %w", ev.Kind, perr))
		}
	}
	return err
}
