package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// ErrAbandoned is returned when the context ends before an attempt sequence
// completes. No result exists for an abandoned sequence.
var ErrAbandoned = errors.New("check abandoned")

// RetryChecker runs up to MaxRetries+1 attempts of a transaction, waiting
// RetryDelay between failed attempts and stopping at the first success.
type RetryChecker struct {
	Inner  Checker
	Logger *zap.Logger

	// Wait and Now are replaceable for tests.
	Wait func(ctx context.Context, d time.Duration) error
	Now  func() time.Time
}

func NewRetryChecker(inner Checker, logger *zap.Logger) *RetryChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryChecker{Inner: inner, Logger: logger, Wait: sleepCtx, Now: time.Now}
}

// Run returns the result of the final attempt; Attempt is the number of
// attempts used. The delay between attempts only suspends the caller.
func (r *RetryChecker) Run(ctx context.Context, tx domain.Transaction) (domain.CheckResult, error) {
	wait, now := r.Wait, r.Now
	if wait == nil {
		wait = sleepCtx
	}
	if now == nil {
		now = time.Now
	}
	attempts := tx.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	start := now()
	var last CheckResult
	used := 0
	for i := 1; i <= attempts; i++ {
		last = r.Inner.Check(ctx, tx)
		used = i
		if ctx.Err() != nil {
			return domain.CheckResult{}, ErrAbandoned
		}
		if last.Success() {
			break
		}
		r.Logger.Debug("probe_attempt_failed",
			zap.String("transaction_id", string(tx.ID)),
			zap.Int("attempt", i),
			zap.String("outcome", string(last.Outcome)),
			zap.String("detail", last.Message),
		)
		if i < attempts {
			if err := wait(ctx, tx.RetryDelay); err != nil {
				return domain.CheckResult{}, ErrAbandoned
			}
		}
	}

	detail := last.Message
	if !last.Success() && used > 1 {
		// annotate so it is visible the outcome survived retries
		detail = fmt.Sprintf("%s (after %d attempts)", detail, used)
	}
	return domain.CheckResult{
		TransactionID: tx.ID,
		StartedAt:     start.UTC().Truncate(time.Microsecond),
		DurationMS:    now().Sub(start).Milliseconds(),
		Outcome:       last.Outcome,
		Attempt:       used,
		Detail:        detail,
		StatusCode:    last.StatusCode,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
