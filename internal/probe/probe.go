package probe

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// CheckResult is the outcome of a single attempt.
//
// Fields:
//   - StatusCode: HTTP status of the last response seen; 0 for transport/DNS errors.
//   - Err: nil on success, otherwise wraps one of domain.ErrProbeTimeout,
//     domain.ErrProbeFailure or domain.ErrTransport.
type CheckResult struct {
	Name       string
	Outcome    domain.Outcome
	StatusCode int
	LatencyMS  float64
	Message    string
	FinalURL   string
	Err        error
}

func (r CheckResult) Success() bool { return r.Outcome == domain.OutcomeSuccess }

// Checker performs one attempt of a synthetic transaction.
type Checker interface {
	Check(ctx context.Context, tx domain.Transaction) CheckResult
}

func assertionFailed(name string, status int, format string, args ...any) CheckResult {
	err := fmt.Errorf("%w: "+format, append([]any{domain.ErrProbeFailure}, args...)...)
	return CheckResult{Name: name, Outcome: domain.OutcomeFailure, StatusCode: status, Message: err.Error(), Err: err}
}

// fromError maps a request error to timeout or transport failure.
func fromError(ctx context.Context, name string, err error) CheckResult {
	if isTimeout(ctx, err) {
		e := fmt.Errorf("%w: %v", domain.ErrProbeTimeout, err)
		return CheckResult{Name: name, Outcome: domain.OutcomeTimeout, Message: e.Error(), Err: e}
	}
	e := fmt.Errorf("%w: %v", domain.ErrTransport, err)
	return CheckResult{Name: name, Outcome: domain.OutcomeFailure, Message: e.Error(), Err: e}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
