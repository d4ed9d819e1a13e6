package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// Executor runs one attempt of a transaction with the checker for its type,
// bounded by the transaction's timeout.
type Executor struct {
	Checkers map[domain.TransactionType]Checker
	DNS      *DNSChecker // optional; annotates transport failures
}

func NewExecutor(h *HTTPChecker, dns *DNSChecker) *Executor {
	return &Executor{
		Checkers: map[domain.TransactionType]Checker{
			domain.TypeAPI:        &APIChecker{HTTP: h},
			domain.TypeContent:    &ContentChecker{HTTP: h},
			domain.TypeForm:       &FormChecker{HTTP: h},
			domain.TypeNavigation: &NavigationChecker{HTTP: h},
		},
		DNS: dns,
	}
}

func (e *Executor) Check(ctx context.Context, tx domain.Transaction) CheckResult {
	c, ok := e.Checkers[tx.Type]
	if !ok {
		return assertionFailed(string(tx.Type), 0, "no checker for type %q", tx.Type)
	}

	actx := ctx
	if tx.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, tx.Timeout)
		defer cancel()
	}

	res := c.Check(actx, tx)
	if !res.Success() && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) &&
		res.Outcome != domain.OutcomeTimeout {
		err := fmt.Errorf("%w: no result within %s", domain.ErrProbeTimeout, tx.Timeout)
		res.Outcome = domain.OutcomeTimeout
		res.Message = err.Error()
		res.Err = err
	}

	if errors.Is(res.Err, domain.ErrTransport) && e.DNS != nil && ctx.Err() == nil {
		res.Message = fmt.Sprintf("%s dns=%s", res.Message, e.DNS.Classify(ctx, tx.Target))
	}
	return res
}
