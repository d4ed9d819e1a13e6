package notify

import (
	"context"
	"io"

	"go.uber.org/multierr"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

// Notifier delivers one status event to a sink.
type Notifier interface {
	Notify(ctx context.Context, ev domain.StatusEvent) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev domain.StatusEvent) error

func (f Func) Notify(ctx context.Context, ev domain.StatusEvent) error { return f(ctx, ev) }

// Multi fans an event out to every sink. One failing sink does not stop the
// others; all errors are returned combined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev domain.StatusEvent) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, ev))
	}
	return err
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var err error
	for _, n := range m {
		if c, ok := n.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
