package wire

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/vdavid/mailsync/internal/mailerr"
)

// Guard resolves exactly once. Every racer calls Resolve; only the first gets true.
type Guard struct {
	done atomic.Bool
}

func (g *Guard) Resolve() bool {
	return g.done.CompareAndSwap(false, true)
}

func (g *Guard) Resolved() bool {
	return g.done.Load()
}

// Race runs fn and waits for whichever comes first: fn returning, the timeout,
// or ctx being done. If the timeout or ctx wins, abort is called so that fn's
// blocking I/O unblocks, and fn's eventual result is dropped.
func Race(ctx context.Context, op string, timeout time.Duration, abort func(), fn func() error) error {
	var g Guard
	result := make(chan error, 1)

	go func() {
		err := fn()
		if g.Resolve() {
			result <- err
		}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-result:
		return err
	case <-expired:
		if !g.Resolve() {
			return <-result
		}
		if abort != nil {
			abort()
		}
		return mailerr.Timeout(op, context.DeadlineExceeded)
	case <-ctx.Done():
		if !g.Resolve() {
			return <-result
		}
		if abort != nil {
			abort()
		}
		return mailerr.Cancelled(op, ctx.Err())
	}
}
