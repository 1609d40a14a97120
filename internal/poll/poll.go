// Package poll holds the fixed-interval wait loop used against slow external
// services.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Until when MaxAttempts checks did not finish and
// no TimeoutErr was configured.
var ErrTimeout = errors.New("poll: attempts exhausted")

// CheckFunc reports whether the awaited condition holds. A non-nil error ends
// polling immediately.
type CheckFunc func(ctx context.Context) (done bool, err error)

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	TimeoutErr  error
}

// Timeout is the total time Until sleeps before giving up.
func (o Options) Timeout() time.Duration {
	return o.Interval * time.Duration(o.MaxAttempts)
}

// Until sleeps Interval and then calls check, until it reports done, fails,
// or MaxAttempts checks have been made. Each check follows a full interval,
// so exhausting the attempts takes Timeout.
func Until(ctx context.Context, opts Options, check CheckFunc) error {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for range attempts {
		if err := Sleep(ctx, opts.Interval); err != nil {
			return err
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	if opts.TimeoutErr != nil {
		return opts.TimeoutErr
	}
	return ErrTimeout
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
