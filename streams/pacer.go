package streams

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer paces a producer between items. Wait must return promptly, with a
// non-nil error, when ctx is done.
//
// A *rate.Limiter is a Pacer.
type Pacer interface {
	Wait(ctx context.Context) error
}

var _ Pacer = (*rate.Limiter)(nil)

// Delay returns a pacer that waits a fixed duration.
func Delay(d time.Duration) Pacer {
	return delayPacer(d)
}

type delayPacer time.Duration

func (d delayPacer) Wait(ctx context.Context) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Every returns a pacer that lets at most one item through per interval.
// Unlike Delay, time spent computing an item counts towards the interval.
func Every(interval time.Duration) Pacer {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	// spend the initial burst, so the first wait lasts a whole interval
	limiter.Allow()
	return limiter
}
