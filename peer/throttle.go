package peer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces spec §5's per-peer incoming-request rate limit: work is
// enqueued into a bounded backlog and drained no faster than a minimum
// inter-request spacing; enqueuing onto a full backlog drops the request
// silently rather than blocking the caller.
type Throttle struct {
	limiter *rate.Limiter
	queue   chan func()
}

// NewThrottle constructs a Throttle with the given minimum spacing between
// drained items and backlog capacity (spec §6 defaults: 0.25s, 25).
func NewThrottle(spacing time.Duration, backlog int) *Throttle {
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
		queue:   make(chan func(), backlog),
	}
}

// Submit enqueues fn to run once the throttle's spacing allows it. If the
// backlog is full, fn is dropped silently.
func (t *Throttle) Submit(fn func()) {
	select {
	case t.queue <- fn:
	default:
	}
}

// Run drains the backlog until ctx is cancelled. Call it from its own
// goroutine, one per peer.
func (t *Throttle) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-t.queue:
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			fn()
		}
	}
}

// Len reports the current backlog depth, mainly for tests.
func (t *Throttle) Len() int {
	return len(t.queue)
}
