package syncutil

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseTimeout is returned when a lease could not be acquired within the
// registry's acquisition timeout.
var ErrLeaseTimeout = errors.New("syncutil: lease acquisition timed out")

// Leases hands out exclusive, time-bounded leases on string keys. A lease
// serialises every mutation of one resource while leaving other resources
// fully concurrent.
type Leases struct {
	mu      *KeyedMutex
	timeout time.Duration
	onWait  func(key string, waited time.Duration)
}

// NewLeases creates a lease registry whose Acquire gives up after timeout.
// A non-positive timeout waits only for the caller's context.
func NewLeases(timeout time.Duration) *Leases {
	return &Leases{mu: NewKeyedMutex(), timeout: timeout}
}

// OnWait sets a callback observing how long each successful Acquire waited.
func (l *Leases) OnWait(fn func(key string, waited time.Duration)) {
	l.onWait = fn
}

// Acquire blocks until the lease on key is held, the acquisition timeout
// elapses (ErrLeaseTimeout) or ctx is done (ctx.Err()).
func (l *Leases) Acquire(ctx context.Context, key string) (func(), error) {
	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	release, err := l.mu.LockContext(waitCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrLeaseTimeout, key, l.timeout)
	}
	if l.onWait != nil {
		l.onWait(key, time.Since(start))
	}
	return release, nil
}

// Held returns the number of keys currently leased or awaited.
func (l *Leases) Held() int {
	return l.mu.Len()
}
