package locker

import (
	"context"
	"errors"
	"time"
)

// ErrAcquireTimeout indicates that a lock couldn't be acquired within the
// caller's bounded wait.
var ErrAcquireTimeout = errors.New("lock acquisition timed out")

// Locker is a mutual exclusion primitive shared by the whole fleet, built on
// a store offering atomic conditional writes. A held lock expires after its
// TTL so a crashed holder can't wedge the system.
type Locker interface {
	// TryAcquire attempts to take the lock without blocking. It returns true
	// when this caller now holds the lock.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the lock if this caller still holds it.
	Release(ctx context.Context, key string) error

	// WaitUntilReleased blocks until the key is absent or expired.
	WaitUntilReleased(ctx context.Context, key string) error
}

// Acquire polls TryAcquire with a fixed interval until it succeeds or the
// wait deadline passes, in which case it returns ErrAcquireTimeout.
func Acquire(ctx context.Context, l Locker, key string, ttl, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrAcquireTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

const pollInterval = time.Millisecond * 100
