// Package cache holds the shared lease used to keep two processes on the
// same device store from draining the sync queue at once.
package cache

import (
	"context"
	"time"
)

// Lease is a held lock. Release is safe to call after the lease expired.
type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// TryLock takes key for ttl. It reports false without error when another
	// holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// NoopLocker always grants the lease. Used when the store has a single
// process attached.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, time.Duration) (Lease, bool, error) {
	return noopLease{}, true, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

const (
	PushLockKey = "kwari:sync:push"
	PushLockTTL = 2 * time.Minute
)
