// Package locking provides the per channel routing lock. Only the holder of a
// channel's lock may run routing passes for it, which keeps one routing
// worker per channel across every process sharing a source database.
package locking

import (
	"context"
)

// DistributedLocker defines an interface for a distributed locking mechanism.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a
	// lease ID if successful. An empty lease ID with a nil error means the lock
	// is held elsewhere.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease on lockName
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	StartLockRenewal(ctx context.Context, lockName string)
}
