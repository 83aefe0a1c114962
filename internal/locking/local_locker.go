package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LocalLocker hands out locks within one process. It is used when no
// distributed lock provider is configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocalLocker creates an empty LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

// AcquireLock returns a new lease ID, or "" when the lock is already held
func (l *LocalLocker) AcquireLock(_ context.Context, lockName string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[lockName]; ok {
		return "", nil
	}
	id := uuid.NewString()
	l.held[lockName] = id
	return id, nil
}

// ReleaseLock frees a lock held with leaseID
func (l *LocalLocker) ReleaseLock(_ context.Context, lockName string, leaseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lockName] != leaseID {
		return fmt.Errorf("lease %s does not belong to lock %s", leaseID, lockName)
	}
	delete(l.held, lockName)
	return nil
}

// RenewLock fails when the lock is not held
func (l *LocalLocker) RenewLock(_ context.Context, lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[lockName]; !ok {
		return fmt.Errorf("lock %s is not held", lockName)
	}
	return nil
}

// StartLockRenewal is a no-op; local locks do not expire
func (l *LocalLocker) StartLockRenewal(context.Context, string) {}
