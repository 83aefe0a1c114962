package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/logging"
)

// DefaultLeaseDuration is the blob lease length. Azure accepts 15 to 60
// seconds for finite leases.
const DefaultLeaseDuration = 60 * time.Second

// BlobLocker holds leases on empty blobs in one container, one blob per lock
// name
type BlobLocker struct {
	connectionString string
	containerName    string
	lockTTL          time.Duration
	logger           hclog.Logger

	mu     sync.Mutex
	leases map[string]*lease.BlobClient
}

// NewBlobLocker creates the container if needed
func NewBlobLocker(ctx context.Context, connectionString, containerName string, logger hclog.Logger) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	return &BlobLocker{
		connectionString: connectionString,
		containerName:    containerName,
		lockTTL:          DefaultLeaseDuration,
		logger:           logging.OrDefault(logger, "locker"),
		leases:           make(map[string]*lease.BlobClient),
	}, nil
}

// leaseClient returns the lease client of a lock blob, creating the blob on
// first use
func (bl *BlobLocker) leaseClient(ctx context.Context, lockName string) (*lease.BlobClient, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if c, ok := bl.leases[lockName]; ok {
		return c, nil
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(bl.connectionString, bl.containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing, bloberror.LeaseAlreadyPresent) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	leaseID := uuid.NewString()
	c, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{LeaseID: &leaseID})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}
	bl.leases[lockName] = c
	return c, nil
}

// AcquireLock tries to lease the lock blob. A lease held by another process
// is not an error; the returned lease ID is empty.
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	c, err := bl.leaseClient(ctx, lockName)
	if err != nil {
		return "", err
	}
	bl.logger.Debug("Attempting to acquire lock", "lock", lockName)

	resp, err := c.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
		bl.logger.Debug("Lock is held elsewhere, skipping", "lock", lockName)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", lockName, err)
	}

	bl.logger.Info("Lock acquired", "lock", lockName, "lease_id", *resp.LeaseID)
	return *resp.LeaseID, nil
}

// RenewLock extends a held lease
func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	c, err := bl.leaseClient(ctx, lockName)
	if err != nil {
		return err
	}
	if _, err := c.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", lockName, err)
	}
	bl.logger.Trace("Lock renewed", "lock", lockName)
	return nil
}

// ReleaseLock releases the lease so another process can take the channel
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	c, err := bl.leaseClient(ctx, lockName)
	if err != nil {
		return err
	}
	if c.LeaseID() == nil || *c.LeaseID() != leaseID {
		return fmt.Errorf("lease %s does not belong to lock %s", leaseID, lockName)
	}
	if _, err := c.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lockName, err)
	}
	bl.logger.Info("Lock released", "lock", lockName)
	return nil
}

// StartLockRenewal renews the lease at a third of its duration until ctx is
// done
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	bl.logger.Debug("Starting lock renewal", "lock", lockName)
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, lockName); err != nil && ctx.Err() == nil {
					bl.logger.Error("Failed to renew lock", "lock", lockName, "error", err)
				}
			case <-ctx.Done():
				bl.logger.Debug("Stopping lock renewal", "lock", lockName)
				return
			}
		}
	}()
}
