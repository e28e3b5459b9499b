package lease

import (
	"context"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
)

// Backend is the subset of store.Store that holds lease and lock rows.
type Backend interface {
	AcquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*store.Lease, error)
	ReleaseLease(ctx context.Context, resourceID, holder string) error
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error
}

// StoreCoordinator keeps leases in the SQL store. Acquisition is a single
// conditional upsert, so two machines sharing the database cannot both win.
type StoreCoordinator struct {
	backend Backend
	metrics *metrics.Collector
}

// NewStoreCoordinator wraps backend. m may be nil.
func NewStoreCoordinator(backend Backend, m *metrics.Collector) *StoreCoordinator {
	return &StoreCoordinator{backend: backend, metrics: m}
}

// AcquireLease implements Coordinator.
func (c *StoreCoordinator) AcquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*store.Lease, error) {
	if err := validTTL(ttl); err != nil {
		return nil, err
	}
	l, err := c.backend.AcquireLease(ctx, resourceID, holder, ttl)
	recordAcquire(c.metrics, err)
	return l, err
}

// ReleaseLease implements Coordinator.
func (c *StoreCoordinator) ReleaseLease(ctx context.Context, resourceID, holder string) error {
	return c.backend.ReleaseLease(ctx, resourceID, holder)
}

// AcquireLock implements Coordinator.
func (c *StoreCoordinator) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := validTTL(ttl); err != nil {
		return false, err
	}
	return c.backend.AcquireLock(ctx, key, holder, ttl)
}

// ReleaseLock implements Coordinator.
func (c *StoreCoordinator) ReleaseLock(ctx context.Context, key, holder string) error {
	return c.backend.ReleaseLock(ctx, key, holder)
}
