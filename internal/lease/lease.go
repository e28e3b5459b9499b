// Package lease grants time-bounded single-owner leases on continuation ids
// and short-lived global locks. Two backends are provided: the SQL store
// (single host or shared database file) and Redis (many hosts).
package lease

import (
	"context"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Coordinator is the lease and lock surface used by the continuation manager
// and the recovery monitor.
//
// AcquireLease returns a LEASE_CONFLICT error while another holder's lease on
// resourceID is live. Re-acquiring by the current holder extends the lease.
// AcquireLock reports false instead of erroring when the lock is taken.
// Releasing something not held by holder is a no-op.
type Coordinator interface {
	AcquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*store.Lease, error)
	ReleaseLease(ctx context.Context, resourceID, holder string) error
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error
}

// recordAcquire counts one lease acquisition attempt by outcome.
func recordAcquire(m *metrics.Collector, err error) {
	switch {
	case err == nil:
		m.RecordLease("acquired")
	case schema.IsCode(err, schema.ErrCodeLeaseConflict):
		m.RecordLease("conflict")
	default:
		m.RecordLease("error")
	}
}

func validTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "lease ttl must be positive, got %s", ttl)
	}
	return nil
}
