package lease

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Key prefixes used by RedisCoordinator.
const (
	LeaseKeyPrefix = "openagent:lease:"
	LockKeyPrefix  = "openagent:lock:"
)

// acquireLeaseScript creates or extends a lease hash. It returns
// {1, holder, acquired_ms} on success and {0, holder, pttl_ms} on conflict.
var acquireLeaseScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'holder')
if not cur then
  redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return {1, ARGV[1], tonumber(ARGV[3])}
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return {1, cur, tonumber(redis.call('HGET', KEYS[1], 'acquired'))}
end
return {0, cur, redis.call('PTTL', KEYS[1])}
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisCoordinator keeps leases and locks in Redis. Expiry is delegated to
// key TTLs; ownership checks run inside Lua scripts so they are atomic.
type RedisCoordinator struct {
	client  redis.UniversalClient
	metrics *metrics.Collector
}

// NewRedisCoordinator wraps client. m may be nil.
func NewRedisCoordinator(client redis.UniversalClient, m *metrics.Collector) *RedisCoordinator {
	return &RedisCoordinator{client: client, metrics: m}
}

// AcquireLease implements Coordinator.
func (c *RedisCoordinator) AcquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*store.Lease, error) {
	l, err := c.acquireLease(ctx, resourceID, holder, ttl)
	recordAcquire(c.metrics, err)
	return l, err
}

func (c *RedisCoordinator) acquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*store.Lease, error) {
	if err := validTTL(ttl); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := acquireLeaseScript.Run(ctx, c.client,
		[]string{LeaseKeyPrefix + resourceID},
		holder, ttl.Milliseconds(), now.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "acquire lease").WithCause(err)
	}
	if len(res) != 3 {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "acquire lease: unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	current, _ := res[1].(string)
	n, _ := res[2].(int64)

	if ok != 1 {
		expires := now.Add(time.Duration(n) * time.Millisecond)
		return nil, schema.NewErrorf(schema.ErrCodeLeaseConflict,
			"resource %q is leased by %s until %s", resourceID, current, expires.Format(time.RFC3339)).
			WithDetails(map[string]any{"resource_id": resourceID, "holder": current})
	}
	return &store.Lease{
		ResourceID:      resourceID,
		HolderMachineID: current,
		AcquiredAt:      time.UnixMilli(n).UTC(),
		ExpiresAt:       now.Add(ttl),
	}, nil
}

// ReleaseLease implements Coordinator.
func (c *RedisCoordinator) ReleaseLease(ctx context.Context, resourceID, holder string) error {
	err := releaseLeaseScript.Run(ctx, c.client, []string{LeaseKeyPrefix + resourceID}, holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return schema.NewError(schema.ErrCodeStore, "release lease").WithCause(err)
	}
	return nil
}

// AcquireLock implements Coordinator. A fresh lock is a plain SET NX PX; the
// current holder re-enters by extending the TTL.
func (c *RedisCoordinator) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := validTTL(ttl); err != nil {
		return false, err
	}
	redisKey := LockKeyPrefix + key
	ok, err := c.client.SetNX(ctx, redisKey, holder, ttl).Result()
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "set lock %s", key).WithCause(err)
	}
	if ok {
		return true, nil
	}
	n, err := extendLockScript.Run(ctx, c.client, []string{redisKey}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "extend lock %s", key).WithCause(err)
	}
	return n == 1, nil
}

// ReleaseLock implements Coordinator.
func (c *RedisCoordinator) ReleaseLock(ctx context.Context, key, holder string) error {
	err := releaseLockScript.Run(ctx, c.client, []string{LockKeyPrefix + key}, holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return schema.NewErrorf(schema.ErrCodeStore, "release lock %s", key).WithCause(err)
	}
	return nil
}
