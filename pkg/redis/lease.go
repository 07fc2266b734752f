package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLeaseNotAcquired is returned when another worker already holds the lease
	ErrLeaseNotAcquired = errors.New("lease not acquired")
	// ErrLeaseNotHeld is returned when releasing or extending a lease we no longer own
	ErrLeaseNotHeld = errors.New("lease not held")
)

// Lease is an exclusive claim on a resource, typically one connection. It
// keeps two workers from syncing the same connection concurrently.
type Lease struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// Leaser hands out leases under a common key prefix
type Leaser struct {
	client    *Client
	keyPrefix string
}

// NewLeaser creates a new Leaser
func NewLeaser(client *Client, keyPrefix string) *Leaser {
	if keyPrefix == "" {
		keyPrefix = "lease:"
	}
	return &Leaser{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire attempts to take the lease. The value is a random token so only the
// holder can release or extend it.
func (l *Leaser) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	leaseKey := l.keyPrefix + key
	leaseValue := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, leaseKey, leaseValue, ttl).Result()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrLeaseNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lease: %s", key)

	return &Lease{
		client: l.client,
		key:    leaseKey,
		value:  leaseValue,
		ttl:    ttl,
	}, nil
}

// Release releases the lease
func (lease *Lease) Release(ctx context.Context) error {
	// Lua script so we only delete if we still own the lease
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, lease.client.rdb, []string{lease.key}, lease.value).Int64()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrLeaseNotHeld
	}

	lease.client.logger.WithContext(ctx).Debugf("Released lease: %s", lease.key)
	return nil
}

// Extend extends the lease's TTL. Long-running syncs call this periodically
// so the lease outlives the work.
func (lease *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, lease.client.rdb, []string{lease.key}, lease.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrLeaseNotHeld
	}

	lease.ttl = ttl
	return nil
}

// WithLease executes a function while holding a lease
func (l *Leaser) WithLease(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	return fn()
}
