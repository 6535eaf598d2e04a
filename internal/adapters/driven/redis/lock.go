package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

// DefaultLockPrefix namespaces lock keys.
const DefaultLockPrefix = "twolaps:lock:"

// ErrLockNotHeld is returned by Extend when this instance does not own the lock.
var ErrLockNotHeld = errors.New("lock not held by this instance")

// LockConfig configures a Lock.
type LockConfig struct {
	// Prefix is prepended to lock names (default DefaultLockPrefix)
	Prefix string
	// OwnerID identifies this instance (default hostname:pid:uuid)
	OwnerID string
}

// Lock implements DistributedLock using Redis SET NX with TTL.
// Ownership is checked on release and extension, so an instance never
// drops a run lock another instance re-acquired after expiry.
type Lock struct {
	client  *redis.Client
	prefix  string
	ownerID string
}

// NewLock creates a new Redis-backed distributed lock.
func NewLock(client *redis.Client, cfg LockConfig) *Lock {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultLockPrefix
	}
	if cfg.OwnerID == "" {
		hostname, _ := os.Hostname()
		cfg.OwnerID = fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString())
	}
	return &Lock{
		client:  client,
		prefix:  cfg.Prefix,
		ownerID: cfg.OwnerID,
	}
}

// Acquire sets the lock key if absent. It returns false when another
// owner holds it. Re-acquiring a lock this instance holds also returns false.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	result, err := l.client.SetNX(ctx, l.prefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return result, nil
}

// releaseScript deletes the key only when the caller owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release drops the lock if this instance holds it. Safe on expired locks.
func (l *Lock) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.ownerID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// extendScript resets the TTL only when the caller owns the key.
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Extend resets the TTL of a held lock, or returns ErrLockNotHeld.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	extended, err := extendScript.Run(ctx, l.client, []string{l.prefix + name}, l.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if extended == 0 {
		return fmt.Errorf("extend lock %s: %w", name, ErrLockNotHeld)
	}
	return nil
}

// Holder returns the owner id holding name, or "" when it is free.
func (l *Lock) Holder(ctx context.Context, name string) (string, error) {
	owner, err := l.client.Get(ctx, l.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// Ping checks if the Redis backend is healthy.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID returns the unique identifier for this lock instance.
func (l *Lock) OwnerID() string {
	return l.ownerID
}
