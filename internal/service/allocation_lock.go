package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired indicates another allocator holds the item lock.
var ErrLockNotAcquired = errors.New("allocation lock held by another allocator")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AllocationLocker serializes peer allocation for one course item across instances.
type AllocationLocker interface {
	Acquire(ctx context.Context, courseID, itemID string) (release func(context.Context) error, err error)
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAllocationLocker returns a Redis-backed locker, or a no-op locker when client is nil.
func NewAllocationLocker(client *redis.Client, ttl time.Duration) AllocationLocker {
	if client == nil {
		return noopLocker{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &redisLocker{client: client, ttl: ttl}
}

func (l *redisLocker) Acquire(ctx context.Context, courseID, itemID string) (func(context.Context) error, error) {
	key := fmt.Sprintf("lock:peer:%s:%s", courseID, itemID)
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire allocation lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockNotAcquired
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
