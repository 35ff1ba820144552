package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rl1809/offer-reservation/internal/core/domain"
)

const lockKeyPrefix = "tmkt:lock:offer:"

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a per-offer advisory lock backed by SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func lockKey(offerID string) string {
	return lockKeyPrefix + offerID
}

func (r *RedisLocker) Acquire(ctx context.Context, offerID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, lockKey(offerID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w: %w", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

func (r *RedisLocker) Release(ctx context.Context, offerID, token string) error {
	if token == "" {
		return nil
	}

	err := releaseLockScript.Run(ctx, r.client, []string{lockKey(offerID)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return nil
}
