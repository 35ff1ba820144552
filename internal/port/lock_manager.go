package port

import (
	"context"
	"time"
)

type LockManager interface {
	// Acquire tries once to take the per-offer lock. ok is false when another
	// holder owns it; err is set only when the backend could not be reached.
	Acquire(ctx context.Context, offerID string, ttl time.Duration) (token string, ok bool, err error)

	// Release drops the lock only if it is still held with token.
	Release(ctx context.Context, offerID, token string) error
}
