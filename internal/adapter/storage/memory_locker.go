package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rl1809/offer-reservation/internal/clock"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements the lock contract inside one process.
type MemoryLocker struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]memoryLease
}

func NewMemoryLocker(c clock.Clock) *MemoryLocker {
	if c == nil {
		c = clock.NewSystem()
	}
	return &MemoryLocker{clock: c, leases: make(map[string]memoryLease)}
}

func (m *MemoryLocker) Acquire(ctx context.Context, offerID string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if lease, held := m.leases[offerID]; held && now.Before(lease.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	m.leases[offerID] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryLocker) Release(_ context.Context, offerID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, held := m.leases[offerID]; held && lease.token == token {
		delete(m.leases, offerID)
	}
	return nil
}
