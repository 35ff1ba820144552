package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rl1809/offer-reservation/internal/adapter/storage"
	"github.com/rl1809/offer-reservation/internal/clock"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) count(t domain.EventType) int {
	n := 0
	for _, got := range p.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

// mockLockManager returns a fixed answer for every acquisition.
type mockLockManager struct {
	mu       sync.Mutex
	ok       bool
	err      error
	attempts int
	released []string
}

func (m *mockLockManager) Acquire(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.err != nil || !m.ok {
		return "", false, m.err
	}
	return uuid.NewString(), true, nil
}

func (m *mockLockManager) Release(_ context.Context, _ string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, token)
	return nil
}

// staleDecisionStore reports a decision that disagrees with the stored row,
// as if another holder slipped past the advisory lock.
type staleDecisionStore struct {
	*storage.MemoryStore
	decision domain.OfferDecision
}

func (s *staleDecisionStore) LoadForDecision(context.Context, string) (domain.OfferDecision, error) {
	return s.decision, nil
}

// collidingStore rejects the first n reservations with a duplicate order id.
type collidingStore struct {
	*storage.MemoryStore
	mu         sync.Mutex
	collisions int
	seen       []string
}

func (s *collidingStore) ApplyReservation(ctx context.Context, r domain.Reservation, now time.Time) (domain.InventoryChange, error) {
	s.mu.Lock()
	s.seen = append(s.seen, r.OrderID)
	if s.collisions > 0 {
		s.collisions--
		s.mu.Unlock()
		return domain.InventoryChange{}, domain.ErrDuplicateOrderID
	}
	s.mu.Unlock()
	return s.MemoryStore.ApplyReservation(ctx, r, now)
}

type fixture struct {
	store     *storage.MemoryStore
	clock     *clock.Manual
	events    *recordingPublisher
	engine    *ReservationService
	offers    *OfferService
	scheduler *ExpirationScheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		clock:  clock.NewManual(testNow),
		events: &recordingPublisher{},
	}
	base := []Option{
		WithClock(f.clock),
		WithEventPublisher(f.events),
		WithLockRetry(200, time.Millisecond, 5*time.Millisecond),
		WithLockWaitTimeout(10 * time.Second),
	}
	opts = append(base, opts...)

	f.engine = NewReservationService(f.store, f.store, storage.NewMemoryLocker(f.clock), opts...)
	f.offers = NewOfferService(f.store, opts...)
	f.scheduler = NewExpirationScheduler(f.store, opts...)
	return f
}

func (f *fixture) seedOffer(t *testing.T, quantity int, state domain.OfferState) domain.Offer {
	t.Helper()
	o := domain.Offer{
		ID:                uuid.NewString(),
		BusinessID:        "bakery-1",
		Title:             "Surprise bag",
		PricePerUnit:      decimal.RequireFromString("4.50"),
		Currency:          domain.DefaultCurrency,
		QuantityTotal:     quantity,
		QuantityRemaining: quantity,
		PickupStartTime:   testNow.Add(time.Hour),
		PickupEndTime:     testNow.Add(3 * time.Hour),
		State:             state,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, f.store.CreateOffer(context.Background(), o))
	return o
}

func (f *fixture) offer(t *testing.T, id string) domain.Offer {
	t.Helper()
	o, err := f.store.GetOffer(context.Background(), id)
	require.NoError(t, err)
	return o
}

// assertInvariant checks remaining == total - sum(confirmed) and the bounds.
func (f *fixture) assertInvariant(t *testing.T, offerID string) {
	t.Helper()
	o := f.offer(t, offerID)
	list, err := f.store.ListReservationsByOffer(context.Background(), offerID)
	require.NoError(t, err)

	confirmed := 0
	for _, r := range list {
		if r.Status == domain.ReservationStatusConfirmed {
			confirmed += r.Quantity
		}
	}
	assert.Equal(t, o.QuantityTotal-confirmed, o.QuantityRemaining, "inventory invariant")
	assert.GreaterOrEqual(t, o.QuantityRemaining, 0)
	assert.LessOrEqual(t, o.QuantityRemaining, o.QuantityTotal)
}
