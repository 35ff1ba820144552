package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/offer-reservation/internal/adapter/storage"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReservation_Success(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 5, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(context.Background(), o.ID, "customer-1", 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationStatusConfirmed, r.Status)
	assert.Equal(t, 2, r.Quantity)
	assert.Regexp(t, `^RES-[0-9A-F]{8}$`, r.OrderID)
	assert.Equal(t, "9.00", r.TotalPrice.StringFixed(2))
	assert.Equal(t, o.PickupEndTime, r.PickupEndTime)
	assert.Equal(t, testNow, r.CreatedAt)

	assert.Equal(t, 3, f.offer(t, o.ID).QuantityRemaining)
	assert.Equal(t, []domain.EventType{domain.EventReservationCreated, domain.EventInventoryDecremented}, f.events.types())
	f.assertInvariant(t, o.ID)
}

func TestCreateReservation_InvalidInput(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 5, domain.OfferStateActive)
	ctx := context.Background()

	_, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = f.engine.CreateReservation(ctx, o.ID, "", 1)
	assert.Equal(t, domain.CodeInvalidRequest, domain.Code(err))

	_, err = f.engine.CreateReservation(ctx, "missing", "customer-1", 1)
	assert.ErrorIs(t, err, domain.ErrOfferNotFound)

	assert.Equal(t, 5, f.offer(t, o.ID).QuantityRemaining)
	assert.Empty(t, f.events.types())
}

// Scenario: two concurrent claims of 3 units against 5.
func TestCreateReservation_ConcurrentLargeClaims(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 5, domain.OfferStateActive)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.CreateReservation(context.Background(), o.ID, fmt.Sprintf("customer-%d", i), 3)
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientInventory):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, 2, f.offer(t, o.ID).QuantityRemaining)
	f.assertInvariant(t, o.ID)
}

func TestCreateReservation_NoOversell(t *testing.T) {
	f := newFixture(t)
	initialStock := 20
	totalRequests := 60
	o := f.seedOffer(t, initialStock, domain.OfferStateActive)

	var successCount, insufficientCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.CreateReservation(context.Background(), o.ID, fmt.Sprintf("customer-%d", i), 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case domain.Code(err) == domain.CodeInsufficientInventory:
				insufficientCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialStock), insufficientCount.Load())

	got := f.offer(t, o.ID)
	assert.Equal(t, 0, got.QuantityRemaining)
	assert.Equal(t, domain.OfferStateSoldOut, got.State)
	assert.Equal(t, 1, f.events.count(domain.EventOfferSoldOut))
	f.assertInvariant(t, o.ID)
}

// Scenarios: the last unit sells the offer out, and cancelling it brings the
// offer back.
func TestCreateReservation_SellOutAndCancelResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 1, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)

	got := f.offer(t, o.ID)
	assert.Equal(t, 0, got.QuantityRemaining)
	assert.Equal(t, domain.OfferStateSoldOut, got.State)
	assert.Equal(t, []domain.EventType{
		domain.EventReservationCreated, domain.EventInventoryDecremented, domain.EventOfferSoldOut,
	}, f.events.types())

	_, err = f.engine.CreateReservation(ctx, o.ID, "customer-2", 1)
	reason, ok := domain.UnavailableReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonSoldOut, reason)

	f.events.reset()
	f.clock.Advance(time.Hour)

	cancelled, err := f.engine.CancelReservation(ctx, r.ID, "customer-1", "plans changed")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusCancelled, cancelled.Status)

	got = f.offer(t, o.ID)
	assert.Equal(t, 1, got.QuantityRemaining)
	assert.Equal(t, domain.OfferStateActive, got.State)
	assert.Equal(t, []domain.EventType{
		domain.EventReservationCancelled, domain.EventInventoryIncremented, domain.EventOfferResumed,
	}, f.events.types())
	f.assertInvariant(t, o.ID)
}

func TestCreateReservation_PausedOffer(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 4, domain.OfferStatePaused)

	_, err := f.engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	require.ErrorIs(t, err, domain.ErrOfferUnavailable)
	assert.Equal(t, domain.CodeOfferUnavailable, domain.Code(err))
	reason, _ := domain.UnavailableReasonOf(err)
	assert.Equal(t, domain.ReasonPaused, reason)

	got := f.offer(t, o.ID)
	assert.Equal(t, 4, got.QuantityRemaining)
	assert.Equal(t, 0, got.Version)
}

func TestCancelReservation_KeepsPausedOfferPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 3, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)
	_, err = f.offers.PauseOffer(ctx, o.ID)
	require.NoError(t, err)

	adjusted, err := f.offers.AdjustQuantity(ctx, o.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, adjusted.QuantityRemaining)
	assert.Equal(t, domain.OfferStatePaused, adjusted.State)

	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-1", "")
	require.NoError(t, err)
	got := f.offer(t, o.ID)
	assert.Equal(t, domain.OfferStatePaused, got.State)
	assert.Equal(t, 1, got.QuantityRemaining)
	assert.Zero(t, f.events.count(domain.EventOfferResumed))

	_, err = f.engine.CreateReservation(ctx, o.ID, "customer-2", 1)
	require.ErrorIs(t, err, domain.ErrOfferUnavailable)
	reason, _ := domain.UnavailableReasonOf(err)
	assert.Equal(t, domain.ReasonPaused, reason)
	f.assertInvariant(t, o.ID)

	resumed, err := f.offers.ResumeOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferStateActive, resumed.State)
	_, err = f.engine.CreateReservation(ctx, o.ID, "customer-2", 1)
	require.NoError(t, err)
	f.assertInvariant(t, o.ID)
}

func TestResumeOffer_WithNothingLeftSellsOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 2, domain.OfferStateActive)

	_, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 2)
	require.NoError(t, err)
	_, err = f.offers.AdjustQuantity(ctx, o.ID, 4)
	require.NoError(t, err)
	_, err = f.offers.PauseOffer(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.offers.AdjustQuantity(ctx, o.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferStatePaused, f.offer(t, o.ID).State)

	resumed, err := f.offers.ResumeOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferStateSoldOut, resumed.State)

	_, err = f.engine.CreateReservation(ctx, o.ID, "customer-2", 1)
	assert.Equal(t, domain.CodeInsufficientInventory, domain.Code(err))
}

func TestCreateReservation_AfterSchedulerExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 4, domain.OfferStateActive)

	f.clock.Set(o.PickupEndTime.Add(time.Minute))
	res := f.scheduler.Tick(ctx)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, domain.OfferStateExpired, f.offer(t, o.ID).State)

	_, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	assert.ErrorIs(t, err, domain.ErrOfferExpired)
	assert.Equal(t, domain.CodeOfferExpired, domain.Code(err))
}

func TestCreateReservation_WindowElapsedBeforeTick(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 4, domain.OfferStateActive)

	f.clock.Set(o.PickupEndTime)
	_, err := f.engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	assert.Equal(t, domain.CodeOfferExpired, domain.Code(err))
	assert.Equal(t, 4, f.offer(t, o.ID).QuantityRemaining)
}

func TestCreateReservation_OfferBusy(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 4, domain.OfferStateActive)

	locks := &mockLockManager{ok: false}
	engine := NewReservationService(f.store, f.store, locks,
		WithClock(f.clock),
		WithLockRetry(5, time.Millisecond, 2*time.Millisecond),
	)

	_, err := engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	assert.ErrorIs(t, err, domain.ErrOfferBusy)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 6, locks.attempts)
	assert.Empty(t, locks.released)
	assert.Equal(t, 4, f.offer(t, o.ID).QuantityRemaining)
}

func TestCreateReservation_LockWaitTimeout(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 4, domain.OfferStateActive)

	locks := &mockLockManager{ok: false}
	engine := NewReservationService(f.store, f.store, locks,
		WithClock(f.clock),
		WithLockRetry(1000, 10*time.Millisecond, 10*time.Millisecond),
		WithLockWaitTimeout(30*time.Millisecond),
	)

	start := time.Now()
	_, err := engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	assert.ErrorIs(t, err, domain.ErrOfferBusy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, locks.attempts, 1000)
}

func TestCreateReservation_LockBackendDown(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 4, domain.OfferStateActive)

	locks := &mockLockManager{err: fmt.Errorf("dial: %w", domain.ErrStoreUnavailable)}
	engine := NewReservationService(f.store, f.store, locks,
		WithClock(f.clock),
		WithLockRetry(2, time.Millisecond, time.Millisecond),
	)

	_, err := engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	assert.Equal(t, domain.CodeStoreUnavailable, domain.Code(err))
	assert.Equal(t, 4, f.offer(t, o.ID).QuantityRemaining)
}

func TestCreateReservation_ReleasesLockOnEveryPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 1, domain.OfferStateActive)
	paused := f.seedOffer(t, 1, domain.OfferStatePaused)

	locks := &mockLockManager{ok: true}
	engine := NewReservationService(f.store, f.store, locks, WithClock(f.clock))

	_, err := engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)
	_, err = engine.CreateReservation(ctx, o.ID, "customer-2", 1)
	require.Error(t, err)
	_, err = engine.CreateReservation(ctx, paused.ID, "customer-2", 1)
	require.Error(t, err)
	_, err = engine.CreateReservation(ctx, "missing", "customer-2", 1)
	require.Error(t, err)

	assert.Len(t, locks.released, 4)
}

func TestCreateReservation_ReleasesLockWhenCallerCancelled(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 3, domain.OfferStateActive)
	locker := storage.NewMemoryLocker(f.clock)

	engine := NewReservationService(f.store, f.store, locker, WithClock(f.clock))

	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{MemoryStore: f.store, cancel: cancel}
	engine.offers = store

	_, err := engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.Error(t, err)

	_, ok, err := locker.Acquire(context.Background(), o.ID, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after the caller went away")
}

// cancellingStore cancels the caller context while the decision is loaded.
type cancellingStore struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (s *cancellingStore) LoadForDecision(ctx context.Context, offerID string) (domain.OfferDecision, error) {
	d, err := s.MemoryStore.LoadForDecision(ctx, offerID)
	s.cancel()
	return d, err
}

func TestCreateReservation_TransactionalRecheck(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 1, domain.OfferStateActive)

	_, err := f.engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	require.NoError(t, err)

	stale := &staleDecisionStore{MemoryStore: f.store, decision: o.Decision()}
	engine := NewReservationService(stale, f.store, &mockLockManager{ok: true}, WithClock(f.clock))

	_, err = engine.CreateReservation(context.Background(), o.ID, "customer-2", 1)
	assert.Equal(t, domain.CodeInsufficientInventory, domain.Code(err))
	f.assertInvariant(t, o.ID)
}

func TestCreateReservation_RetriesOrderIDCollision(t *testing.T) {
	f := newFixture(t)
	o := f.seedOffer(t, 3, domain.OfferStateActive)

	store := &collidingStore{MemoryStore: f.store, collisions: 2}
	engine := NewReservationService(store, f.store, &mockLockManager{ok: true}, WithClock(f.clock))

	r, err := engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	require.NoError(t, err)
	require.Len(t, store.seen, 3)
	assert.Equal(t, r.OrderID, store.seen[2])

	store.collisions = 3
	_, err = engine.CreateReservation(context.Background(), o.ID, "customer-1", 1)
	assert.ErrorIs(t, err, domain.ErrDuplicateOrderID)
	f.assertInvariant(t, o.ID)
}

func TestCancelReservation_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 5, domain.OfferStateActive)

	before := f.offer(t, o.ID).QuantityRemaining
	r, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 3)
	require.NoError(t, err)

	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-1", "")
	require.NoError(t, err)

	assert.Equal(t, before, f.offer(t, o.ID).QuantityRemaining)
	f.assertInvariant(t, o.ID)

	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-1", "")
	assert.ErrorIs(t, err, domain.ErrReservationNotActive)
	assert.Equal(t, before, f.offer(t, o.ID).QuantityRemaining)
}

func TestCancelReservation_WindowClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 5, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 2)
	require.NoError(t, err)

	f.clock.Set(o.PickupEndTime.Add(time.Second))
	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-1", "")
	assert.ErrorIs(t, err, domain.ErrCancellationWindowClosed)
	assert.Equal(t, domain.CodeCancellationWindowClosed, domain.Code(err))
	assert.Equal(t, 3, f.offer(t, o.ID).QuantityRemaining)
}

func TestCancelReservation_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 5, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)

	_, err = f.engine.CancelReservation(ctx, "missing", "customer-1", "")
	assert.Equal(t, domain.CodeNotFound, domain.Code(err))

	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-2", "")
	assert.ErrorIs(t, err, domain.ErrNotReservationOwner)

	_, err = f.engine.CancelReservation(ctx, r.ID, "", "cancelled by business")
	assert.NoError(t, err)
}

func TestCancelReservation_PausedOfferStaysPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 2, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)
	_, err = f.offers.PauseOffer(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-1", "")
	require.NoError(t, err)

	got := f.offer(t, o.ID)
	assert.Equal(t, domain.OfferStatePaused, got.State)
	assert.Equal(t, 2, got.QuantityRemaining)
}

func TestTerminalStatesAreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.seedOffer(t, 3, domain.OfferStateActive)
	late := f.seedOffer(t, 3, domain.OfferStateActive)

	r, err := f.engine.CreateReservation(ctx, early.ID, "customer-1", 1)
	require.NoError(t, err)
	_, err = f.offers.EndOfferEarly(ctx, early.ID)
	require.NoError(t, err)

	// cancelling into an ended offer returns the units but keeps the state
	_, err = f.engine.CancelReservation(ctx, r.ID, "customer-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferStateExpiredEarly, f.offer(t, early.ID).State)

	f.clock.Set(late.PickupEndTime.Add(time.Minute))
	f.scheduler.Tick(ctx)
	require.Equal(t, domain.OfferStateExpired, f.offer(t, late.ID).State)

	_, err = f.offers.ResumeOffer(ctx, early.ID)
	assert.Error(t, err)
	_, err = f.offers.PauseOffer(ctx, late.ID)
	assert.Error(t, err)
	_, err = f.offers.AdjustQuantity(ctx, early.ID, 10)
	assert.Error(t, err)
	_, err = f.offers.EndOfferEarly(ctx, late.ID)
	assert.Error(t, err)
	f.scheduler.Tick(ctx)

	assert.Equal(t, domain.OfferStateExpiredEarly, f.offer(t, early.ID).State)
	assert.Equal(t, domain.OfferStateExpired, f.offer(t, late.ID).State)
	assert.Equal(t, 3, f.offer(t, early.ID).QuantityRemaining)
	f.assertInvariant(t, early.ID)
	f.assertInvariant(t, late.ID)
}

func TestReservationQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.seedOffer(t, 5, domain.OfferStateActive)

	first, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.engine.CreateReservation(ctx, o.ID, "customer-1", 1)
	require.NoError(t, err)
	_, err = f.engine.CancelReservation(ctx, first.ID, "customer-1", "")
	require.NoError(t, err)

	got, err := f.engine.GetReservationByOrderID(ctx, " "+second.OrderID+" ")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = f.engine.GetReservation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusCancelled, got.Status)

	all, err := f.engine.ListCustomerReservations(ctx, "customer-1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	active, err := f.engine.ListCustomerReservations(ctx, "customer-1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = f.engine.ListCustomerReservations(ctx, "", true)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
