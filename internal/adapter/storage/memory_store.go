package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps offers and reservations in process memory. Every write
// runs under one mutex, which gives it the same all-or-nothing behaviour as
// a database transaction.
type MemoryStore struct {
	mu           sync.RWMutex
	offers       map[string]*domain.Offer
	reservations map[string]*domain.Reservation // reservationID -> reservation
	orderIDs     map[string]string              // orderID -> reservationID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:       make(map[string]*domain.Offer),
		reservations: make(map[string]*domain.Reservation),
		orderIDs:     make(map[string]string),
	}
}

func (s *MemoryStore) CreateOffer(ctx context.Context, offer domain.Offer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offers[offer.ID]; exists {
		return fmt.Errorf("%w: offer %s already exists", domain.ErrInvalidOffer, offer.ID)
	}
	o := offer
	s.offers[offer.ID] = &o
	return nil
}

func (s *MemoryStore) GetOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	return *o, nil
}

func (s *MemoryStore) LoadForDecision(ctx context.Context, offerID string) (domain.OfferDecision, error) {
	o, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return domain.OfferDecision{}, err
	}
	return o.Decision(), nil
}

func (s *MemoryStore) ApplyReservation(ctx context.Context, r domain.Reservation, now time.Time) (domain.InventoryChange, error) {
	if err := ctx.Err(); err != nil {
		return domain.InventoryChange{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[r.OfferID]
	if !ok {
		return domain.InventoryChange{}, domain.ErrOfferNotFound
	}
	if err := domain.CheckReservable(o.Decision(), r.Quantity, now); err != nil {
		return domain.InventoryChange{}, err
	}
	if _, taken := s.orderIDs[r.OrderID]; taken {
		return domain.InventoryChange{}, domain.ErrDuplicateOrderID
	}

	change := domain.InventoryChange{
		OfferID:       o.ID,
		Delta:         -r.Quantity,
		Remaining:     o.QuantityRemaining - r.Quantity,
		PreviousState: o.State,
		State:         o.State,
	}
	if change.Remaining == 0 {
		next, err := domain.NextState(o.State, domain.TriggerSellOut)
		if err != nil {
			return domain.InventoryChange{}, err
		}
		change.State = next
	}

	o.QuantityRemaining = change.Remaining
	o.State = change.State
	o.Version++
	o.UpdatedAt = now

	res := r
	res.Status = domain.ReservationStatusConfirmed
	s.reservations[res.ID] = &res
	s.orderIDs[res.OrderID] = res.ID

	return change, nil
}

func (s *MemoryStore) ApplyCancellation(ctx context.Context, reservationID, reason string, now time.Time) (domain.Reservation, domain.InventoryChange, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, domain.InventoryChange{}, domain.ErrReservationNotFound
	}
	if err := r.Cancellable(now); err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, err
	}
	o, ok := s.offers[r.OfferID]
	if !ok {
		return domain.Reservation{}, domain.InventoryChange{}, domain.ErrOfferNotFound
	}

	remaining := o.QuantityRemaining + r.Quantity
	if remaining > o.QuantityTotal {
		return domain.Reservation{}, domain.InventoryChange{}, fmt.Errorf("%w: offer %s would hold %d of %d units",
			domain.ErrInvariantViolation, o.ID, remaining, o.QuantityTotal)
	}

	change := domain.InventoryChange{
		OfferID:       o.ID,
		Delta:         r.Quantity,
		Remaining:     remaining,
		PreviousState: o.State,
		State:         domain.RestockState(o.State, o.PickupEndTime, now),
	}

	o.QuantityRemaining = remaining
	o.State = change.State
	o.Version++
	o.UpdatedAt = now

	cancelledAt := now
	r.Status = domain.ReservationStatusCancelled
	r.CancellationReason = reason
	r.CancelledAt = &cancelledAt
	r.UpdatedAt = now

	return *r, change, nil
}

func (s *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*domain.Offer
	for _, o := range s.offers {
		if expirable(o, now) {
			candidates = append(candidates, o)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PickupEndTime.Before(candidates[j].PickupEndTime)
	})

	ids := make([]string, 0, len(candidates))
	for _, o := range candidates {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ExpireOffer(ctx context.Context, offerID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return false, domain.ErrOfferNotFound
	}
	if !expirable(o, now) {
		return false, nil
	}

	next, err := domain.NextState(o.State, domain.TriggerExpire)
	if err != nil {
		return false, nil
	}
	o.State = next
	o.Version++
	o.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) TransitionOffer(ctx context.Context, offerID string, trigger domain.Trigger, now time.Time) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	next, err := domain.NextState(o.State, trigger)
	if err != nil {
		return domain.Offer{}, err
	}

	o.State = domain.Settle(next, o.QuantityRemaining)
	o.Version++
	o.UpdatedAt = now
	return *o, nil
}

func (s *MemoryStore) AdjustQuantity(ctx context.Context, offerID string, newTotal int, now time.Time) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	state, remaining, err := adjustedInventory(*o, newTotal, now)
	if err != nil {
		return domain.Offer{}, err
	}

	o.QuantityTotal = newTotal
	o.QuantityRemaining = remaining
	o.State = state
	o.Version++
	o.UpdatedAt = now
	return *o, nil
}

func (s *MemoryStore) UpdatePrice(ctx context.Context, offerID string, price decimal.Decimal, now time.Time) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	if o.State.Terminal() {
		return domain.Offer{}, fmt.Errorf("%w: offer is %s", domain.ErrInvalidTransition, o.State)
	}

	o.PricePerUnit = price
	o.Version++
	o.UpdatedAt = now
	return *o, nil
}

func (s *MemoryStore) UpdatePickupWindow(ctx context.Context, offerID string, start, end, now time.Time) (domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	if err := o.WindowEditable(now); err != nil {
		return domain.Offer{}, err
	}

	o.PickupStartTime = start
	o.PickupEndTime = end
	o.Version++
	o.UpdatedAt = now
	return *o, nil
}

func (s *MemoryStore) ListOffersByBusiness(ctx context.Context, businessID string, limit int) ([]domain.Offer, error) {
	out, err := s.listOffers(ctx, func(o *domain.Offer) bool {
		return o.BusinessID == businessID
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := domain.ListingRank(out[i].State), domain.ListingRank(out[j].State)
		if ri != rj {
			return ri < rj
		}
		return newerOffer(out[i], out[j])
	})
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListActiveOffers(ctx context.Context, now time.Time, limit int) ([]domain.Offer, error) {
	out, err := s.listOffers(ctx, func(o *domain.Offer) bool {
		return o.State == domain.OfferStateActive && o.QuantityRemaining > 0 && o.PickupEndTime.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return newerOffer(out[i], out[j])
	})
	return truncate(out, limit), nil
}

func (s *MemoryStore) listOffers(ctx context.Context, match func(*domain.Offer) bool) ([]domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Offer
	for _, o := range s.offers {
		if match(o) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func newerOffer(a, b domain.Offer) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (s *MemoryStore) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return *r, nil
}

func (s *MemoryStore) GetReservationByOrderID(ctx context.Context, orderID string) (domain.Reservation, error) {
	s.mu.RLock()
	id, ok := s.orderIDs[strings.ToUpper(orderID)]
	s.mu.RUnlock()
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return s.GetReservation(ctx, id)
}

func (s *MemoryStore) ListReservationsByCustomer(ctx context.Context, customerID string, activeOnly bool, limit int) ([]domain.Reservation, error) {
	return s.listReservations(ctx, limit, func(r *domain.Reservation) bool {
		if r.CustomerID != customerID {
			return false
		}
		return !activeOnly || r.Status == domain.ReservationStatusConfirmed
	})
}

func (s *MemoryStore) ListReservationsByOffer(ctx context.Context, offerID string) ([]domain.Reservation, error) {
	return s.listReservations(ctx, 0, func(r *domain.Reservation) bool {
		return r.OfferID == offerID
	})
}

func (s *MemoryStore) listReservations(ctx context.Context, limit int, match func(*domain.Reservation) bool) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func expirable(o *domain.Offer, now time.Time) bool {
	if !slices.Contains(domain.SourceStates(domain.TriggerExpire), o.State) {
		return false
	}
	return !o.PickupEndTime.After(now)
}

// adjustedInventory computes remaining units and state after the total
// quantity of an offer is edited. Confirmed reservations are kept intact.
func adjustedInventory(o domain.Offer, newTotal int, now time.Time) (domain.OfferState, int, error) {
	if newTotal < 1 {
		return "", 0, fmt.Errorf("%w: quantity_total must be at least 1", domain.ErrInvalidQuantity)
	}
	if o.State.Terminal() {
		return "", 0, fmt.Errorf("%w: offer is %s", domain.ErrInvalidTransition, o.State)
	}
	reserved := o.Reserved()
	if newTotal < reserved {
		return "", 0, fmt.Errorf("%w: %d units already reserved", domain.ErrQuantityBelowReserved, reserved)
	}

	remaining := newTotal - reserved
	state := o.State
	if remaining > 0 && state == domain.OfferStateSoldOut {
		state = domain.RestockState(state, o.PickupEndTime, now)
	}
	return domain.Settle(state, remaining), remaining, nil
}
