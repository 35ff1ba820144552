package port

import (
	"context"
	"time"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/shopspring/decimal"
)

type OfferStore interface {
	CreateOffer(ctx context.Context, offer domain.Offer) error

	GetOffer(ctx context.Context, offerID string) (domain.Offer, error)

	// LoadForDecision reads the fields the reservation engine decides on.
	LoadForDecision(ctx context.Context, offerID string) (domain.OfferDecision, error)

	// ApplyReservation re-checks the offer under a row lock, decrements
	// remaining units and inserts the confirmed reservation in one transaction.
	ApplyReservation(ctx context.Context, r domain.Reservation, now time.Time) (domain.InventoryChange, error)

	// ApplyCancellation cancels a confirmed reservation and returns its units.
	ApplyCancellation(ctx context.Context, reservationID, reason string, now time.Time) (domain.Reservation, domain.InventoryChange, error)

	// ListExpirable returns ids of ACTIVE or PAUSED offers whose pickup window ended.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ExpireOffer moves the offer to EXPIRED. It reports false when the offer
	// no longer qualifies.
	ExpireOffer(ctx context.Context, offerID string, now time.Time) (bool, error)

	TransitionOffer(ctx context.Context, offerID string, trigger domain.Trigger, now time.Time) (domain.Offer, error)

	AdjustQuantity(ctx context.Context, offerID string, newTotal int, now time.Time) (domain.Offer, error)

	UpdatePrice(ctx context.Context, offerID string, price decimal.Decimal, now time.Time) (domain.Offer, error)

	// UpdatePickupWindow moves the pickup window of an offer that has not
	// opened yet. Confirmed reservations keep the window they snapshotted.
	UpdatePickupWindow(ctx context.Context, offerID string, start, end, now time.Time) (domain.Offer, error)

	// ListOffersByBusiness orders offers by domain.ListingOrder, then newest first.
	ListOffersByBusiness(ctx context.Context, businessID string, limit int) ([]domain.Offer, error)

	// ListActiveOffers returns reservable offers, newest first.
	ListActiveOffers(ctx context.Context, now time.Time, limit int) ([]domain.Offer, error)
}

type ReservationStore interface {
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)

	GetReservationByOrderID(ctx context.Context, orderID string) (domain.Reservation, error)

	// ListReservationsByCustomer returns newest first.
	ListReservationsByCustomer(ctx context.Context, customerID string, activeOnly bool, limit int) ([]domain.Reservation, error)

	ListReservationsByOffer(ctx context.Context, offerID string) ([]domain.Reservation, error)
}

// Store is the full persistence surface implemented by every storage adapter.
type Store interface {
	OfferStore
	ReservationStore
}
