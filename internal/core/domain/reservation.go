package domain

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
)

const orderIDPrefix = "RES-"

type Reservation struct {
	ID                 string
	OrderID            string
	OfferID            string
	CustomerID         string
	Quantity           int
	UnitPrice          decimal.Decimal
	TotalPrice         decimal.Decimal
	Currency           string
	Status             ReservationStatus
	PickupStartTime    time.Time
	PickupEndTime      time.Time
	CancellationReason string
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewReservation snapshots price and pickup window from the offer.
func NewReservation(d OfferDecision, customerID string, quantity int, now time.Time) Reservation {
	return Reservation{
		ID:              uuid.NewString(),
		OrderID:         NewOrderID(),
		OfferID:         d.OfferID,
		CustomerID:      customerID,
		Quantity:        quantity,
		UnitPrice:       d.PricePerUnit,
		TotalPrice:      d.PricePerUnit.Mul(decimal.NewFromInt(int64(quantity))),
		Currency:        d.Currency,
		Status:          ReservationStatusConfirmed,
		PickupStartTime: d.PickupStartTime,
		PickupEndTime:   d.PickupEndTime,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewOrderID returns a customer-facing id such as RES-A3F2B8C1.
func NewOrderID() string {
	id := uuid.New()
	return orderIDPrefix + strings.ToUpper(hex.EncodeToString(id[:4]))
}

// Cancellable reports whether the reservation may still be cancelled at now.
func (r Reservation) Cancellable(now time.Time) error {
	if r.Status != ReservationStatusConfirmed {
		return ErrReservationNotActive
	}
	if !now.Before(r.PickupEndTime) {
		return ErrCancellationWindowClosed
	}
	return nil
}
