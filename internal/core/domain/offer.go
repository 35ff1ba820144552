package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "EUR"

// Prices are stored as DECIMAL(10, 2).
const PriceScale = 2

var MaxPrice = decimal.RequireFromString("99999999.99")

const (
	MinOfferDuration = time.Hour
	MaxOfferDuration = 7 * 24 * time.Hour
)

type Offer struct {
	ID                string
	BusinessID        string
	Title             string
	PricePerUnit      decimal.Decimal
	Currency          string
	QuantityTotal     int
	QuantityRemaining int
	PickupStartTime   time.Time
	PickupEndTime     time.Time
	State             OfferState
	Version           int // bumped on every write
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Reserved returns the number of units held by confirmed reservations.
func (o Offer) Reserved() int {
	return o.QuantityTotal - o.QuantityRemaining
}

func (o Offer) Decision() OfferDecision {
	return OfferDecision{
		OfferID:           o.ID,
		State:             o.State,
		QuantityRemaining: o.QuantityRemaining,
		PickupStartTime:   o.PickupStartTime,
		PickupEndTime:     o.PickupEndTime,
		PricePerUnit:      o.PricePerUnit,
		Currency:          o.Currency,
	}
}

// Validate checks the creation-time rules of an offer.
func (o Offer) Validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidOffer)
	}
	if o.QuantityTotal < 1 {
		return fmt.Errorf("%w: quantity_total must be at least 1", ErrInvalidOffer)
	}
	if o.QuantityRemaining < 0 || o.QuantityRemaining > o.QuantityTotal {
		return fmt.Errorf("%w: quantity_remaining out of range", ErrInvalidOffer)
	}
	if err := ValidatePrice(o.PricePerUnit); err != nil {
		return err
	}
	if len(o.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidOffer)
	}
	if !o.PickupStartTime.Before(o.PickupEndTime) {
		return fmt.Errorf("%w: pickup_start_time must be before pickup_end_time", ErrInvalidOffer)
	}
	return nil
}

// ValidatePrice rejects prices the store cannot hold exactly.
func ValidatePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return fmt.Errorf("%w: price_per_unit must be positive", ErrInvalidOffer)
	}
	if !p.Equal(p.Truncate(PriceScale)) {
		return fmt.Errorf("%w: price_per_unit has more than %d decimal places", ErrInvalidOffer, PriceScale)
	}
	if p.GreaterThan(MaxPrice) {
		return fmt.Errorf("%w: price_per_unit exceeds %s", ErrInvalidOffer, MaxPrice.StringFixed(PriceScale))
	}
	return nil
}

// ValidatePickupWindow checks a replacement pickup window.
func ValidatePickupWindow(start, end, now time.Time) error {
	if !start.After(now) {
		return fmt.Errorf("%w: pickup_start_time must be in the future", ErrInvalidOffer)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: pickup_start_time must be before pickup_end_time", ErrInvalidOffer)
	}
	d := end.Sub(start)
	if d < MinOfferDuration {
		return fmt.Errorf("%w: pickup window must last at least %s", ErrInvalidOffer, MinOfferDuration)
	}
	if d > MaxOfferDuration {
		return fmt.Errorf("%w: pickup window cannot exceed %s", ErrInvalidOffer, MaxOfferDuration)
	}
	return nil
}

// WindowEditable reports whether the pickup window of o may still be moved.
// Only ACTIVE or PAUSED offers whose window has not opened qualify.
func (o Offer) WindowEditable(now time.Time) error {
	if o.State != OfferStateActive && o.State != OfferStatePaused {
		return fmt.Errorf("%w: offer is %s", ErrInvalidTransition, o.State)
	}
	if !o.PickupStartTime.After(now) {
		return fmt.Errorf("%w: pickup window already started", ErrInvalidOffer)
	}
	return nil
}

// OfferDecision is the subset of an offer the reservation engine decides on.
type OfferDecision struct {
	OfferID           string
	State             OfferState
	QuantityRemaining int
	PickupStartTime   time.Time
	PickupEndTime     time.Time
	PricePerUnit      decimal.Decimal
	Currency          string
}

// InventoryChange describes the effect of a committed reservation or cancellation.
type InventoryChange struct {
	OfferID       string
	Delta         int
	Remaining     int
	PreviousState OfferState
	State         OfferState
}

func (c InventoryChange) StateChanged() bool {
	return c.PreviousState != c.State
}
