package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOfferBusy                = errors.New("offer busy")
	ErrOfferUnavailable         = errors.New("offer unavailable")
	ErrOfferExpired             = errors.New("offer expired")
	ErrInsufficientInventory    = errors.New("insufficient inventory")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrNotFound                 = errors.New("not found")
	ErrStoreUnavailable         = errors.New("store unavailable")

	ErrOfferNotFound       = fmt.Errorf("offer %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)

	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidOffer          = errors.New("invalid offer")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrNotReservationOwner   = errors.New("reservation belongs to another customer")
	ErrReservationNotActive  = errors.New("reservation is not confirmed")
	ErrQuantityBelowReserved = errors.New("quantity below reserved units")
	ErrDuplicateOrderID      = errors.New("duplicate order id")
	ErrInvariantViolation    = errors.New("inventory invariant violation")
)

type UnavailableReason string

const (
	ReasonPaused       UnavailableReason = "paused"
	ReasonExpired      UnavailableReason = "expired"
	ReasonExpiredEarly UnavailableReason = "expired_early"
	ReasonSoldOut      UnavailableReason = "sold_out"
)

// UnavailableError is returned when an offer is not ACTIVE.
type UnavailableError struct {
	Reason UnavailableReason
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("offer unavailable: %s", e.Reason)
}

// Is matches ErrOfferUnavailable. The expired reason also matches
// ErrOfferExpired and the sold_out reason ErrInsufficientInventory.
func (e *UnavailableError) Is(target error) bool {
	switch target {
	case ErrOfferUnavailable:
		return true
	case ErrOfferExpired:
		return e.Reason == ReasonExpired
	case ErrInsufficientInventory:
		return e.Reason == ReasonSoldOut
	}
	return false
}

func UnavailableReasonOf(err error) (UnavailableReason, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Reason, true
	}
	return "", false
}

// Error codes handed to callers that render user-facing text.
const (
	CodeOfferBusy                = "OFFER_BUSY"
	CodeOfferUnavailable         = "OFFER_UNAVAILABLE"
	CodeOfferExpired             = "OFFER_EXPIRED"
	CodeInsufficientInventory    = "INSUFFICIENT_INVENTORY"
	CodeCancellationWindowClosed = "CANCELLATION_WINDOW_CLOSED"
	CodeNotFound                 = "NOT_FOUND"
	CodeStoreUnavailable         = "STORE_UNAVAILABLE"
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeConflict                 = "CONFLICT"
	CodeForbidden                = "FORBIDDEN"
	CodeInternal                 = "INTERNAL"
)

// Code maps an error onto the caller-facing taxonomy.
//
// An offer the scheduler already moved to EXPIRED reports OFFER_EXPIRED and a
// SOLD_OUT offer reports INSUFFICIENT_INVENTORY; the reason stays available
// through UnavailableReasonOf. PAUSED and EXPIRED_EARLY report OFFER_UNAVAILABLE.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOfferExpired):
		return CodeOfferExpired
	case errors.Is(err, ErrInsufficientInventory):
		return CodeInsufficientInventory
	}
	if _, ok := UnavailableReasonOf(err); ok {
		return CodeOfferUnavailable
	}
	switch {
	case errors.Is(err, ErrOfferBusy):
		return CodeOfferBusy
	case errors.Is(err, ErrCancellationWindowClosed):
		return CodeCancellationWindowClosed
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvariantViolation):
		return CodeInternal
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidOffer), errors.Is(err, ErrInvalidArgument):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotReservationOwner):
		return CodeForbidden
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrReservationNotActive),
		errors.Is(err, ErrQuantityBelowReserved), errors.Is(err, ErrOfferUnavailable):
		return CodeConflict
	}
	return CodeInternal
}

// IsRetryable reports whether the caller should simply try again shortly.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrInvariantViolation) {
		return false
	}
	return errors.Is(err, ErrOfferBusy) || errors.Is(err, ErrStoreUnavailable)
}
