package domain

import (
	"fmt"
	"time"
)

type OfferState string

const (
	OfferStateActive       OfferState = "ACTIVE"
	OfferStatePaused       OfferState = "PAUSED"
	OfferStateExpired      OfferState = "EXPIRED"
	OfferStateExpiredEarly OfferState = "EXPIRED_EARLY"
	OfferStateSoldOut      OfferState = "SOLD_OUT"
)

func (s OfferState) Valid() bool {
	switch s {
	case OfferStateActive, OfferStatePaused, OfferStateExpired, OfferStateExpiredEarly, OfferStateSoldOut:
		return true
	}
	return false
}

// Terminal reports whether no transition out of s is ever legal.
func (s OfferState) Terminal() bool {
	return s == OfferStateExpired || s == OfferStateExpiredEarly
}

// ListingOrder ranks states when a business lists its offers.
var ListingOrder = []OfferState{
	OfferStateActive,
	OfferStatePaused,
	OfferStateSoldOut,
	OfferStateExpired,
	OfferStateExpiredEarly,
}

// ListingRank returns the position of s in ListingOrder.
func ListingRank(s OfferState) int {
	for i, o := range ListingOrder {
		if o == s {
			return i
		}
	}
	return len(ListingOrder)
}

type Trigger string

const (
	TriggerPause    Trigger = "pause"
	TriggerResume   Trigger = "resume"
	TriggerSellOut  Trigger = "sell_out"
	TriggerRestock  Trigger = "restock"
	TriggerExpire   Trigger = "expire"
	TriggerEndEarly Trigger = "end_early"
)

type transition struct {
	from []OfferState
	to   OfferState
}

var transitions = map[Trigger]transition{
	TriggerPause:    {from: []OfferState{OfferStateActive}, to: OfferStatePaused},
	TriggerResume:   {from: []OfferState{OfferStatePaused}, to: OfferStateActive},
	TriggerSellOut:  {from: []OfferState{OfferStateActive}, to: OfferStateSoldOut},
	TriggerRestock:  {from: []OfferState{OfferStateSoldOut}, to: OfferStateActive},
	TriggerExpire:   {from: []OfferState{OfferStateActive, OfferStatePaused}, to: OfferStateExpired},
	TriggerEndEarly: {from: []OfferState{OfferStateActive, OfferStatePaused}, to: OfferStateExpiredEarly},
}

// NextState is the single authority for offer state transitions.
//
// TriggerRestock never fails: a cancellation returns inventory to offers in
// any state, but only a SOLD_OUT offer changes state because of it.
func NextState(from OfferState, trigger Trigger) (OfferState, error) {
	t, ok := transitions[trigger]
	if !ok {
		return from, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, trigger)
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	if trigger == TriggerRestock {
		return from, nil
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
}

// SourceStates lists the states a trigger may fire from.
func SourceStates(trigger Trigger) []OfferState {
	t := transitions[trigger]
	out := make([]OfferState, len(t.from))
	copy(out, t.from)
	return out
}

// CheckReservable decides whether quantity units may be claimed from the offer at now.
func CheckReservable(d OfferDecision, quantity int, now time.Time) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if d.State != OfferStateActive {
		return unavailable(d.State)
	}
	if !now.Before(d.PickupEndTime) {
		return ErrOfferExpired
	}
	if d.QuantityRemaining < quantity {
		return ErrInsufficientInventory
	}
	return nil
}

// Settle sells out an ACTIVE offer left with no units. A PAUSED offer keeps
// its state at zero so that only a resume can make it reservable again.
func Settle(s OfferState, remaining int) OfferState {
	if s == OfferStateActive && remaining == 0 {
		return OfferStateSoldOut
	}
	return s
}

// RestockState computes the state after a cancellation returned units.
func RestockState(from OfferState, pickupEnd, now time.Time) OfferState {
	if from == OfferStateSoldOut && !now.Before(pickupEnd) {
		return from
	}
	next, _ := NextState(from, TriggerRestock)
	return next
}

func unavailable(s OfferState) error {
	switch s {
	case OfferStatePaused:
		return &UnavailableError{Reason: ReasonPaused}
	case OfferStateExpired:
		return &UnavailableError{Reason: ReasonExpired}
	case OfferStateExpiredEarly:
		return &UnavailableError{Reason: ReasonExpiredEarly}
	case OfferStateSoldOut:
		return &UnavailableError{Reason: ReasonSoldOut}
	}
	return fmt.Errorf("%w: unknown state %q", ErrOfferUnavailable, s)
}
