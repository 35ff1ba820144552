package domain

import "time"

type EventType string

const (
	EventReservationCreated    EventType = "reservation.created"
	EventReservationCancelled  EventType = "reservation.cancelled"
	EventInventoryDecremented  EventType = "inventory.decremented"
	EventInventoryIncremented  EventType = "inventory.incremented"
	EventOfferSoldOut          EventType = "offer.sold_out"
	EventOfferExpired          EventType = "offer.expired"
	EventOfferPaused           EventType = "offer.paused"
	EventOfferResumed          EventType = "offer.resumed"
	EventOfferEndedEarly       EventType = "offer.ended_early"
	EventOfferCreated          EventType = "offer.created"
	EventOfferQuantityAdjusted EventType = "offer.quantity_adjusted"
	EventOfferPriceUpdated     EventType = "offer.price_updated"
	EventOfferWindowUpdated    EventType = "offer.pickup_window_updated"
)

// Event is a structured domain event handed to the observability side.
type Event struct {
	Type          EventType  `json:"type"`
	OfferID       string     `json:"offer_id"`
	ReservationID string     `json:"reservation_id,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	CustomerID    string     `json:"customer_id,omitempty"`
	Quantity      int        `json:"quantity,omitempty"`
	Remaining     *int       `json:"remaining,omitempty"`
	State         OfferState `json:"state,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// ReservationEvents builds the events emitted after a reservation commits.
func ReservationEvents(r Reservation, change InventoryChange, at time.Time) []Event {
	remaining := change.Remaining
	events := []Event{
		{
			Type:          EventReservationCreated,
			OfferID:       r.OfferID,
			ReservationID: r.ID,
			OrderID:       r.OrderID,
			CustomerID:    r.CustomerID,
			Quantity:      r.Quantity,
			OccurredAt:    at,
		},
		{
			Type:       EventInventoryDecremented,
			OfferID:    r.OfferID,
			Quantity:   r.Quantity,
			Remaining:  &remaining,
			State:      change.State,
			OccurredAt: at,
		},
	}
	if change.StateChanged() && change.State == OfferStateSoldOut {
		events = append(events, Event{
			Type:       EventOfferSoldOut,
			OfferID:    r.OfferID,
			Remaining:  &remaining,
			State:      change.State,
			OccurredAt: at,
		})
	}
	return events
}

// CancellationEvents builds the events emitted after a cancellation commits.
func CancellationEvents(r Reservation, change InventoryChange, at time.Time) []Event {
	remaining := change.Remaining
	events := []Event{
		{
			Type:          EventReservationCancelled,
			OfferID:       r.OfferID,
			ReservationID: r.ID,
			OrderID:       r.OrderID,
			CustomerID:    r.CustomerID,
			Quantity:      r.Quantity,
			OccurredAt:    at,
		},
		{
			Type:       EventInventoryIncremented,
			OfferID:    r.OfferID,
			Quantity:   r.Quantity,
			Remaining:  &remaining,
			State:      change.State,
			OccurredAt: at,
		},
	}
	if change.StateChanged() && change.State == OfferStateActive {
		events = append(events, Event{
			Type:       EventOfferResumed,
			OfferID:    r.OfferID,
			Remaining:  &remaining,
			State:      change.State,
			OccurredAt: at,
		})
	}
	return events
}

// OfferEvent builds a single lifecycle event for an offer.
func OfferEvent(t EventType, o Offer, at time.Time) Event {
	remaining := o.QuantityRemaining
	return Event{
		Type:       t,
		OfferID:    o.ID,
		Remaining:  &remaining,
		State:      o.State,
		OccurredAt: at,
	}
}
