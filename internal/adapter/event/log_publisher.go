package event

import (
	"context"
	"errors"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/port"
	"github.com/rs/zerolog"
)

// LogPublisher writes every event as a structured log line. It is the
// publisher used when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, events ...domain.Event) error {
	for _, e := range events {
		ev := p.log.Info().
			Str("event_type", string(e.Type)).
			Str("offer_id", e.OfferID).
			Time("occurred_at", e.OccurredAt)
		if e.ReservationID != "" {
			ev = ev.Str("reservation_id", e.ReservationID).Str("order_id", e.OrderID)
		}
		if e.CustomerID != "" {
			ev = ev.Str("customer_id", e.CustomerID)
		}
		if e.Quantity != 0 {
			ev = ev.Int("quantity", e.Quantity)
		}
		if e.Remaining != nil {
			ev = ev.Int("remaining", *e.Remaining)
		}
		if e.State != "" {
			ev = ev.Str("state", string(e.State))
		}
		ev.Msg("domain_event")
	}
	return nil
}

// Multi fans events out to several publishers and joins their errors.
type Multi []port.EventPublisher

func (m Multi) Publish(ctx context.Context, events ...domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
