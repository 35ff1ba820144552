package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/port"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OfferService owns the manual lifecycle of offers.
type OfferService struct {
	offers port.OfferStore
	opts   options
}

func NewOfferService(offers port.OfferStore, opts ...Option) *OfferService {
	return &OfferService{offers: offers, opts: buildOptions(opts)}
}

type CreateOfferInput struct {
	BusinessID      string
	Title           string
	PricePerUnit    decimal.Decimal
	Currency        string
	Quantity        int
	PickupStartTime time.Time
	PickupEndTime   time.Time
}

func (s *OfferService) CreateOffer(ctx context.Context, in CreateOfferInput) (domain.Offer, error) {
	now := s.opts.clock.Now()

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	offer := domain.Offer{
		ID:                uuid.NewString(),
		BusinessID:        in.BusinessID,
		Title:             strings.TrimSpace(in.Title),
		PricePerUnit:      in.PricePerUnit,
		Currency:          currency,
		QuantityTotal:     in.Quantity,
		QuantityRemaining: in.Quantity,
		PickupStartTime:   in.PickupStartTime.UTC(),
		PickupEndTime:     in.PickupEndTime.UTC(),
		State:             domain.OfferStateActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := offer.Validate(); err != nil {
		return domain.Offer{}, err
	}
	if !now.Before(offer.PickupEndTime) {
		return domain.Offer{}, fmt.Errorf("%w: pickup window already ended", domain.ErrInvalidOffer)
	}

	if err := s.offers.CreateOffer(ctx, offer); err != nil {
		s.opts.metrics.ObserveOfferOperation("create", domain.Code(err))
		return domain.Offer{}, err
	}
	s.opts.metrics.ObserveOfferOperation("create", "")

	s.opts.log.Info().
		Str("offer_id", offer.ID).
		Str("business_id", offer.BusinessID).
		Int("quantity", offer.QuantityTotal).
		Time("pickup_end_time", offer.PickupEndTime).
		Msg("offer_created")
	s.opts.publish(ctx, domain.OfferEvent(domain.EventOfferCreated, offer, now))
	return offer, nil
}

func (s *OfferService) GetOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	return s.offers.GetOffer(ctx, offerID)
}

func (s *OfferService) PauseOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	return s.transition(ctx, offerID, domain.TriggerPause, domain.EventOfferPaused)
}

// ResumeOffer reactivates a paused offer. Once the pickup window has passed
// the offer can only expire.
func (s *OfferService) ResumeOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	o, err := s.offers.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	if !s.opts.clock.Now().Before(o.PickupEndTime) {
		s.opts.metrics.ObserveOfferOperation(string(domain.TriggerResume), domain.CodeOfferExpired)
		return domain.Offer{}, domain.ErrOfferExpired
	}
	return s.transition(ctx, offerID, domain.TriggerResume, domain.EventOfferResumed)
}

func (s *OfferService) EndOfferEarly(ctx context.Context, offerID string) (domain.Offer, error) {
	return s.transition(ctx, offerID, domain.TriggerEndEarly, domain.EventOfferEndedEarly)
}

func (s *OfferService) transition(ctx context.Context, offerID string, trigger domain.Trigger, event domain.EventType) (domain.Offer, error) {
	ctx, span := s.opts.tracer.Start(ctx, "OfferService.Transition", trace.WithAttributes(
		attribute.String("offer.id", offerID),
		attribute.String("offer.trigger", string(trigger)),
	))
	defer span.End()

	now := s.opts.clock.Now()
	o, err := s.offers.TransitionOffer(ctx, offerID, trigger, now)
	s.opts.metrics.ObserveOfferOperation(string(trigger), domain.Code(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Code(err))
		return domain.Offer{}, err
	}

	s.opts.log.Info().
		Str("offer_id", o.ID).
		Str("trigger", string(trigger)).
		Str("state", string(o.State)).
		Msg("offer_state_changed")
	s.opts.publish(ctx, domain.OfferEvent(event, o, now))
	return o, nil
}

// AdjustQuantity changes the total units of an offer. Units held by confirmed
// reservations are never taken back.
func (s *OfferService) AdjustQuantity(ctx context.Context, offerID string, newTotal int) (domain.Offer, error) {
	if newTotal < 1 {
		return domain.Offer{}, fmt.Errorf("%w: quantity must be at least 1", domain.ErrInvalidQuantity)
	}

	now := s.opts.clock.Now()
	o, err := s.offers.AdjustQuantity(ctx, offerID, newTotal, now)
	s.opts.metrics.ObserveOfferOperation("adjust_quantity", domain.Code(err))
	if err != nil {
		return domain.Offer{}, err
	}

	s.opts.log.Info().
		Str("offer_id", o.ID).
		Int("quantity_total", o.QuantityTotal).
		Int("remaining", o.QuantityRemaining).
		Str("state", string(o.State)).
		Msg("offer_quantity_adjusted")
	s.opts.publish(ctx, domain.OfferEvent(domain.EventOfferQuantityAdjusted, o, now))
	return o, nil
}

// UpdatePrice changes the price for future reservations only.
func (s *OfferService) UpdatePrice(ctx context.Context, offerID string, price decimal.Decimal) (domain.Offer, error) {
	if err := domain.ValidatePrice(price); err != nil {
		return domain.Offer{}, err
	}

	now := s.opts.clock.Now()
	o, err := s.offers.UpdatePrice(ctx, offerID, price, now)
	s.opts.metrics.ObserveOfferOperation("update_price", domain.Code(err))
	if err != nil {
		return domain.Offer{}, err
	}

	s.opts.log.Info().
		Str("offer_id", o.ID).
		Str("price_per_unit", o.PricePerUnit.StringFixed(2)).
		Msg("offer_price_updated")
	s.opts.publish(ctx, domain.OfferEvent(domain.EventOfferPriceUpdated, o, now))
	return o, nil
}

// UpdatePickupWindow moves the pickup window of an offer that has not opened
// yet. Existing reservations keep the window they were confirmed with.
func (s *OfferService) UpdatePickupWindow(ctx context.Context, offerID string, start, end time.Time) (domain.Offer, error) {
	now := s.opts.clock.Now()
	start, end = start.UTC(), end.UTC()
	if err := domain.ValidatePickupWindow(start, end, now); err != nil {
		s.opts.metrics.ObserveOfferOperation("update_pickup_window", domain.Code(err))
		return domain.Offer{}, err
	}

	o, err := s.offers.UpdatePickupWindow(ctx, offerID, start, end, now)
	s.opts.metrics.ObserveOfferOperation("update_pickup_window", domain.Code(err))
	if err != nil {
		return domain.Offer{}, err
	}

	s.opts.log.Info().
		Str("offer_id", o.ID).
		Time("pickup_start_time", o.PickupStartTime).
		Time("pickup_end_time", o.PickupEndTime).
		Msg("offer_pickup_window_updated")
	s.opts.publish(ctx, domain.OfferEvent(domain.EventOfferWindowUpdated, o, now))
	return o, nil
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListBusinessOffers returns the offers of one business for its management view.
func (s *OfferService) ListBusinessOffers(ctx context.Context, businessID string, limit int) ([]domain.Offer, error) {
	if strings.TrimSpace(businessID) == "" {
		return nil, fmt.Errorf("%w: business_id is required", domain.ErrInvalidArgument)
	}
	return s.offers.ListOffersByBusiness(ctx, businessID, listLimit(limit))
}

// ListActiveOffers returns offers customers can reserve right now.
func (s *OfferService) ListActiveOffers(ctx context.Context, limit int) ([]domain.Offer, error) {
	return s.offers.ListActiveOffers(ctx, s.opts.clock.Now(), listLimit(limit))
}

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
