package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/metrics"
	"github.com/rl1809/offer-reservation/internal/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const releaseTimeout = 2 * time.Second

// ReservationService is the reservation engine. It serialises claims on an
// offer with an advisory lock and relies on the store transaction to re-check
// every condition before units are taken.
type ReservationService struct {
	offers       port.OfferStore
	reservations port.ReservationStore
	locks        port.LockManager
	opts         options
}

func NewReservationService(offers port.OfferStore, reservations port.ReservationStore, locks port.LockManager, opts ...Option) *ReservationService {
	return &ReservationService{
		offers:       offers,
		reservations: reservations,
		locks:        locks,
		opts:         buildOptions(opts),
	}
}

func (s *ReservationService) CreateReservation(ctx context.Context, offerID, customerID string, quantity int) (domain.Reservation, error) {
	start := time.Now()
	ctx, span := s.opts.tracer.Start(ctx, "ReservationService.CreateReservation", trace.WithAttributes(
		attribute.String("offer.id", offerID),
		attribute.String("customer.id", customerID),
		attribute.Int("reservation.quantity", quantity),
	))
	defer span.End()

	r, err := s.createReservation(ctx, offerID, customerID, quantity)

	code := domain.Code(err)
	s.opts.metrics.ObserveReservation(code, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		s.opts.failureEvent(err).
			Str("offer_id", offerID).
			Str("customer_id", customerID).
			Int("quantity", quantity).
			Str("code", code).
			Msg("reservation_failed")
		return domain.Reservation{}, err
	}

	span.SetAttributes(attribute.String("reservation.order_id", r.OrderID))
	return r, nil
}

func (s *ReservationService) createReservation(ctx context.Context, offerID, customerID string, quantity int) (domain.Reservation, error) {
	if quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	if strings.TrimSpace(offerID) == "" || strings.TrimSpace(customerID) == "" {
		return domain.Reservation{}, fmt.Errorf("%w: offer id and customer id are required", domain.ErrInvalidArgument)
	}

	token, err := s.acquireLock(ctx, offerID)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer s.releaseLock(ctx, offerID, token)

	decision, err := s.offers.LoadForDecision(ctx, offerID)
	if err != nil {
		return domain.Reservation{}, err
	}
	now := s.opts.clock.Now()
	if err := domain.CheckReservable(decision, quantity, now); err != nil {
		return domain.Reservation{}, err
	}

	var (
		r      domain.Reservation
		change domain.InventoryChange
	)
	for attempt := 1; ; attempt++ {
		r = domain.NewReservation(decision, customerID, quantity, now)

		txCtx, cancel := context.WithTimeout(ctx, s.opts.txTimeout)
		change, err = s.offers.ApplyReservation(txCtx, r, now)
		cancel()

		if errors.Is(err, domain.ErrDuplicateOrderID) && attempt < s.opts.orderIDAttempts {
			s.opts.log.Debug().Str("order_id", r.OrderID).Msg("order_id_collision")
			continue
		}
		break
	}
	if err != nil {
		return domain.Reservation{}, err
	}

	s.opts.log.Info().
		Str("reservation_id", r.ID).
		Str("order_id", r.OrderID).
		Str("offer_id", offerID).
		Str("customer_id", customerID).
		Int("quantity", quantity).
		Int("remaining", change.Remaining).
		Msg("reservation_created")
	if change.StateChanged() && change.State == domain.OfferStateSoldOut {
		s.opts.log.Info().Str("offer_id", offerID).Msg("offer_sold_out")
	}

	s.opts.publish(ctx, domain.ReservationEvents(r, change, now)...)
	return r, nil
}

// acquireLock makes one immediate attempt and then retries with jittered
// exponential backoff until the retry budget or the wait timeout runs out.
func (s *ReservationService) acquireLock(ctx context.Context, offerID string) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.lockWaitTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= s.opts.lockRetries; attempt++ {
		if attempt > 0 {
			if !sleep(waitCtx, s.backoff(attempt)) {
				break
			}
		}

		token, ok, err := s.locks.Acquire(waitCtx, offerID, s.opts.lockTTL)
		switch {
		case err != nil:
			lastErr = err
			s.opts.metrics.ObserveLockAttempt(metrics.LockError)
		case ok:
			s.opts.metrics.ObserveLockAttempt(metrics.LockAcquired)
			return token, nil
		default:
			lastErr = nil
			s.opts.metrics.ObserveLockAttempt(metrics.LockContended)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.opts.log.Warn().
		Err(lastErr).
		Str("offer_id", offerID).
		Int("retries", s.opts.lockRetries).
		Msg("reservation_lock_failed")
	if lastErr != nil && errors.Is(lastErr, domain.ErrStoreUnavailable) {
		return "", lastErr
	}
	return "", domain.ErrOfferBusy
}

func (s *ReservationService) backoff(attempt int) time.Duration {
	d := s.opts.lockBackoffBase << (attempt - 1)
	if d <= 0 || d > s.opts.lockBackoffMax {
		d = s.opts.lockBackoffMax
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// releaseLock runs on a fresh context so a cancelled request still frees the offer.
func (s *ReservationService) releaseLock(ctx context.Context, offerID, token string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := s.locks.Release(relCtx, offerID, token); err != nil {
		s.opts.log.Warn().Err(err).Str("offer_id", offerID).Msg("lock_release_failed")
	}
}

// CancelReservation cancels a confirmed reservation on behalf of actorID. An
// empty actorID is a trusted internal caller and skips the owner check.
func (s *ReservationService) CancelReservation(ctx context.Context, reservationID, actorID, reason string) (domain.Reservation, error) {
	ctx, span := s.opts.tracer.Start(ctx, "ReservationService.CancelReservation", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()

	r, err := s.cancelReservation(ctx, reservationID, actorID, reason)

	code := domain.Code(err)
	s.opts.metrics.ObserveCancellation(code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		s.opts.failureEvent(err).
			Str("reservation_id", reservationID).
			Str("actor_id", actorID).
			Str("code", code).
			Msg("cancellation_failed")
		return domain.Reservation{}, err
	}
	return r, nil
}

func (s *ReservationService) cancelReservation(ctx context.Context, reservationID, actorID, reason string) (domain.Reservation, error) {
	existing, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if actorID != "" && existing.CustomerID != actorID {
		return domain.Reservation{}, domain.ErrNotReservationOwner
	}

	now := s.opts.clock.Now()
	if err := existing.Cancellable(now); err != nil {
		return domain.Reservation{}, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.opts.txTimeout)
	defer cancel()

	r, change, err := s.offers.ApplyCancellation(txCtx, reservationID, reason, now)
	if err != nil {
		return domain.Reservation{}, err
	}

	s.opts.log.Info().
		Str("reservation_id", r.ID).
		Str("order_id", r.OrderID).
		Str("offer_id", r.OfferID).
		Int("quantity", r.Quantity).
		Int("remaining", change.Remaining).
		Str("reason", reason).
		Msg("reservation_cancelled")

	s.opts.publish(ctx, domain.CancellationEvents(r, change, now)...)
	return r, nil
}

func (s *ReservationService) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return s.reservations.GetReservation(ctx, reservationID)
}

func (s *ReservationService) GetReservationByOrderID(ctx context.Context, orderID string) (domain.Reservation, error) {
	return s.reservations.GetReservationByOrderID(ctx, strings.ToUpper(strings.TrimSpace(orderID)))
}

// ListCustomerReservations returns the newest reservations of a customer.
func (s *ReservationService) ListCustomerReservations(ctx context.Context, customerID string, activeOnly bool) ([]domain.Reservation, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", domain.ErrInvalidArgument)
	}
	return s.reservations.ListReservationsByCustomer(ctx, customerID, activeOnly, s.opts.listLimit)
}
