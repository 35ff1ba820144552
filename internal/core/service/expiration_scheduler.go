package service

import (
	"context"
	"time"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/port"
	"go.opentelemetry.io/otel/attribute"
)

type TickResult struct {
	Candidates int
	Expired    int
	Failed     int
}

// ExpirationScheduler retires offers whose pickup window has ended.
type ExpirationScheduler struct {
	offers port.OfferStore
	opts   options
}

func NewExpirationScheduler(offers port.OfferStore, opts ...Option) *ExpirationScheduler {
	return &ExpirationScheduler{offers: offers, opts: buildOptions(opts)}
}

// Run ticks once immediately and then on every interval until ctx is done.
func (s *ExpirationScheduler) Run(ctx context.Context) error {
	s.opts.log.Info().Dur("interval", s.opts.schedulerInterval).Msg("expiration_scheduler_started")

	ticker := time.NewTicker(s.opts.schedulerInterval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.opts.log.Info().Msg("expiration_scheduler_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick expires every qualifying offer. Failures are logged and counted, and
// the next tick picks the offer up again.
func (s *ExpirationScheduler) Tick(ctx context.Context) TickResult {
	ctx, span := s.opts.tracer.Start(ctx, "ExpirationScheduler.Tick")
	defer span.End()

	now := s.opts.clock.Now()
	var res TickResult

	ids, err := s.offers.ListExpirable(ctx, now, s.opts.schedulerBatch)
	if err != nil {
		res.Failed++
		span.RecordError(err)
		s.opts.log.Error().Err(err).Msg("expiration_scan_failed")
		s.opts.metrics.ObserveTick(0, res.Failed)
		return res
	}
	res.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		expired, err := s.offers.ExpireOffer(ctx, id, now)
		if err != nil {
			res.Failed++
			s.opts.log.Error().Err(err).Str("offer_id", id).Msg("offer_expire_failed")
			continue
		}
		if !expired {
			continue
		}

		res.Expired++
		s.opts.log.Info().Str("offer_id", id).Msg("offer_expired")
		s.opts.publish(ctx, domain.Event{
			Type:       domain.EventOfferExpired,
			OfferID:    id,
			State:      domain.OfferStateExpired,
			OccurredAt: now,
		})
	}

	span.SetAttributes(
		attribute.Int("expiration.candidates", res.Candidates),
		attribute.Int("expiration.expired", res.Expired),
		attribute.Int("expiration.failed", res.Failed),
	)
	s.opts.metrics.ObserveTick(res.Expired, res.Failed)
	if res.Candidates > 0 {
		s.opts.log.Debug().
			Int("candidates", res.Candidates).
			Int("expired", res.Expired).
			Int("failed", res.Failed).
			Msg("expiration_tick")
	}
	return res
}
