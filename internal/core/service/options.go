package service

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/offer-reservation/internal/clock"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/metrics"
	"github.com/rl1809/offer-reservation/internal/port"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rl1809/offer-reservation/internal/core/service"

type options struct {
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  port.EventPublisher
	tracer  trace.Tracer

	lockTTL         time.Duration
	lockWaitTimeout time.Duration
	lockRetries     int
	lockBackoffBase time.Duration
	lockBackoffMax  time.Duration
	txTimeout       time.Duration
	orderIDAttempts int
	listLimit       int

	schedulerInterval time.Duration
	schedulerBatch    int
}

type Option func(*options)

func defaultOptions() options {
	return options{
		clock:  clock.NewSystem(),
		log:    zerolog.Nop(),
		events: noopPublisher{},
		tracer: otel.Tracer(tracerName),

		lockTTL:         5 * time.Second,
		lockWaitTimeout: time.Second,
		lockRetries:     5,
		lockBackoffBase: 20 * time.Millisecond,
		lockBackoffMax:  200 * time.Millisecond,
		txTimeout:       3 * time.Second,
		orderIDAttempts: 3,
		listLimit:       50,

		schedulerInterval: time.Minute,
		schedulerBatch:    500,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(o *options) {
		if p != nil {
			o.events = p
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func WithLockTTL(d time.Duration) Option {
	return func(o *options) { o.lockTTL = d }
}

// WithLockRetry sets how many times acquisition is retried after the first
// attempt and the backoff bounds between attempts.
func WithLockRetry(retries int, base, maxBackoff time.Duration) Option {
	return func(o *options) {
		o.lockRetries = retries
		o.lockBackoffBase = base
		o.lockBackoffMax = maxBackoff
	}
}

func WithLockWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.lockWaitTimeout = d }
}

func WithTxTimeout(d time.Duration) Option {
	return func(o *options) { o.txTimeout = d }
}

func WithSchedule(interval time.Duration, batch int) Option {
	return func(o *options) {
		o.schedulerInterval = interval
		o.schedulerBatch = batch
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, ...domain.Event) error { return nil }

// publish hands events to the publisher without letting a failure reach the
// caller. Committed state is never rolled back because of it.
func (o options) publish(ctx context.Context, events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	err := o.events.Publish(context.WithoutCancel(ctx), events...)
	o.metrics.ObservePublish(len(events), err)
	if err != nil {
		o.log.Warn().Err(err).Int("count", len(events)).Msg("event_publish_failed")
	}
}

// failureEvent picks the log level for a failed operation. Business outcomes
// such as a sold out offer are not errors of the service.
func (o options) failureEvent(err error) *zerolog.Event {
	switch {
	case errors.Is(err, domain.ErrInvariantViolation):
		return o.log.Error().Err(err).Bool("critical", true)
	case domain.Code(err) == domain.CodeInternal, errors.Is(err, domain.ErrStoreUnavailable):
		return o.log.Error().Err(err)
	}
	return o.log.Info().Err(err)
}
