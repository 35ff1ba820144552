package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offer_reservation"

// Metrics groups the collectors of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reservations        *prometheus.CounterVec
	cancellations       *prometheus.CounterVec
	lockAttempts        *prometheus.CounterVec
	offersExpired       prometheus.Counter
	schedulerTicks      *prometheus.CounterVec
	offerTransitions    *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
	reservationDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by result code.",
		}, []string{"result"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by result code.",
		}, []string{"result"}),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Per-offer lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		offersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_expired_total",
			Help:      "Offers moved to EXPIRED by the scheduler.",
		}),
		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Expiration scheduler ticks by result.",
		}, []string{"result"}),
		offerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_transitions_total",
			Help:      "Manual offer lifecycle operations by operation and result code.",
		}, []string{"operation", "result"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to publishers by result.",
		}, []string{"result"}),
		reservationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_duration_seconds",
			Help:      "End-to-end reservation latency including lock wait.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.reservations, m.cancellations, m.lockAttempts, m.offersExpired,
			m.schedulerTicks, m.offerTransitions, m.eventsPublished, m.reservationDuration)
	}
	return m
}

func result(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}

func (m *Metrics) ObserveReservation(code string, took time.Duration) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result(code)).Inc()
	m.reservationDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveCancellation(code string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(result(code)).Inc()
}

// Lock outcomes.
const (
	LockAcquired  = "acquired"
	LockContended = "contended"
	LockError     = "error"
)

func (m *Metrics) ObserveLockAttempt(outcome string) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTick(expired, failed int) {
	if m == nil {
		return
	}
	m.offersExpired.Add(float64(expired))
	if failed > 0 {
		m.schedulerTicks.WithLabelValues("failed").Inc()
		return
	}
	m.schedulerTicks.WithLabelValues("ok").Inc()
}

func (m *Metrics) ObserveOfferOperation(operation, code string) {
	if m == nil {
		return
	}
	m.offerTransitions.WithLabelValues(operation, result(code)).Inc()
}

func (m *Metrics) ObservePublish(count int, err error) {
	if m == nil {
		return
	}
	label := "ok"
	if err != nil {
		label = "failed"
	}
	m.eventsPublished.WithLabelValues(label).Add(float64(count))
}
