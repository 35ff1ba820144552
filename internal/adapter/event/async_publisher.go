package event

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/port"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull       = errors.New("event queue full")
	ErrPublisherClosed = errors.New("event publisher closed")
)

const deliveryTimeout = 5 * time.Second

// AsyncPublisher hands event batches to a pool of workers so a slow broker
// never holds up a reservation. Each worker owns a queue and batches are
// routed by offer id, so the batches of one offer are delivered in the order
// they were published. Batches are dropped when their queue is full.
type AsyncPublisher struct {
	next   port.EventPublisher
	log    zerolog.Logger
	queues []chan []domain.Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncPublisher(next port.EventPublisher, log zerolog.Logger, workers, queueSize int) *AsyncPublisher {
	if workers < 1 {
		workers = 1
	}
	p := &AsyncPublisher{
		next:   next,
		log:    log,
		queues: make([]chan []domain.Event, workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan []domain.Event, queueSize)
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(id, p.queues[id])
		}(i)
	}
	return p
}

func (p *AsyncPublisher) shard(offerID string) int {
	h := fnv.New32a()
	h.Write([]byte(offerID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *AsyncPublisher) Publish(_ context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	batch := append([]domain.Event(nil), events...)
	select {
	case p.queues[p.shard(batch[0].OfferID)] <- batch:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) workerLoop(id int, queue <-chan []domain.Event) {
	for batch := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := p.next.Publish(ctx, batch...); err != nil {
			p.log.Warn().
				Err(err).
				Int("worker", id).
				Str("offer_id", batch[0].OfferID).
				Int("count", len(batch)).
				Msg("event_delivery_failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits until every queued batch has been
// delivered.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
