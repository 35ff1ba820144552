package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	block  chan struct{}
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func sampleEvents() []domain.Event {
	remaining := 2
	at := time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC)
	return []domain.Event{
		{Type: domain.EventReservationCreated, OfferID: "offer-1", ReservationID: "r-1", OrderID: "RES-0A1B2C3D", CustomerID: "c-1", Quantity: 1, OccurredAt: at},
		{Type: domain.EventInventoryDecremented, OfferID: "offer-1", Quantity: 1, Remaining: &remaining, State: domain.OfferStateActive, OccurredAt: at},
	}
}

func TestKafkaPublisher_WritesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, zerolog.Nop())

	require.NoError(t, p.Publish(context.Background(), sampleEvents()...))
	require.Len(t, w.messages, 2)

	msg := w.messages[1]
	assert.Equal(t, "offer-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, string(domain.EventInventoryDecremented), string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "inventory.decremented", decoded["type"])
	assert.Equal(t, float64(2), decoded["remaining"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_BreakerOpensAfterFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisherWithWriter(w, zerolog.Nop())

	for i := 0; i < breakerTripFailures; i++ {
		assert.Error(t, p.Publish(context.Background(), sampleEvents()...))
	}
	err := p.Publish(context.Background(), sampleEvents()...)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, breakerTripFailures, w.calls)
}

func TestAsyncPublisher_DeliversOnClose(t *testing.T) {
	next := &recordingPublisher{}
	p := NewAsyncPublisher(next, zerolog.Nop(), 2, 16)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish(context.Background(), sampleEvents()...))
	}
	p.Close()

	assert.Equal(t, 10, next.len())
	assert.ErrorIs(t, p.Publish(context.Background(), sampleEvents()...), ErrPublisherClosed)
	p.Close()
}

func TestAsyncPublisher_DropsWhenFull(t *testing.T) {
	next := &recordingPublisher{block: make(chan struct{})}
	p := NewAsyncPublisher(next, zerolog.Nop(), 1, 1)

	var full bool
	for i := 0; i < 5 && !full; i++ {
		full = errors.Is(p.Publish(context.Background(), sampleEvents()...), ErrQueueFull)
	}
	assert.True(t, full)

	close(next.block)
	p.Close()
}

func TestAsyncPublisher_KeepsOrderPerOffer(t *testing.T) {
	next := &recordingPublisher{}
	p := NewAsyncPublisher(next, zerolog.Nop(), 4, 1024)

	offers := []string{"offer-a", "offer-b", "offer-c", "offer-d", "offer-e", "offer-f"}
	for seq := 1; seq <= 50; seq++ {
		for _, id := range offers {
			require.NoError(t, p.Publish(context.Background(), domain.Event{
				Type:     domain.EventInventoryDecremented,
				OfferID:  id,
				Quantity: seq,
			}))
		}
	}
	p.Close()

	last := make(map[string]int)
	for _, e := range next.events {
		assert.Greater(t, e.Quantity, last[e.OfferID], "offer %s", e.OfferID)
		last[e.OfferID] = e.Quantity
	}
	for _, id := range offers {
		assert.Equal(t, 50, last[id])
	}
}

func TestAsyncPublisher_ShardIsStable(t *testing.T) {
	p := NewAsyncPublisher(&recordingPublisher{}, zerolog.Nop(), 4, 1)
	defer p.Close()

	for _, id := range []string{"offer-1", "offer-2", "7f1c"} {
		s := p.shard(id)
		assert.Equal(t, s, p.shard(id))
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 4)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("nope")}

	err := Multi{ok, failing, NewLogPublisher(zerolog.Nop())}.Publish(context.Background(), sampleEvents()...)
	assert.EqualError(t, err, "nope")
	assert.Equal(t, 2, ok.len())
	assert.Equal(t, 2, failing.len())
}
