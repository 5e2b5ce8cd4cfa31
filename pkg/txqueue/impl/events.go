package impl

import (
	"sync"

	"github.com/relayhub/go-relay/pkg/txqueue"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const subscriberBuffer = 256

// EventBus is an in-process fanout of store events. Publishing never blocks;
// a subscriber that can't keep up loses events and a warning is logged.
type EventBus struct {
	log     zerolog.Logger
	dropped atomic.Int64

	mu     sync.Mutex
	nextID int
	subs   map[int]chan txqueue.Event
}

var _ txqueue.Bus = (*EventBus)(nil)

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		log: logger.With().
			Str("component", "eventbus").
			Logger(),
		subs: map[int]chan txqueue.Event{},
	}
}

// Publish delivers the event to every subscriber.
func (b *EventBus) Publish(e txqueue.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Inc()
			b.log.Warn().
				Int("subscriber", id).
				Str("queueId", e.Tx.QueueID).
				Str("type", string(e.Type)).
				Msg("subscriber full, dropping event")
		}
	}
}

// Subscribe registers a new consumer.
func (b *EventBus) Subscribe() (<-chan txqueue.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan txqueue.Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Dropped returns how many events were lost to slow subscribers since boot.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
