package events

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// Publisher is the narrow interface components publish through.
type Publisher interface {
	Publish(name string, payload map[string]any)
}

// Handler receives events.
type Handler func(model.Event)

// Bus is the in-process event bus. Components publish to it and the hub's
// external subscribers receive every event verbatim, in publish order.
type Bus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs map[uint64]Handler
	next uint64
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		logger:  logger,
		metrics: m,
		subs:    make(map[uint64]Handler),
	}
}

// Publish delivers the event synchronously to every subscriber. A panicking
// subscriber is logged and skipped; it never reaches the publisher.
func (b *Bus) Publish(name string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	event := model.Event{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	for _, h := range b.snapshot() {
		b.deliver(h, event)
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	return handlers
}

func (b *Bus) deliver(h Handler, event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.SubscriberPanics.Inc()
			}
			b.logger.Error("event subscriber panicked",
				zap.String("event", event.Name),
				zap.Any("panic", r))
		}
	}()
	h(event)
}
