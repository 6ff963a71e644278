package bus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultBuffer = 256

var (
	memMeter          = otel.Meter("tuchati-bus")
	memPublishCounter metric.Int64Counter
	memDropCounter    metric.Int64Counter
	memMeterOnce      sync.Once
)

func initMemMetrics() {
	memMeterOnce.Do(func() {
		memPublishCounter, _ = memMeter.Int64Counter("bus_events_published_total",
			metric.WithDescription("Total events published to the in-process bus"))
		memDropCounter, _ = memMeter.Int64Counter("bus_events_dropped_total",
			metric.WithDescription("Total events dropped because a subscriber buffer was full"))
	})
}

// Memory is an in-process Bus for single-node deployments and tests.
// Publishers never block: each subscriber owns a buffered channel and a
// full buffer drops the event for that subscriber only.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]map[*memorySub]bool
	buffer int
}

// NewMemory creates an in-process bus. buffer is the per-subscriber channel
// capacity; zero selects the default.
func NewMemory(buffer int) *Memory {
	initMemMetrics()
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		groups: make(map[string]map[*memorySub]bool),
		buffer: buffer,
	}
}

type memorySub struct {
	bus   *Memory
	group string
	ch    chan Event
	once  sync.Once
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.groups[s.group]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.groups, s.group)
			}
		}
		// Publishers send while holding the read lock, so holding the
		// write lock here guarantees no send is in flight.
		close(s.ch)
		s.bus.mu.Unlock()
	})
	return nil
}

func (b *Memory) Subscribe(group string) (Subscription, error) {
	sub := &memorySub{bus: b, group: group, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.groups[group] == nil {
		b.groups[group] = make(map[*memorySub]bool)
	}
	b.groups[group][sub] = true
	b.mu.Unlock()
	return sub, nil
}

func (b *Memory) Publish(ctx context.Context, group string, payload []byte) error {
	ev := Event{Group: group, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	memPublishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
	for sub := range b.groups[group] {
		select {
		case sub.ch <- ev:
		default:
			memDropCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
		}
	}
	return nil
}

// GroupSize reports the current subscriber count of a group, for diagnostics.
func (b *Memory) GroupSize(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}
