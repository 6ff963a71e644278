package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MarcelBag/TuChati/pkg/otelhelper"
)

var (
	natsMeter       = otel.Meter("tuchati-bus")
	natsDropCounter metric.Int64Counter
	natsMeterOnce   sync.Once
)

func initNATSMetrics() {
	natsMeterOnce.Do(func() {
		natsDropCounter, _ = natsMeter.Int64Counter("bus_nats_events_dropped_total",
			metric.WithDescription("Total NATS-delivered events dropped because a subscriber buffer was full"))
	})
}

// NATS is a Bus backed by core NATS subjects. Groups map to subjects
// ("room:general" becomes "room.evt.general"), so per-publisher FIFO within
// a group follows from NATS per-connection ordering, and per-subscriber
// buffering happens in this process on top of the client library's own
// pending limits.
type NATS struct {
	nc     *nats.Conn
	buffer int
}

// NewNATS wraps an established NATS connection. buffer is the
// per-subscription channel capacity; zero selects the default.
func NewNATS(nc *nats.Conn, buffer int) *NATS {
	initNATSMetrics()
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &NATS{nc: nc, buffer: buffer}
}

// subjectFor maps a group name to a NATS subject. Group names use a single
// kind prefix ("room:", "user:"); ids are UUIDs or usernames without dots.
func subjectFor(group string) string {
	kind, id, ok := strings.Cut(group, ":")
	if !ok {
		return "evt." + group
	}
	return kind + ".evt." + id
}

func (b *NATS) Publish(ctx context.Context, group string, payload []byte) error {
	return otelhelper.TracedPublish(ctx, b.nc, subjectFor(group), payload)
}

type natsSub struct {
	sub   *nats.Subscription
	ch    chan Event
	group string
	once  sync.Once
	err   error
}

func (s *natsSub) Events() <-chan Event { return s.ch }

// Unsubscribe removes interest. The events channel is left open because a
// handler invocation may still be in flight; consumers stop reading instead.
func (s *natsSub) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}

func (b *NATS) Subscribe(group string) (Subscription, error) {
	ch := make(chan Event, b.buffer)
	subject := subjectFor(group)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		// Join the publisher's trace via the propagated headers.
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, subject+" receive")
		defer span.End()
		select {
		case ch <- Event{Group: group, Payload: msg.Data}:
		default:
			natsDropCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("group", group)))
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSub{sub: sub, ch: ch, group: group}, nil
}
