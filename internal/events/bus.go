// Package events carries presentation events from the core services to connected clients.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

const (
	TopicChat = "chat"
	TopicSky  = "sky"
)

// Envelope is the wire format of every pushed event.
type Envelope struct {
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DefaultStallTimeout is how long a subscriber may leave its channel full before it is dropped.
const DefaultStallTimeout = 5 * time.Second

// Bus fans events out to every subscriber. Publishing blocks until each subscriber has
// taken the event, which keeps per-topic order intact. A subscriber that stops draining
// for longer than the stall timeout is unsubscribed and its channel closed.
type Bus struct {
	pubsub       *gochannel.GoChannel
	seq          atomic.Uint64
	stallTimeout time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithStallTimeout overrides DefaultStallTimeout.
func WithStallTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.stallTimeout = d
		}
	}
}

// NewBus creates an in-process bus.
func NewBus(opts ...Option) *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, NewLoggerAdapter(log.Logger))
	b := &Bus{pubsub: pubsub, stallTimeout: DefaultStallTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish encodes data and sends it on topic.
func (b *Bus) Publish(topic, event string, data any) error {
	env := Envelope{
		Topic:     topic,
		Event:     event,
		Seq:       b.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s/%s payload: %w", topic, event, err)
		}
		env.Data = raw
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe merges the given topics into one channel that closes when ctx is done or
// the subscriber stalls.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) (<-chan Envelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Envelope, 16)
	var wg sync.WaitGroup

	for _, topic := range topics {
		messages, err := b.pubsub.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				var env Envelope
				if err := json.Unmarshal(msg.Payload, &env); err != nil {
					log.Error().Err(err).Str("topic", topic).Msg("events: dropping undecodable message")
					msg.Ack()
					continue
				}
				if !b.forward(ctx, out, env) {
					msg.Nack()
					if ctx.Err() == nil {
						log.Warn().Str("topic", topic).Uint64("seq", env.Seq).
							Dur("timeout", b.stallTimeout).Msg("events: dropping stalled subscriber")
						cancel()
					}
					return
				}
				msg.Ack()
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}

// forward hands env to out, giving up when ctx is done or out stays full past the stall timeout.
func (b *Bus) forward(ctx context.Context, out chan<- Envelope, env Envelope) bool {
	select {
	case out <- env:
		return true
	default:
	}

	timer := time.NewTimer(b.stallTimeout)
	defer timer.Stop()
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
