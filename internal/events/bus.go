package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/specdeck/specdeck/pkg/hub"
)

const defaultQueueLength = 64

// Bus is an in-process topic bus for domain events. Handlers on the same
// subscription run sequentially in publish order.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan any][]string
	wg   sync.WaitGroup
}

// NewBus creates a bus with the given per-subscriber queue length. Zero or
// negative means the default.
func NewBus(queueLength int, logger *slog.Logger) *Bus {
	if queueLength <= 0 {
		queueLength = defaultQueueLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ps:     pubsub.New(queueLength),
		logger: logger,
		subs:   make(map[chan any][]string),
	}
}

// Publish delivers ev to every subscriber of its topic. Delivery is buffered
// per subscriber; a subscriber that stops draining its queue eventually
// backpressures publishers.
func (b *Bus) Publish(ev Event) {
	b.logger.Debug("publishing domain event", "topic", ev.Topic, "event", ev.Name)
	b.ps.Pub(ev, ev.Topic)
}

// Subscribe invokes fn for every event published on the given topics until
// ctx is canceled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, fn func(Event), topics ...string) error {
	if len(topics) == 0 {
		return errors.New("no topics given")
	}
	for _, t := range topics {
		if t == "" {
			return errors.New("empty topic name")
		}
	}
	if fn == nil {
		return errors.New("nil handler")
	}

	ch := b.ps.Sub(topics...)
	b.mu.Lock()
	b.subs[ch] = topics
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				b.unsubscribe(ch)
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				fn(v.(Event))
			}
		}
	}()
	return nil
}

func (b *Bus) unsubscribe(ch chan any) {
	b.mu.Lock()
	topics, ok := b.subs[ch]
	if ok {
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	if ok {
		b.ps.Unsub(ch, topics...)
	}
}

// Close detaches every subscriber and waits for their handlers to finish.
// Publish on a closed bus is a no-op delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make(map[chan any][]string, len(b.subs))
	for ch, topics := range b.subs {
		subs[ch] = topics
		delete(b.subs, ch)
	}
	b.mu.Unlock()

	for ch, topics := range subs {
		b.ps.Unsub(ch, topics...)
	}
	b.wg.Wait()
	b.logger.Debug("event bus closed")
}

// Bridge forwards domain events from a Bus into hub broadcasts.
type Bridge struct {
	h      *hub.Hub
	logger *slog.Logger
}

// NewBridge creates a bridge targeting h.
func NewBridge(h *hub.Hub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{h: h, logger: logger}
}

// Attach subscribes the bridge to the given topics (all daemon topics when
// none are named). Forwarding stops when ctx is canceled.
func (br *Bridge) Attach(ctx context.Context, bus *Bus, topics ...string) error {
	if len(topics) == 0 {
		topics = Topics()
	}
	if err := bus.Subscribe(ctx, br.forward, topics...); err != nil {
		return fmt.Errorf("attach bridge: %w", err)
	}
	return nil
}

func (br *Bridge) forward(ev Event) {
	delivered, err := br.h.Broadcast(context.Background(), ev.Topic, ev.Name, ev.Data)
	if err != nil {
		if errors.Is(err, hub.ErrHubClosed) {
			br.logger.Debug("dropping domain event, hub closed", "topic", ev.Topic, "event", ev.Name)
			return
		}
		br.logger.Warn("broadcast failed", "topic", ev.Topic, "event", ev.Name, "error", err)
		return
	}
	br.logger.Debug("forwarded domain event", "topic", ev.Topic, "event", ev.Name, "delivered", delivered)
}
