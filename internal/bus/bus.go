// Package bus implements a topic-keyed publish/subscribe facility for
// agent events. Topics are session IDs; TopicAll receives every event.
package bus

import (
	"sync"

	"loom/pkg/logger"
)

// TopicAll is the distinguished topic that receives events from all sessions.
const TopicAll = "*"

// DefaultBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events; publishers never block.
const DefaultBuffer = 256

// Bus is a topic-keyed pub/sub broker. It is safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// Subscription is a registration on a single topic. Events are received
// on C until Unsubscribe is called.
type Subscription struct {
	C chan Event

	bus   *Bus
	topic string
	once  sync.Once

	// mu orders sends against the close in Unsubscribe, so a publisher
	// can never hit a closed channel.
	mu      sync.Mutex
	closed  bool
	dropped int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber on the given topic. Subscribing
// twice to the same topic yields two independent deliveries.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit channel depth.
func (b *Bus) SubscribeBuffered(topic string, depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultBuffer
	}
	sub := &Subscription{
		C:     make(chan Event, depth),
		bus:   b,
		topic: topic,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. It is
// idempotent; calling it twice is a no-op. Safe to call while publishers
// are delivering: in-flight sends finish before the channel closes.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.C)
		s.mu.Unlock()
	})
}

// deliver hands one event to the subscriber without blocking. A closed
// subscription swallows the event; a full channel drops it.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.C <- ev:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			logger.Warn().
				Str("topic", s.topic).
				Str("event", string(ev.Type)).
				Int("dropped", s.dropped).
				Msg("slow subscriber, dropping events")
		}
	}
}

// Publish delivers the event to every current subscriber of topic and of
// TopicAll. Delivery is non-blocking: a full subscriber channel drops the
// event rather than stalling the publisher, and a subscriber
// unsubscribing mid-publish never affects the publisher or its peers.
func (b *Bus) Publish(topic string, ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = topic
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, 4)
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	if topic != TopicAll {
		for sub := range b.subs[TopicAll] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
