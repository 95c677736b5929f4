// Package bus is the in-process event fan-out: one topic per room plus
// the global lobby topic. Publishes are ordered per topic; every
// subscriber owns a bounded queue and is detached, not blocked on, when
// it cannot keep up.
package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// subscriberQueueSize is the high-water mark per subscriber. A publish
// that finds the queue full marks the subscriber slow and detaches it.
const subscriberQueueSize = 256

// Subscription is one subscriber's handle on a topic. Events arrive on
// C in publish order until Unsubscribe (or a slow-consumer detach)
// closes it.
type Subscription struct {
	bus        *Bus
	topicName  string
	ch         chan types.Event
	onOverflow func()
	closeOnce  sync.Once
}

// C is the subscriber's event stream. It is closed on Unsubscribe and
// on slow-consumer detach; receivers must tolerate closure.
func (s *Subscription) C() <-chan types.Event {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel.
// Idempotent; safe after a slow-consumer detach.
func (s *Subscription) Unsubscribe() {
	s.bus.detach(s, false)
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Bus routes events to topic subscribers. Topics are created on first
// use and dropped when their last subscriber leaves; events are never
// persisted.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Subscribe attaches to a topic. onOverflow runs (once, on its own
// goroutine) if the subscriber is detached for falling behind; the
// gateway uses it to close the connection as a slow consumer.
func (b *Bus) Subscribe(topicName string, onOverflow func()) *Subscription {
	sub := &Subscription{
		bus:        b,
		topicName:  topicName,
		ch:         make(chan types.Event, subscriberQueueSize),
		onOverflow: onOverflow,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[topicName] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Publish delivers the event to every current subscriber of the topic.
// The topic lock is held across the whole fan-out, so all subscribers
// observe the same order. Subscribers of other topics never see the
// event. Publishing to a topic with no subscribers is a no-op.
func (b *Bus) Publish(ctx context.Context, topicName string, ev types.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	t := b.topics[topicName]
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(topicKind(topicName)).Inc()
	if t == nil {
		return
	}

	var slow []*Subscription
	t.mu.Lock()
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: this subscriber is not keeping up. Detach it
			// rather than stall every other subscriber on the topic.
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(t.subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range slow {
		metrics.SlowConsumers.Inc()
		logging.Warn(ctx, "detaching slow consumer",
			zap.String("topic", topicName), zap.String("event", ev.Type))
		sub.finish(true)
	}
}

// detach removes the subscription from its topic and closes its
// channel. overflow selects whether the overflow callback fires.
func (b *Bus) detach(sub *Subscription, overflow bool) {
	b.mu.Lock()
	t := b.topics[sub.topicName]
	b.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		delete(t.subs, sub)
		empty := len(t.subs) == 0
		t.mu.Unlock()

		if empty {
			b.mu.Lock()
			// Re-check under the write lock; a new subscriber may have
			// arrived between the two locks.
			if cur := b.topics[sub.topicName]; cur == t {
				t.mu.Lock()
				if len(t.subs) == 0 {
					delete(b.topics, sub.topicName)
				}
				t.mu.Unlock()
			}
			b.mu.Unlock()
		}
	}

	sub.finish(overflow)
}

// finish closes the subscription channel exactly once.
func (s *Subscription) finish(overflow bool) {
	s.closeOnce.Do(func() {
		close(s.ch)
		if overflow && s.onOverflow != nil {
			go s.onOverflow()
		}
	})
}

// Close shuts the bus down: every subscription is closed and further
// publishes and subscribes become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		subs := make([]*Subscription, 0, len(t.subs))
		for sub := range t.subs {
			subs = append(subs, sub)
		}
		t.subs = make(map[*Subscription]struct{})
		t.mu.Unlock()
		for _, sub := range subs {
			sub.finish(false)
		}
	}
}

func topicKind(topicName string) string {
	if strings.HasPrefix(topicName, "room:") {
		return "room"
	}
	return topicName
}
