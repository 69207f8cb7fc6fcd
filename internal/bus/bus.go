// Package bus implements the bot process's internal publish/subscribe bus:
// a single-process, multi-topic fan-out with non-blocking publish and
// per-subscriber queue shedding (§4.4).
package bus

import "sync"

// Topic names a bus channel. Names are semantic, not language-specific.
type Topic string

const (
	ChatInbound     Topic = "chat.inbound"
	ChatOutbound    Topic = "chat.outbound"
	SystemEvent     Topic = "system.event"
	CommandExecuted Topic = "command.executed"
	MetricsUpdate   Topic = "metrics.update"
)

// subscriberQueueSize bounds each subscriber's per-topic buffered channel.
const subscriberQueueSize = 64

// ShedCallback is invoked with the topic whenever a subscriber is shed for
// staying full; wired to a metrics counter by callers that care.
type ShedCallback func(topic Topic)

type subscriber struct {
	ch       chan any
	fullHits int
}

// Bus is a multi-topic, non-blocking publish/subscribe hub. Publishing never
// blocks the producer: a subscriber whose queue is full has the message
// dropped; if its queue stays full across consecutive publishes it is shed
// (unsubscribed) entirely, with a counter increment, rather than
// backpressuring the producer indefinitely.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Topic]map[uint64]*subscriber
	next     uint64
	onShed   ShedCallback
	shedAfter int
}

// New creates a Bus. onShed may be nil. shedAfter is the number of
// consecutive full-queue publishes before a subscriber is dropped; a value
// <= 0 defaults to 3.
func New(onShed ShedCallback, shedAfter int) *Bus {
	if shedAfter <= 0 {
		shedAfter = 3
	}
	return &Bus{
		subs:      make(map[Topic]map[uint64]*subscriber),
		onShed:    onShed,
		shedAfter: shedAfter,
	}
}

// Subscribe returns a receive-only channel for topic and a cancel function.
// Order is preserved within the topic for this subscriber (single buffered
// channel, single writer side per publish call under the bus's own lock).
func (b *Bus) Subscribe(topic Topic) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan any, subscriberQueueSize)}
	b.subs[topic][id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[topic]; ok {
			if s, ok := m[id]; ok {
				close(s.ch)
				delete(m, id)
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers msg to every current subscriber of topic without
// blocking. A subscriber whose queue is momentarily full just misses this
// message; one whose queue has been full for shedAfter consecutive
// publishes is unsubscribed and onShed is invoked.
func (b *Bus) Publish(topic Topic, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.subs[topic]
	if m == nil {
		return
	}

	var shed []uint64
	for id, sub := range m {
		select {
		case sub.ch <- msg:
			sub.fullHits = 0
		default:
			sub.fullHits++
			if sub.fullHits >= b.shedAfter {
				shed = append(shed, id)
			}
		}
	}

	for _, id := range shed {
		close(m[id].ch)
		delete(m, id)
		if b.onShed != nil {
			b.onShed(topic)
		}
	}
}

// SubscriberCount returns the number of live subscribers on topic, for
// tests and diagnostics.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
