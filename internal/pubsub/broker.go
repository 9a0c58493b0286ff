// Package pubsub implements the L0 process-local pub/sub fabric: a topic
// broker mapping a topic name to a set of subscribers, supporting
// broadcast, point-to-point send, and subscribe/unsubscribe. It is the
// leaf dependency every other component (hooks, client/gateway channels,
// presence) builds on, grounded on the teacher's fabric.LocalEventBus and
// fabric.Hub subscriber-set bookkeeping.
//
// Per-publisher FIFO is preserved: Publish delivers to each subscriber's
// mailbox synchronously (the order across subscribers of one topic is not
// defined), and a subscriber's
// mailbox is an unbounded queue so a slow consumer never blocks the
// publisher (spec.md §5 — "sending a message on a mailbox never blocks
// the sender unless the receiver's queue is bounded; it is not here").
package pubsub

import (
	"sync"
)

// Message is the generic payload placed in a subscriber's mailbox. Event
// hooks publish hooks.AccountChange and the other hooks event types; this package
// stays payload-agnostic so it has no dependency on upper layers.
type Message any

// Subscription is a single subscriber's handle on a topic. Receive from C
// to read delivered messages in order; call Close (or Broker.Unsubscribe)
// to stop receiving and release the mailbox goroutine.
type Subscription struct {
	id     uint64
	topic  Topic
	broker *Broker
	in     chan Message
	C      <-chan Message
}

func (s *Subscription) Close() {
	s.broker.Unsubscribe(s)
}

// Broker is a process-wide concurrent topic registry. The subscriber-set
// mutation path is a coarse RWMutex rather than a lock-free structure —
// the teacher's Hub uses the same sync.RWMutex-guarded map approach for
// its routing/capability/tenant indexes, and at control-plane fanout
// scale (per-account, not per-message) contention here is not the
// bottleneck.
type Broker struct {
	mu     sync.RWMutex
	topics map[Topic]map[uint64]*Subscription
	nextID uint64
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[Topic]map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber on topic and returns its handle.
// The mailbox is unbounded: an internal goroutine pumps a growable queue
// into the receive channel so Publish never blocks on a slow subscriber.
func (b *Broker) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	in := make(chan Message)
	out := make(chan Message)
	sub := &Subscription{id: id, topic: topic, broker: b, in: in, C: out}
	go pumpUnbounded(in, out)

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*Subscription)
	}
	b.topics[topic][id] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub from its topic and closes its mailbox.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.topics[sub.topic]; ok {
		if _, present := subs[sub.id]; present {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.topics, sub.topic)
			}
		}
	}
	b.mu.Unlock()
	close(sub.in)
}

// Publish broadcasts msg to every current subscriber of topic.
func (b *Broker) Publish(topic Topic, msg Message) {
	b.mu.RLock()
	subs := b.topics[topic]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.in <- msg
	}
}

// SubscriberCount reports how many subscribers a topic currently has;
// useful for tests and metrics.
func (b *Broker) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// pumpUnbounded relays messages from in to out through a growable slice
// buffer, so a send on in never blocks regardless of whether anything is
// reading from out.
func pumpUnbounded(in <-chan Message, out chan<- Message) {
	defer close(out)
	var queue []Message
	for {
		if len(queue) == 0 {
			m, ok := <-in
			if !ok {
				return
			}
			queue = append(queue, m)
			continue
		}
		select {
		case m, ok := <-in:
			if !ok {
				// Drain remaining queue before closing out.
				for _, q := range queue {
					out <- q
				}
				return
			}
			queue = append(queue, m)
		case out <- queue[0]:
			queue = queue[1:]
		}
	}
}
