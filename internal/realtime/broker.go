// Package realtime fans node status events out to live subscribers.
//
// Delivery is best effort: Publish never blocks, and a subscriber whose
// buffer is full misses events. The store's node_events log is the
// authoritative record; subscribers that fall behind re-read it.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/roach88/flowcrm/internal/execution"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broker routes events to subscribers by execution ID.
//
// Thread-safety: all methods are safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	buffer int
	closed bool
}

type subscriber struct {
	ch      chan execution.NodeEvent
	dropped int
}

// NewBroker creates a broker with the given subscriber buffer size.
// A size of zero or less means DefaultBuffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		topics: make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Publish delivers ev to every subscriber of ev.ExecutionID without
// blocking.
func (b *Broker) Publish(ev execution.NodeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.topics[ev.ExecutionID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			slog.Debug("realtime subscriber lagging, event dropped",
				"execution_id", ev.ExecutionID,
				"node_id", ev.NodeID,
				"seq", ev.Seq,
				"dropped", sub.dropped,
			)
		}
	}
}

// Subscribe returns a channel of events for one execution and a cancel
// function that unsubscribes and closes the channel. Cancel is idempotent.
func (b *Broker) Subscribe(executionID string) (<-chan execution.NodeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan execution.NodeEvent, b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	subs, ok := b.topics[executionID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.topics[executionID] = subs
	}
	subs[sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(executionID, sub)
		})
	}
	return sub.ch, cancel
}

// Close closes every subscription. Later subscriptions are closed
// immediately and later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subs := range b.topics {
		for sub := range subs {
			b.remove(id, sub)
		}
	}
}

// Subscribers returns the number of live subscribers for an execution.
func (b *Broker) Subscribers(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[executionID])
}

// remove must be called with mu held.
func (b *Broker) remove(executionID string, sub *subscriber) {
	subs, ok := b.topics[executionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, executionID)
	}
}
