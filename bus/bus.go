// Package bus implements the in-process event bus (spec §4.2): a
// multi-producer, multi-subscriber broadcast of state-change and
// lifecycle events with bounded per-subscriber buffering.
//
// The shape is lifted from the teacher's local no-broker pub/sub path
// (messanger/messanger_nodes.go's radix trie over MQTT-style topics),
// generalized here to a flat topic-free broadcaster: C1 and C4 don't
// need wildcard topic matching to fan out a StateChange, only "deliver
// to every live subscriber, in publish order, without blocking the
// publisher on a slow one."
package bus

import (
	"context"
	"sync"
)

// Event is anything the bus can carry. state.StateChange and the
// lifecycle events automation/discovery emit all satisfy this trivially
// (the bus is deliberately untyped at this layer; typed wrappers live
// in the producing packages).
type Event any

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 256

// Subscription is a live subscriber handle.
type Subscription struct {
	id       uint64
	ch       chan Event
	bus      *Bus
	overflow *uint64
}

// C returns the channel to receive events on.
func (s *Subscription) C() <-chan Event { return s.ch }

// Overflow returns the number of events dropped for this subscriber
// because its buffer was full.
func (s *Subscription) Overflow() uint64 {
	return loadU64(s.overflow)
}

// Unsubscribe detaches the subscription from the bus. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus is a broadcast multiplexer. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*Subscription
	nextID      uint64
	bufferSize  int
	closed      bool
	closeDrainC chan struct{}
}

// New creates a Bus whose subscriber channels have the given buffer
// size. A size <= 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	var overflow uint64
	sub := &Subscription{
		id:       b.nextID,
		ch:       make(chan Event, b.bufferSize),
		bus:      b,
		overflow: &overflow,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to every current subscriber. A single producer's
// events reach any one subscriber in the order Publish was called (the
// per-subscriber channel preserves FIFO order); no ordering is
// guaranteed across distinct producers calling Publish concurrently.
//
// Publish never blocks on a slow subscriber: if a subscriber's buffer
// is full, the oldest buffered event for that subscriber is dropped to
// make room and its overflow counter is incremented.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		deliver(sub, ev)
	}
}

// deliver pushes ev onto sub's channel, dropping the oldest buffered
// event (and bumping the overflow counter) if the channel is full.
func deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest for this subscriber only, then
	// retry. Loop in case of a race with a concurrent receiver.
	for {
		select {
		case <-sub.ch:
			incU64(sub.overflow)
		default:
		}
		select {
		case sub.ch <- ev:
			return
		default:
			continue
		}
	}
}

// Close drains any events already queued to subscribers that have not
// yet unsubscribed, then closes every subscriber channel. Publish
// becomes a no-op after Close returns. Close honors ctx for the drain
// wait but always closes subscriber channels on return.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	// Subscriber channels are already buffered with whatever was
	// published before Close; since nothing more will be published,
	// "drain" here just means: give receivers a chance to read what's
	// pending before we close the channel out from under them. We
	// can't know when a subscriber has finished reading without their
	// cooperation, so we honor ctx as the drain budget and then close
	// regardless (spec: "drains pending events... before closing").
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range subs {
			for len(s.ch) > 0 {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	for _, s := range subs {
		close(s.ch)
	}
}

// SubscriberCount reports the number of live subscribers. Useful for
// diagnostics/metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
