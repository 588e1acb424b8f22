// Package bus provides the in-process publish/subscribe layer that sits
// in front of a cluster's ledger. Publishing always
// appends to the ledger first — the ledger is the source of truth — and
// only then fans the persisted message out to subscribers, so a
// subscriber that attaches after the fact can always recover history via
// the ledger itself instead of the bus.
//
// Broadcast snapshots the subscriber handles under a lock, releases the
// lock, then delivers, so a stalled receiver never blocks
// Subscribe/Unsubscribe calls from other goroutines.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Subscription is a handle returned by Subscribe. Call Unsubscribe when
// the consumer is done; the channel is closed at that point and must not
// be read from afterward.
type Subscription struct {
	id    uint64
	topic string
	ch    chan message.Message
	bus   *Bus
}

// C returns the channel messages matching this subscription arrive on.
func (s *Subscription) C() <-chan message.Message { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is the pub/sub layer for a single cluster. One Bus wraps exactly
// one *ledger.Ledger.
type Bus struct {
	ledger *ledger.Ledger

	// dispatchMu serializes Publish calls end-to-end (append + fan-out)
	// so that subscribers always observe messages in the same relative
	// order the ledger assigned them.
	dispatchMu sync.Mutex

	mu   sync.RWMutex
	subs map[string]map[uint64]*Subscription // topic pattern -> id -> sub
	next uint64

	// bufferSize is the channel capacity given to each new subscription.
	// A slow subscriber that fills its buffer stalls Publish until it
	// drains (or its channel send times out via ctx) — callers that
	// cannot afford to block publishers should drain promptly or read
	// the ledger directly instead of subscribing.
	bufferSize int
}

// Options configures New.
type Options struct {
	// BufferSize is the channel capacity for each subscription. Defaults
	// to 32.
	BufferSize int
}

// New wraps l in a Bus.
func New(l *ledger.Ledger, opts Options) *Bus {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Bus{
		ledger:     l,
		subs:       make(map[string]map[uint64]*Subscription),
		bufferSize: bufSize,
	}
}

// Subscribe registers interest in topic, which may use the "*" or
// "PREFIX_*" grammar from message.MatchesTopic. The returned
// Subscription's channel receives every subsequently published message
// whose topic matches.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := &Subscription{
		id:    b.next,
		topic: topic,
		ch:    make(chan message.Message, b.bufferSize),
		bus:   b,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.topic]; ok {
		if _, ok := m[sub.id]; ok {
			delete(m, sub.id)
			close(sub.ch)
		}
	}
}

// Publish appends msg to the ledger and delivers the persisted copy
// (with Sequence/ID/Timestamp populated) to every matching subscriber.
// It returns the persisted message.
func (b *Bus) Publish(ctx context.Context, msg message.Message) (message.Message, error) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	persisted, err := b.ledger.Append(ctx, msg)
	if err != nil {
		return message.Message{}, fmt.Errorf("bus: publish: %w", err)
	}

	for _, sub := range b.snapshotMatching(persisted.Topic) {
		select {
		case sub.ch <- persisted:
		case <-ctx.Done():
			return persisted, fmt.Errorf("bus: deliver to subscriber: %w: %v", zserr.ErrStorage, ctx.Err())
		}
	}
	return persisted, nil
}

// snapshotMatching copies out subscriber handles whose pattern matches
// topic, releasing the lock before any channel send is attempted — this
// keeps a stalled subscriber from blocking Subscribe/Unsubscribe calls
// made concurrently from other goroutines.
func (b *Bus) snapshotMatching(topic string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Subscription
	for pattern, m := range b.subs {
		if !message.MatchesTopic(pattern, topic) {
			continue
		}
		for _, sub := range m {
			out = append(out, sub)
		}
	}
	return out
}

// SubscriberCount reports the number of live subscriptions for topic,
// used by tests instead of sleeping to wait for a subscription.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
