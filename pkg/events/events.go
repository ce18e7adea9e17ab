package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/pkg/types"
)

// Type discriminates storage-plane events.
type Type string

const (
	CollectionCreated Type = "collection.created"
	CollectionDropped Type = "collection.dropped"
	SegmentSealed     Type = "segment.sealed"
	SnapshotCreated   Type = "snapshot.created"
	TierChanged       Type = "tier.changed"
	IndexRebuilt      Type = "index.rebuilt"
	DLQParked         Type = "dlq.parked"
	WALSynced         Type = "wal.synced"
)

// Event is a structured storage-plane notification. Only the fields
// that apply to the event type are set: a TierChanged event carries
// FromTier/ToTier, a SegmentSealed event carries Segment/Docs/LSN, a
// DLQParked event carries Docs and Reason.
type Event struct {
	Type       Type
	At         time.Time
	Collection types.CollectionID
	Stream     types.StreamID
	Segment    types.SegmentID
	Snapshot   types.SnapshotID
	FromTier   types.Tier
	ToTier     types.Tier
	Docs       int
	LSN        uint64
	Reason     string
}

// Subscription is one listener's bounded event queue. Events arrive on
// C in publish order; when the consumer falls behind, new events for
// this subscription are dropped and counted rather than blocking the
// storage path.
type Subscription struct {
	C chan Event

	bus     *Bus
	want    map[Type]struct{} // nil means every type
	dropped atomic.Uint64
}

// Dropped returns how many events this subscription missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(t Type) bool {
	if s.want == nil {
		return true
	}
	_, ok := s.want[t]
	return ok
}

// subscriptionBuffer bounds each subscription's queue.
const subscriptionBuffer = 64

// Bus delivers storage-plane events to subscriptions. Delivery is
// synchronous from the publisher's goroutine into each subscription's
// bounded queue, so within one publisher events arrive in the order
// the state transitions happened; there is no broker goroutine to
// start or stop, and a slow listener can never stall a WAL sync or a
// tier transition.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for the given event types; with no
// types it receives everything.
func (b *Bus) Subscribe(kinds ...Type) *Subscription {
	sub := &Subscription{
		C:   make(chan Event, subscriptionBuffer),
		bus: b,
	}
	if len(kinds) > 0 {
		sub.want = make(map[Type]struct{}, len(kinds))
		for _, t := range kinds {
			sub.want[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
}

// Publish stamps the event and offers it to every matching
// subscription. Full queues drop the event for that subscription only.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.C <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.C)
	}
	b.subs = nil
}
