/*
Package events notifies listeners of storage-plane state transitions:
collection lifecycle, sealed segments, snapshots, tier changes, index
rebuilds, and DLQ arrivals.

Events are structured — each carries the identifiers of the transition
it describes (collection, segment, snapshot, tier pair, doc count, LSN)
rather than a free-form payload, so consumers never parse strings.

The bus has no broker goroutine: Publish delivers synchronously from
the publishing goroutine into each subscription's bounded queue, which
keeps events from a single publisher in transition order. A consumer
that falls behind loses events for its own subscription only (counted
via Dropped); the write path and the tier worker are never blocked by
a listener. Subscriptions can filter by event type at Subscribe time.
*/
package events
