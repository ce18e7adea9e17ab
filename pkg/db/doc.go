/*
Package db is the collection registry and the façade tying the storage,
index, and query subsystems into the write and read paths.

A write validates the batch, reserves its doc ids with one atomic
fetch-add (contiguous per batch, disjoint across concurrent batches),
appends to the collection's WAL stream and syncs it durable, applies
the batch to the in-memory vector index and the metadata index,
persists the rows, and hands the batch to the async upload worker. The
worker encodes a columnar segment, uploads it under the circuit breaker
and retry policy, commits it into the manifest, and checkpoints the
WAL; exhausted retries park the batch to the DLQ. Affected query-cache
entries are invalidated on every mutation.

A read probes the query cache first, promotes a cold collection to warm
if necessary, evaluates the filter to a bitmap, searches with the
selectivity-appropriate strategy, fills the cache, and records the tier
access. Batch reads fan out through the execution engine and keep the
caller's order.

The Database also implements tier.Host, so the tier manager can pull a
hot collection's documents out for demotion and rebuild the index on
promotion.
*/
package db
