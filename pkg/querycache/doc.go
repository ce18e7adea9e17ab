/*
Package querycache implements the fingerprint-keyed query result cache
and its targeted invalidation.

The fingerprint is a SHA-256 over (tenant, collection, query-vector
bytes, k, filters); the filter document is normalized with sorted keys
before hashing, so the same filter written in a different key order
hits the same entry, while distinct tenants can never collide.

Storage is an in-process expiring LRU (capacity and TTL from config).
Alongside it the cache maintains an inverted map from each result's
doc id to the cache keys containing it. A write touching a set of doc
ids unions their key sets and drops exactly those entries — false
positives merely recompute, false negatives are impossible because
every result doc registers its key at insert time.

The Tier interface describes the shape a distributed L2 would take;
only the L1 semantics are implemented here.
*/
package querycache
