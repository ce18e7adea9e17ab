/*
Package manifest owns the authoritative, versioned segment list for
each collection and its optimistic concurrency protocol.

An update reads the manifest at version V, applies its mutation, and
commits the result at V+1 only if the stored version is still V. A
writer that lost the race gets Conflict and retries against a fresh
view under the manifest retry budget; exhaustion surfaces Conflict to
the caller. This is the single cross-writer serialization point in the
storage plane — every other object-store operation is eventually
consistent.

The package also holds the canonical object-store key layout for
descriptors, manifests, and sealed segments.
*/
package manifest
