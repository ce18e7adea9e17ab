/*
Package bootstrap rebuilds the engine's in-memory state on process
start.

The sequence: construct the object store and WAL through their recovery
paths so counters come back from persisted state, drain the DLQ blob,
list the collection manifests, and restore each collection. Hot
collections load every live segment through the columnar codec and
rebuild the vector and metadata indexes in doc-id order; a segment that
fails checksum verification is quarantined (marked Dead in the next
manifest version) and a snapshot is preferred when one exists. WAL
records with LSN greater than the manifest's committed LSN replay
exactly once. Finally each collection's doc-id counter recovers to
max(observed) + 1.

Bootstrap only reads authoritative state, so it is idempotent and
survives any partial prior progress — a crash mid-bootstrap simply
re-runs.
*/
package bootstrap
