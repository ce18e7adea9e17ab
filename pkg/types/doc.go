/*
Package types defines the shared domain model for Strata: identifiers,
collection descriptors and manifests, segment and tier state, vector
documents, and search result shapes.

Types here are plain data with JSON tags; behavior lives in the packages
that own each concern (wal, segment, tier, vectorindex, ...). Identifiers
are opaque 128-bit values rendered as UUID strings, except document IDs,
which are per-collection 32-bit monotonic sequences reserved in atomic
batches.
*/
package types
