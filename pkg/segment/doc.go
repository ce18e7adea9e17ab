/*
Package segment implements the columnar on-disk format for vector
batches.

A segment object is a self-contained file: a 16-byte header (magic,
version, flags, compression codec, dimension, row-group size), a
sequence of independently compressed row groups, and a trailer with
per-group offsets, lengths, XXH64 checksums, and record counts. Within
a row group the layout is columnar: doc-id column, inserted-at column,
a fixed-size-list f32 vector column, then offset-indexed external-id
and payload JSON columns.

Compression is per row group — Snappy by default, with Zstd, LZ4, and
none available. Decode verifies every checksum before returning rows in
write order; a damaged trailer or row group surfaces as Corruption,
which callers treat differently from NotFound (a corrupt segment is
quarantined, a missing one is rebuilt from the WAL).
*/
package segment
