/*
Package wal implements the per-collection write-ahead log over the
object store.

Each collection owns an exclusive stream. Appends assign LSNs from an
atomic counter and buffer framed records; Sync seals the buffer as a
single object under wal/{stream}/{nnnnnnnn}.log, where the object name
is the zero-padded first LSN it contains. Replay walks the sealed
objects in key order and yields records in strictly ascending LSN order
across objects.

Opening a stream recovers its counter from persisted state: the newest
object is decoded and the counter initialized to max LSN + 1, so a
restart can never reissue an LSN that already exists on storage.

Records are framed with a fixed 24-byte header (magic, version, type,
LSN, payload length, CRC32-Castagnoli over the payload); a failed
checksum or truncated frame surfaces as Corruption.
*/
package wal
