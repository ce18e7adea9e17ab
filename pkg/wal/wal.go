package wal

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/types"
)

// ReplayStats summarizes a replay pass over a stream.
type ReplayStats struct {
	Records int
	Objects int
	MaxLSN  uint64
}

// Consumer receives replayed records in strictly ascending LSN order.
type Consumer func(rec Record) error

// stream is the per-collection WAL state. The LSN counter is atomic;
// the mutex serializes buffer mutation and sync so sealed objects are
// appended in order.
type stream struct {
	id      types.StreamID
	nextLSN atomic.Uint64

	mu       sync.Mutex
	buf      bytes.Buffer
	bufFirst uint64 // LSN of the first buffered record, 0 if empty
	bufCount int
}

// WAL is the write-ahead log over an object store. Each stream groups
// records into sealed objects under wal/{stream}/{nnnnnnnn}.log, where
// the object name is the zero-padded LSN of its first record.
type WAL struct {
	store  objstore.Store
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[types.StreamID]*stream
}

// Open constructs a WAL over the given object store. Individual stream
// counters are recovered lazily on first use via OpenStream.
func Open(store objstore.Store) *WAL {
	return &WAL{
		store:   store,
		logger:  log.WithComponent("wal"),
		streams: make(map[types.StreamID]*stream),
	}
}

func streamPrefix(id types.StreamID) string {
	return fmt.Sprintf("wal/%s/", id)
}

func objectKey(id types.StreamID, firstLSN uint64) string {
	return fmt.Sprintf("wal/%s/%08d.log", id, firstLSN)
}

// OpenStream recovers the stream's LSN counter from persisted objects:
// it scans the stream prefix, decodes the newest object, and sets the
// counter to the maximum persisted LSN + 1. Re-appended records can
// therefore never overwrite older ones after a restart.
func (w *WAL) OpenStream(ctx context.Context, id types.StreamID) error {
	w.mu.Lock()
	if _, ok := w.streams[id]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	maxLSN, err := w.maxPersistedLSN(ctx, id)
	if err != nil {
		return err
	}

	s := &stream{id: id}
	s.nextLSN.Store(maxLSN + 1)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.streams[id]; !ok {
		w.streams[id] = s
		w.logger.Debug().
			Str("wal_stream", id.String()).
			Uint64("next_lsn", maxLSN+1).
			Msg("Stream opened")
	}
	return nil
}

func (w *WAL) maxPersistedLSN(ctx context.Context, id types.StreamID) (uint64, error) {
	objects, err := w.store.List(ctx, streamPrefix(id))
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, nil
	}

	// Object names are the zero-padded first LSN, so the
	// lexicographically greatest key holds the greatest LSNs.
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".log") {
			keys = append(keys, obj.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	sort.Strings(keys)

	data, err := w.store.Get(ctx, keys[len(keys)-1])
	if err != nil {
		return 0, err
	}
	records, err := decodeObject(data)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].LSN, nil
}

func (w *WAL) stream(id types.StreamID) (*stream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.streams[id]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "wal", "stream %q not opened", id)
	}
	return s, nil
}

// Append assigns the next LSN and buffers the record. The record is
// durable at the next Sync. Returns the assigned LSN.
func (w *WAL) Append(ctx context.Context, id types.StreamID, rec Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.Cancelled, "wal.append", err)
	}
	s, err := w.stream(id)
	if err != nil {
		return 0, err
	}

	lsn := s.nextLSN.Add(1) - 1
	rec.LSN = lsn

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bufCount == 0 {
		s.bufFirst = lsn
	}
	if err := encodeRecord(&s.buf, rec); err != nil {
		return 0, err
	}
	s.bufCount++
	metrics.WALAppendsTotal.Inc()
	return lsn, nil
}

// Sync seals the current buffer as a new WAL object. A failed upload
// leaves the buffer intact so the caller can retry; success clears it.
// Syncing an empty buffer is a no-op.
func (w *WAL) Sync(ctx context.Context, id types.StreamID) error {
	s, err := w.stream(id)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALSyncDuration)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bufCount == 0 {
		return nil
	}

	key := objectKey(id, s.bufFirst)
	if err := w.store.Put(ctx, key, s.buf.Bytes()); err != nil {
		return err
	}

	w.logger.Debug().
		Str("wal_stream", id.String()).
		Str("object", key).
		Int("records", s.bufCount).
		Msg("Buffer sealed")

	s.buf.Reset()
	s.bufCount = 0
	s.bufFirst = 0
	return nil
}

// PendingRecords returns the number of buffered, not-yet-synced records.
func (w *WAL) PendingRecords(id types.StreamID) int {
	s, err := w.stream(id)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufCount
}

// NextLSN returns the LSN the next append would receive.
func (w *WAL) NextLSN(id types.StreamID) uint64 {
	s, err := w.stream(id)
	if err != nil {
		return 1
	}
	return s.nextLSN.Load()
}

// Replay lists the stream's sealed objects, decodes their records, and
// yields each record with LSN >= fromLSN to the consumer in strictly
// ascending LSN order across all objects. Pass fromLSN 0 to replay
// everything.
func (w *WAL) Replay(ctx context.Context, id types.StreamID, fromLSN uint64, consume Consumer) (ReplayStats, error) {
	var stats ReplayStats

	objects, err := w.store.List(ctx, streamPrefix(id))
	if err != nil {
		return stats, err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".log") {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)

	var lastLSN uint64
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, errs.Wrap(errs.Cancelled, "wal.replay", err)
		}

		data, err := w.store.Get(ctx, key)
		if err != nil {
			return stats, err
		}
		records, err := decodeObject(data)
		if err != nil {
			return stats, err
		}

		stats.Objects++
		for _, rec := range records {
			if rec.LSN <= lastLSN && lastLSN != 0 {
				return stats, errs.Ef(errs.Corruption, "wal.replay",
					"lsn order violated: %d after %d in %s", rec.LSN, lastLSN, key)
			}
			lastLSN = rec.LSN
			if rec.LSN < fromLSN {
				continue
			}
			if err := consume(rec); err != nil {
				return stats, err
			}
			stats.Records++
			stats.MaxLSN = rec.LSN
		}
	}

	return stats, nil
}
