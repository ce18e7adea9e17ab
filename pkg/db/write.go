package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/events"
	"github.com/stratadb/strata/pkg/manifest"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/segment"
	"github.com/stratadb/strata/pkg/store"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/wal"
)

// InsertDoc is one caller-supplied document; the doc id is assigned by
// the engine from the collection's reserved range.
type InsertDoc struct {
	ExternalID string
	Vector     []float32
	Metadata   map[string]any
}

// uploadTask carries a freshly inserted batch to the async segment
// upload worker. The docs are exactly the slice [start, start+len) of
// the reserved id range, so the persisted record count always agrees
// with the reservation.
type uploadTask struct {
	cid      types.CollectionID
	docs     []types.VectorDocument
	lsnRange types.LSNRange
}

// InsertBatch runs the write path: validate, reserve contiguous doc
// ids with one atomic fetch-add, append to the WAL, sync it durable,
// apply to the in-memory and metadata indexes, persist rows, enqueue
// the async segment upload, and invalidate affected cache entries.
// Returns the assigned doc ids in input order.
func (d *Database) InsertBatch(ctx context.Context, cid types.CollectionID, docs []InsertDoc) ([]types.DocID, error) {
	if len(docs) == 0 {
		return nil, errs.E(errs.Validation, "db.insert", "batch must not be empty")
	}

	col, err := d.resolve(cid)
	if err != nil {
		return nil, err
	}
	desc := col.desc

	for i, doc := range docs {
		if len(doc.Vector) != desc.Dimension {
			return nil, errs.Ef(errs.DimensionMismatch, "db.insert",
				"doc %d has dimension %d, expected %d", i, len(doc.Vector), desc.Dimension)
		}
	}

	// Writes land on the hot tier; promote first if needed.
	if err := d.ensureHot(ctx, col); err != nil {
		return nil, err
	}

	if desc.MaxDocCount > 0 {
		col.mu.RLock()
		current := 0
		if col.index != nil {
			current = col.index.Count()
		}
		col.mu.RUnlock()
		if uint64(current)+uint64(len(docs)) > desc.MaxDocCount {
			return nil, errs.Ef(errs.QuotaExceeded, "db.insert",
				"collection %s would exceed max doc count %d", cid, desc.MaxDocCount)
		}
	}

	// One atomic reservation for the whole batch: ids are contiguous
	// and disjoint from every concurrent batch.
	start := col.reserveDocIDs(uint32(len(docs)))

	now := time.Now().UTC()
	assigned := make([]types.DocID, len(docs))
	vdocs := make([]types.VectorDocument, len(docs))
	for i, doc := range docs {
		id := start + types.DocID(i)
		assigned[i] = id
		vdocs[i] = types.VectorDocument{
			DocID:      id,
			ExternalID: doc.ExternalID,
			Vector:     doc.Vector,
			Metadata:   doc.Metadata,
			InsertedAt: now,
		}
	}

	// WAL first: the log is the source of truth for crash recovery.
	var firstLSN, lastLSN uint64
	for _, doc := range vdocs {
		rec := wal.Insert(cid, doc.ExternalID, doc.Vector, doc.Metadata)
		rec.DocID = doc.DocID
		lsn, err := d.wal.Append(ctx, desc.WALStreamID, rec)
		if err != nil {
			return nil, err
		}
		if firstLSN == 0 {
			firstLSN = lsn
		}
		lastLSN = lsn
	}
	if err := d.retryer.Do(ctx, "wal.sync", func(ctx context.Context) error {
		return d.wal.Sync(ctx, desc.WALStreamID)
	}); err != nil {
		return nil, err
	}

	col.mu.Lock()
	err = col.index.InsertBatch(vdocs)
	col.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, doc := range vdocs {
		if err := d.metaIdx.InsertMetadata(cid, doc.DocID, doc.Metadata); err != nil {
			return nil, err
		}
	}

	rows := make([]*store.VectorRow, len(vdocs))
	for i, doc := range vdocs {
		rows[i] = &store.VectorRow{
			CollectionID: cid,
			DocID:        doc.DocID,
			Vector:       store.PackVector(doc.Vector),
			ExternalID:   doc.ExternalID,
			Metadata:     marshalMetadata(doc.Metadata),
			InsertedAt:   doc.InsertedAt,
			UpdatedAt:    doc.InsertedAt,
		}
	}
	if err := d.rows.PutVectors(rows); err != nil {
		return nil, err
	}

	d.enqueueUpload(uploadTask{
		cid:      cid,
		docs:     vdocs,
		lsnRange: types.LSNRange{From: firstLSN, To: lastLSN},
	})

	d.cache.InvalidateDocs(cid, assigned)
	d.tiers.RecordAccess(cid)
	d.maybeUpgradeIndex(col)

	return assigned, nil
}

// Delete removes a document: WAL append, index tombstone, metadata
// cleanup, row delete, targeted cache invalidation.
func (d *Database) Delete(ctx context.Context, cid types.CollectionID, docID types.DocID) error {
	col, err := d.resolve(cid)
	if err != nil {
		return err
	}
	if err := d.ensureHot(ctx, col); err != nil {
		return err
	}

	if _, err := d.wal.Append(ctx, col.desc.WALStreamID, wal.Delete(cid, docID)); err != nil {
		return err
	}
	if err := d.retryer.Do(ctx, "wal.sync", func(ctx context.Context) error {
		return d.wal.Sync(ctx, col.desc.WALStreamID)
	}); err != nil {
		return err
	}

	col.mu.Lock()
	err = col.index.Delete(docID)
	col.mu.Unlock()
	if err != nil {
		return err
	}

	d.metaIdx.RemoveMetadata(cid, docID)
	if err := d.rows.DeleteVector(cid, docID); err != nil && !errs.IsNotFound(err) {
		return err
	}

	d.cache.InvalidateDocs(cid, []types.DocID{docID})
	d.tiers.RecordAccess(cid)
	d.maybeUpgradeIndex(col)
	return nil
}

// SyncWAL forces the collection's WAL buffer to durable storage.
func (d *Database) SyncWAL(ctx context.Context, cid types.CollectionID) error {
	col, err := d.resolve(cid)
	if err != nil {
		return err
	}
	return d.wal.Sync(ctx, col.desc.WALStreamID)
}

// ensureHot promotes a warm or cold collection into RAM so a write can
// apply to its index.
func (d *Database) ensureHot(ctx context.Context, col *Collection) error {
	col.mu.RLock()
	hot := col.index != nil
	col.mu.RUnlock()
	if hot {
		return nil
	}
	return d.tiers.ForcePromoteHot(ctx, col.desc.CollectionID)
}

func marshalMetadata(md map[string]any) []byte {
	if md == nil {
		return nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil
	}
	return data
}

// enqueueUpload submits a task to the bounded upload queue. A full
// queue blocks the caller — backpressure instead of unbounded memory —
// unless the engine is shutting down.
func (d *Database) enqueueUpload(task uploadTask) {
	select {
	case d.uploadCh <- task:
	case <-d.stopCh:
	}
}

// uploadWorker drains the upload queue: each task encodes its batch as
// a columnar segment, uploads it under the circuit breaker and retry
// policy, commits the segment into the manifest, and appends a WAL
// checkpoint. Exhausted retries park every doc of the batch to the
// DLQ.
func (d *Database) uploadWorker() {
	defer d.wg.Done()

	for {
		select {
		case task := <-d.uploadCh:
			d.processUpload(task)
		case <-d.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-d.uploadCh:
					d.processUpload(task)
				default:
					return
				}
			}
		}
	}
}

func (d *Database) processUpload(task uploadTask) {
	ctx := context.Background()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SegmentUploadDuration)

	col, err := d.resolve(task.cid)
	if err != nil {
		return // collection dropped while the task was queued
	}
	desc := col.desc

	enc := segment.NewEncoder(segment.DefaultOptions())
	data, err := enc.Encode(task.docs, desc.Dimension)
	if err != nil {
		d.parkToDLQ(task, err)
		return
	}

	sid := types.NewSegmentID()
	key := manifest.SegmentKey(task.cid, sid)

	err = d.retryer.Do(ctx, "segment.upload", func(ctx context.Context) error {
		return d.obj.Put(ctx, key, data)
	})
	if err != nil {
		d.parkToDLQ(task, err)
		return
	}

	seg := types.SegmentDescriptor{
		SegmentID:   sid,
		Collection:  task.cid,
		RecordCount: uint64(len(task.docs)),
		VectorDim:   desc.Dimension,
		LSNRange:    task.lsnRange,
		Compression: segment.CompressionSnappy.String(),
		CreatedAt:   time.Now().UTC(),
		State:       types.SegmentActive,
	}
	if _, err := d.manifests.AppendSegment(ctx, task.cid, seg); err != nil {
		d.parkToDLQ(task, err)
		return
	}

	// Checkpoint: records up to the segment's LSN range are subsumed.
	if _, err := d.wal.Append(ctx, desc.WALStreamID, wal.Checkpoint(task.cid, sid)); err == nil {
		if err := d.wal.Sync(ctx, desc.WALStreamID); err != nil {
			d.logger.Warn().Err(err).Str("collection_id", task.cid.String()).
				Msg("Checkpoint sync failed")
		}
	}

	d.logger.Debug().
		Str("collection_id", task.cid.String()).
		Str("segment_id", sid.String()).
		Int("records", len(task.docs)).
		Msg("Segment sealed")

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:       events.SegmentSealed,
			Collection: task.cid,
			Stream:     desc.WALStreamID,
			Segment:    sid,
			Docs:       len(task.docs),
			LSN:        task.lsnRange.To,
		})
	}
}

func (d *Database) parkToDLQ(task uploadTask, cause error) {
	for _, doc := range task.docs {
		payload := store.PackVector(doc.Vector)
		d.dlq.Add(task.cid, doc.DocID, cause.Error(), d.cfg.Storage.Retry.MaxAttempts, payload)
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:       events.DLQParked,
			Collection: task.cid,
			Docs:       len(task.docs),
			Reason:     cause.Error(),
		})
	}
	d.logger.Error().
		Err(cause).
		Str("collection_id", task.cid.String()).
		Int("docs", len(task.docs)).
		Msg("Segment upload exhausted retries, batch parked to DLQ")
}
