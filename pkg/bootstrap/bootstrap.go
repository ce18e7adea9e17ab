package bootstrap

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/stratadb/strata/pkg/breaker"
	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/db"
	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/events"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/manifest"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/querycache"
	"github.com/stratadb/strata/pkg/segment"
	"github.com/stratadb/strata/pkg/store"
	"github.com/stratadb/strata/pkg/tier"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/wal"
)

// Stats summarizes a bootstrap pass.
type Stats struct {
	Collections     int
	HotCollections  int
	SegmentsLoaded  int
	ReplayedRecords int
	Quarantined     int
}

// Open constructs every subsystem from configuration, drains persisted
// state (DLQ, manifests, WAL), and returns a ready Database. Callers
// still invoke Start on the returned database.
func Open(ctx context.Context, cfg *config.Config) (*db.Database, Stats, error) {
	var obj objstore.Store
	var err error
	if cfg.S3 != nil {
		obj, err = objstore.NewS3(ctx, objstore.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
	} else {
		obj, err = objstore.NewLocal(filepath.Join(cfg.DataDir, "objects"))
	}
	if err != nil {
		return nil, Stats{}, err
	}

	rows, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, Stats{}, err
	}

	cb := breaker.New(cfg.Storage.CircuitBreaker)
	dlq := breaker.NewDLQ(cfg.Storage.DLQ, obj)
	if err := dlq.Load(ctx); err != nil {
		return nil, Stats{}, err
	}

	bus := events.NewBus()

	database := db.New(db.Deps{
		Config:    cfg,
		Objects:   obj,
		WAL:       wal.Open(obj),
		Manifests: manifest.NewStore(obj, cfg.Storage.ManifestRetry),
		Rows:      rows,
		Cache:     querycache.New(cfg.Cache),
		DLQ:       dlq,
		Retryer:   breaker.NewRetryer(cfg.Storage.Retry, cb),
		Bus:       bus,
	})

	stats, err := Restore(ctx, database)
	if err != nil {
		return nil, stats, err
	}
	return database, stats, nil
}

// Restore rebuilds the in-memory state of every persisted collection:
// it loads descriptor, manifest, and tier state, decodes the segments
// of Hot collections through the columnar codec in doc-id order,
// replays WAL records past the committed LSN, and recovers each
// collection's doc-id counter to max(observed)+1. Restore is
// idempotent: it only reads authoritative state, so a crashed or
// partial previous bootstrap simply re-runs.
func Restore(ctx context.Context, database *db.Database) (Stats, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BootstrapDuration)

	logger := log.WithComponent("bootstrap")
	var stats Stats

	manifests := database.Manifests()
	ids, err := manifests.List(ctx)
	if err != nil {
		return stats, err
	}

	for _, cid := range ids {
		if err := restoreCollection(ctx, database, cid, &stats); err != nil {
			return stats, err
		}
		stats.Collections++
	}

	logger.Info().
		Int("collections", stats.Collections).
		Int("hot", stats.HotCollections).
		Int("segments", stats.SegmentsLoaded).
		Int("replayed", stats.ReplayedRecords).
		Msg("Bootstrap complete")
	return stats, nil
}

func restoreCollection(ctx context.Context, database *db.Database, cid types.CollectionID, stats *Stats) error {
	logger := log.WithComponent("bootstrap", log.Collection(cid.String()))
	manifests := database.Manifests()

	desc, err := manifests.LoadDescriptor(ctx, cid)
	if err != nil {
		return err
	}
	m, err := manifests.Load(ctx, cid)
	if err != nil {
		return err
	}

	state, err := database.Rows().GetTierState(cid)
	if err != nil {
		if !errs.IsNotFound(err) {
			return err
		}
		// Tier row lost: a collection with a manifest defaults to Hot.
		state = &types.TierState{CollectionID: cid, Tier: types.TierHot}
		if err := database.Rows().PutTierState(state); err != nil {
			return err
		}
	}

	if err := database.WAL().OpenStream(ctx, desc.WALStreamID); err != nil {
		return err
	}

	if state.Tier != types.TierHot {
		// Warm and cold collections stay out of RAM; only the doc-id
		// counter needs recovering, from rows and the WAL tail.
		next, replayed, err := recoverCounter(ctx, database, desc, m)
		if err != nil {
			return err
		}
		stats.ReplayedRecords += replayed
		database.RegisterIdle(desc, next)
		return nil
	}

	// Hot: rebuild the full in-memory state. The persisted rows form
	// the base layer (they are written synchronously on every insert),
	// segments overlay them, and the WAL tail wins.
	byID := make(map[types.DocID]types.VectorDocument)

	rows, err := database.Rows().ListVectors(cid)
	if err != nil {
		return err
	}
	for _, row := range rows {
		doc := types.VectorDocument{
			DocID:      row.DocID,
			ExternalID: row.ExternalID,
			Vector:     store.UnpackVector(row.Vector),
			InsertedAt: row.InsertedAt,
		}
		if len(row.Metadata) > 0 {
			var md map[string]any
			if err := json.Unmarshal(row.Metadata, &md); err == nil {
				doc.Metadata = md
			}
		}
		byID[doc.DocID] = doc
	}

	for _, seg := range m.Segments {
		if seg.State == types.SegmentDead {
			continue
		}
		key := manifest.SegmentKey(cid, seg.SegmentID)

		var data []byte
		err := database.Retryer().Do(ctx, "bootstrap.segment", func(ctx context.Context) error {
			var err error
			data, err = database.Objects().Get(ctx, key)
			return err
		})
		if err != nil {
			return err
		}

		docs, err := segment.Decode(data)
		if err != nil {
			if errs.IsCorruption(err) {
				logger.Warn().
					Str("segment_id", seg.SegmentID.String()).
					Msg("Corrupt segment quarantined")
				if _, qerr := manifests.QuarantineSegment(ctx, cid, seg.SegmentID); qerr != nil {
					logger.Error().Err(qerr).Msg("Failed to quarantine segment")
				}
				stats.Quarantined++

				// Prefer a snapshot over a corrupt segment.
				if restored, ok := snapshotDocs(ctx, database, cid, m); ok {
					for _, doc := range restored {
						byID[doc.DocID] = doc
					}
				}
				continue
			}
			return err
		}
		for _, doc := range docs {
			byID[doc.DocID] = doc
		}
		stats.SegmentsLoaded++
	}

	// Replay WAL records past the committed LSN exactly once.
	replay, err := database.WAL().Replay(ctx, desc.WALStreamID, m.CommittedLSN+1, func(rec wal.Record) error {
		switch rec.Type {
		case wal.RecordInsert:
			byID[rec.DocID] = types.VectorDocument{
				DocID:      rec.DocID,
				ExternalID: rec.PrimaryKey,
				Vector:     rec.Vector,
				Metadata:   rec.Payload,
			}
		case wal.RecordDelete:
			delete(byID, rec.DocID)
		case wal.RecordCheckpoint:
			// Covered records were already loaded from the segment.
		}
		return nil
	})
	if err != nil {
		return err
	}
	stats.ReplayedRecords += replay.Records
	metrics.WALRecordsReplayed.Add(float64(replay.Records))

	docs := make([]types.VectorDocument, 0, len(byID))
	var maxID types.DocID
	seen := false
	for id, doc := range byID {
		docs = append(docs, doc)
		if !seen || id > maxID {
			maxID = id
			seen = true
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	next := types.DocID(0)
	if seen {
		next = maxID + 1
	}

	if err := database.RestoreCollection(desc, docs, next); err != nil {
		return err
	}
	stats.HotCollections++

	logger.Debug().
		Int("docs", len(docs)).
		Uint32("next_doc_id", next).
		Msg("Collection restored")
	return nil
}

// recoverCounter computes next_doc_id for a collection that stays out
// of RAM, from its persisted rows and the WAL tail.
func recoverCounter(ctx context.Context, database *db.Database, desc *types.CollectionDescriptor, m *types.CollectionManifest) (types.DocID, int, error) {
	var maxID types.DocID
	seen := false

	rows, err := database.Rows().ListVectors(desc.CollectionID)
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		if !seen || row.DocID > maxID {
			maxID = row.DocID
			seen = true
		}
	}

	replay, err := database.WAL().Replay(ctx, desc.WALStreamID, m.CommittedLSN+1, func(rec wal.Record) error {
		if rec.Type == wal.RecordInsert {
			if !seen || rec.DocID > maxID {
				maxID = rec.DocID
				seen = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if !seen {
		return 0, replay.Records, nil
	}
	return maxID + 1, replay.Records, nil
}

// snapshotDocs loads the collection's snapshot when the manifest
// references one; used when a segment fails checksum verification.
func snapshotDocs(ctx context.Context, database *db.Database, cid types.CollectionID, m *types.CollectionManifest) ([]types.VectorDocument, bool) {
	if m.Snapshot == nil {
		return nil, false
	}
	data, err := database.Objects().Get(ctx, tier.SnapshotKey(cid, m.Snapshot.SnapshotID))
	if err != nil {
		return nil, false
	}
	docs, err := segment.Decode(data)
	if err != nil {
		return nil, false
	}
	return docs, true
}
