package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/events"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/vectorindex"
)

// Collection is the in-process runtime of one collection: its
// descriptor, the in-memory vector index (nil when not Hot), and the
// monotonic doc-id counter. The index has one writer at a time, many
// readers; a batch holds the writer lock once.
type Collection struct {
	desc *types.CollectionDescriptor

	mu    sync.RWMutex
	index vectorindex.Index

	nextDocID atomic.Uint32
	deleted   atomic.Bool
}

func (c *Collection) isDeleted() bool { return c.deleted.Load() }

// reserveDocIDs reserves n contiguous doc ids with a single atomic
// fetch-add and returns the first. Concurrent batches therefore get
// disjoint ranges and no id is ever reused.
func (c *Collection) reserveDocIDs(n uint32) types.DocID {
	return c.nextDocID.Add(n) - n
}

// bumpNextDocID raises the counter above an observed id, used while
// rebuilding state from persisted documents.
func (c *Collection) bumpNextDocID(observed types.DocID) {
	for {
		current := c.nextDocID.Load()
		if observed+1 <= current {
			return
		}
		if c.nextDocID.CompareAndSwap(current, observed+1) {
			return
		}
	}
}

// NextDocID returns the id the next reservation would start at.
func (c *Collection) NextDocID() types.DocID {
	return c.nextDocID.Load()
}

// Descriptor returns the immutable collection descriptor.
func (c *Collection) Descriptor() *types.CollectionDescriptor {
	return c.desc
}

// CreateParams are the caller-supplied fields of a new collection.
type CreateParams struct {
	Name           string
	DatabaseID     types.DatabaseID
	TenantID       types.TenantID
	Dimension      int
	Metric         types.DistanceMetric
	EmbeddingModel string
	GraphParams    types.GraphParams
	MaxDocCount    uint64
}

// CreateCollection validates the parameters, enforces tenant quota,
// and creates the descriptor, the empty manifest, the WAL stream, and
// the Hot tier state atomically from the caller's perspective.
func (d *Database) CreateCollection(ctx context.Context, params CreateParams) (*types.CollectionDescriptor, error) {
	v := d.cfg.API.Validation
	if params.Name == "" {
		return nil, errs.E(errs.Validation, "db.create_collection", "collection name is required")
	}
	if len(params.Name) > v.CollectionNameMaxLength {
		return nil, errs.Ef(errs.Validation, "db.create_collection",
			"collection name exceeds %d characters", v.CollectionNameMaxLength)
	}
	if params.Dimension < v.VectorDimensionMin || params.Dimension > v.VectorDimensionMax {
		return nil, errs.Ef(errs.Validation, "db.create_collection",
			"dimension %d outside [%d, %d]", params.Dimension, v.VectorDimensionMin, v.VectorDimensionMax)
	}
	if !params.Metric.Valid() {
		return nil, errs.Ef(errs.Validation, "db.create_collection", "unknown metric %q", params.Metric)
	}

	d.mu.RLock()
	_, nameTaken := d.byName[params.Name]
	d.mu.RUnlock()
	if nameTaken {
		return nil, errs.Ef(errs.AlreadyExists, "db.create_collection",
			"collection %q already exists", params.Name)
	}

	if params.TenantID != "" {
		if err := d.checkTenantQuota(params.TenantID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	desc := &types.CollectionDescriptor{
		CollectionID:   types.NewCollectionID(),
		DatabaseID:     params.DatabaseID,
		Name:           params.Name,
		Dimension:      params.Dimension,
		Metric:         params.Metric,
		EmbeddingModel: params.EmbeddingModel,
		GraphParams:    params.GraphParams,
		MaxDocCount:    params.MaxDocCount,
		WALStreamID:    types.NewStreamID(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := d.rows.CreateCollection(desc); err != nil {
		return nil, err
	}
	if err := d.manifests.SaveDescriptor(ctx, desc); err != nil {
		return nil, err
	}
	if err := d.manifests.Create(ctx, &types.CollectionManifest{
		Collection: desc.CollectionID,
		Dimension:  desc.Dimension,
		Metric:     desc.Metric,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	if err := d.wal.OpenStream(ctx, desc.WALStreamID); err != nil {
		return nil, err
	}
	if err := d.tiers.Init(desc.CollectionID); err != nil {
		return nil, err
	}

	col := &Collection{desc: desc}
	col.index = d.newIndexFor(desc, 0)

	d.mu.Lock()
	d.collections[desc.CollectionID] = col
	d.byName[desc.Name] = desc.CollectionID
	d.mu.Unlock()

	d.logger.Info().
		Str("collection_id", desc.CollectionID.String()).
		Str("name", desc.Name).
		Int("dimension", desc.Dimension).
		Str("metric", string(desc.Metric)).
		Msg("Collection created")

	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:       events.CollectionCreated,
			Collection: desc.CollectionID,
			Stream:     desc.WALStreamID,
		})
	}
	return desc, nil
}

func (d *Database) checkTenantQuota(tid types.TenantID) error {
	tenant, err := d.rows.GetTenant(tid)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil // tenants are optional; absent tenant means no quota
		}
		return err
	}
	if tenant.MaxCollections <= 0 {
		return nil
	}

	descs, err := d.rows.ListCollections()
	if err != nil {
		return err
	}
	if len(descs) >= tenant.MaxCollections {
		return errs.Ef(errs.QuotaExceeded, "db.create_collection",
			"tenant %s reached the limit of %d collections", tid, tenant.MaxCollections)
	}
	return nil
}

// DropCollection soft-deletes a collection: it disappears from lookups
// immediately and its tier-state row is deleted; the other persisted
// artifacts (rows, manifest, segments, WAL) are left in place.
func (d *Database) DropCollection(ctx context.Context, cid types.CollectionID) error {
	col, err := d.resolve(cid)
	if err != nil {
		return err
	}
	col.deleted.Store(true)

	col.mu.Lock()
	col.index = nil
	col.mu.Unlock()

	d.metaIdx.RemoveCollection(cid)
	d.cache.InvalidateCollection(cid)
	if err := d.tiers.Forget(cid); err != nil && !errs.IsNotFound(err) {
		d.logger.Warn().Err(err).Str("collection_id", cid.String()).Msg("Failed to drop tier state")
	}

	d.logger.Info().Str("collection_id", cid.String()).Msg("Collection dropped")
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:       events.CollectionDropped,
			Collection: cid,
		})
	}
	return nil
}

// registerCollection installs a runtime for an existing collection
// (used by bootstrap).
func (d *Database) registerCollection(desc *types.CollectionDescriptor, index vectorindex.Index, nextDocID types.DocID) *Collection {
	col := &Collection{desc: desc}
	col.index = index
	col.nextDocID.Store(nextDocID)

	d.mu.Lock()
	d.collections[desc.CollectionID] = col
	d.byName[desc.Name] = desc.CollectionID
	d.mu.Unlock()
	return col
}

// RestoreCollection installs a Hot collection rebuilt from persisted
// segments and WAL replay: the documents go into a fresh index of the
// appropriate kind and into the metadata index, in doc-id order.
func (d *Database) RestoreCollection(desc *types.CollectionDescriptor, docs []types.VectorDocument, nextDocID types.DocID) error {
	index := d.newIndexFor(desc, len(docs))
	if len(docs) > 0 {
		if err := buildIndex(index, docs); err != nil {
			return err
		}
	}
	col := d.registerCollection(desc, index, nextDocID)

	for _, doc := range docs {
		if err := d.metaIdx.InsertMetadata(desc.CollectionID, doc.DocID, doc.Metadata); err != nil {
			return err
		}
		col.bumpNextDocID(doc.DocID)
	}
	return nil
}

// RegisterIdle installs the runtime of a Warm or Cold collection: no
// in-memory index until the tier manager promotes it.
func (d *Database) RegisterIdle(desc *types.CollectionDescriptor, nextDocID types.DocID) {
	d.registerCollection(desc, nil, nextDocID)
}

// Collection returns the runtime for a collection id.
func (d *Database) Collection(cid types.CollectionID) (*Collection, error) {
	return d.resolve(cid)
}
