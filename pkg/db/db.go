package db

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/breaker"
	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/engine"
	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/events"
	"github.com/stratadb/strata/pkg/filter"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/manifest"
	"github.com/stratadb/strata/pkg/metaindex"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/querycache"
	"github.com/stratadb/strata/pkg/store"
	"github.com/stratadb/strata/pkg/tier"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/vectorindex"
	"github.com/stratadb/strata/pkg/wal"
)

// Deps bundles the constructed subsystems a Database runs on.
type Deps struct {
	Config    *config.Config
	Objects   objstore.Store
	WAL       *wal.WAL
	Manifests *manifest.Store
	Rows      store.Store
	Cache     *querycache.Cache
	DLQ       *breaker.DLQ
	Retryer   *breaker.Retryer
	Bus       *events.Bus
}

// Database is the collection registry and the façade over the write
// and query paths. It also implements tier.Host so the tier manager
// can extract, drop, and rebuild in-memory indexes.
type Database struct {
	cfg       *config.Config
	obj       objstore.Store
	wal       *wal.WAL
	manifests *manifest.Store
	rows      store.Store
	metaIdx   *metaindex.Index
	cache     *querycache.Cache
	dlq       *breaker.DLQ
	retryer   *breaker.Retryer
	bus       *events.Bus
	tiers     *tier.Manager
	batch     *engine.BatchExecutor
	logger    zerolog.Logger

	mu          sync.RWMutex
	collections map[types.CollectionID]*Collection
	byName      map[string]types.CollectionID

	uploadCh chan uploadTask
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New assembles a Database. Call Start to launch the background
// workers and Close to stop them.
func New(deps Deps) *Database {
	d := &Database{
		cfg:         deps.Config,
		obj:         deps.Objects,
		wal:         deps.WAL,
		manifests:   deps.Manifests,
		rows:        deps.Rows,
		metaIdx:     metaindex.New(),
		cache:       deps.Cache,
		dlq:         deps.DLQ,
		retryer:     deps.Retryer,
		bus:         deps.Bus,
		logger:      log.WithComponent("db"),
		collections: make(map[types.CollectionID]*Collection),
		byName:      make(map[string]types.CollectionID),
		uploadCh:    make(chan uploadTask, deps.Config.Storage.UploadQueueLen),
		stopCh:      make(chan struct{}),
	}
	d.tiers = tier.NewManager(deps.Config.Tiering, deps.Rows, deps.Objects, d, deps.Bus)
	d.batch = engine.NewBatchExecutor(d.metaIdx, filter.Limits{
		MaxDepth:   deps.Config.Query.MaxFilterDepth,
		MaxClauses: deps.Config.Query.MaxFilterClauses,
	}, deps.Config.API.Validation.BatchSizeMax)
	return d
}

// Tiers exposes the tier manager for manual pin/promote operations.
func (d *Database) Tiers() *tier.Manager { return d.tiers }

// Manifests exposes the manifest store (used by bootstrap).
func (d *Database) Manifests() *manifest.Store { return d.manifests }

// WAL exposes the write-ahead log (used by bootstrap).
func (d *Database) WAL() *wal.WAL { return d.wal }

// Objects exposes the object store (used by bootstrap).
func (d *Database) Objects() objstore.Store { return d.obj }

// Rows exposes the persisted row store (used by bootstrap).
func (d *Database) Rows() store.Store { return d.rows }

// Retryer exposes the storage retry loop (used by bootstrap).
func (d *Database) Retryer() *breaker.Retryer { return d.retryer }

// MetaIndex exposes the metadata index (used by bootstrap).
func (d *Database) MetaIndex() *metaindex.Index { return d.metaIdx }

// Start launches the upload worker, the tier worker, and the DLQ
// cleanup-and-persist loop.
func (d *Database) Start() {
	d.wg.Add(1)
	go d.uploadWorker()
	d.tiers.Start()
	if d.dlq != nil {
		d.dlq.Start()
	}
}

// Close drains the workers.
func (d *Database) Close() {
	close(d.stopCh)
	d.wg.Wait()
	d.tiers.Stop()
	if d.dlq != nil {
		d.dlq.Stop()
	}
}

// resolve finds a live collection by id.
func (d *Database) resolve(cid types.CollectionID) (*Collection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	col, ok := d.collections[cid]
	if !ok || col.isDeleted() {
		return nil, errs.Ef(errs.NotFound, "db", "collection %s not found", cid)
	}
	return col, nil
}

// ResolveName finds a live collection id by name.
func (d *Database) ResolveName(name string) (types.CollectionID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cid, ok := d.byName[name]
	if !ok {
		return "", errs.Ef(errs.NotFound, "db", "collection %q not found", name)
	}
	if col, ok := d.collections[cid]; !ok || col.isDeleted() {
		return "", errs.Ef(errs.NotFound, "db", "collection %q not found", name)
	}
	return cid, nil
}

// Collections lists the live collection descriptors.
func (d *Database) Collections() []*types.CollectionDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.CollectionDescriptor, 0, len(d.collections))
	for _, col := range d.collections {
		if !col.isDeleted() {
			out = append(out, col.desc)
		}
	}
	return out
}

// ExtractDocuments implements tier.Host.
func (d *Database) ExtractDocuments(cid types.CollectionID) ([]types.VectorDocument, int, error) {
	col, err := d.resolve(cid)
	if err != nil {
		return nil, 0, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()
	if col.index == nil {
		return nil, col.desc.Dimension, nil
	}
	return col.index.ExtractForPersistence(), col.desc.Dimension, nil
}

// DropIndex implements tier.Host: the collection leaves RAM.
func (d *Database) DropIndex(cid types.CollectionID) {
	col, err := d.resolve(cid)
	if err != nil {
		return
	}
	col.mu.Lock()
	col.index = nil
	col.mu.Unlock()
	d.metaIdx.RemoveCollection(cid)
	d.cache.InvalidateCollection(cid)
}

// RebuildIndex implements tier.Host: decoded documents come back into
// an in-memory index (and the metadata index) in doc-id order.
func (d *Database) RebuildIndex(cid types.CollectionID, docs []types.VectorDocument) error {
	col, err := d.resolve(cid)
	if err != nil {
		return err
	}

	index := d.newIndexFor(col.desc, len(docs))
	if err := buildIndex(index, docs); err != nil {
		return err
	}

	col.mu.Lock()
	col.index = index
	col.mu.Unlock()

	for _, doc := range docs {
		if err := d.metaIdx.InsertMetadata(cid, doc.DocID, doc.Metadata); err != nil {
			return err
		}
		col.bumpNextDocID(doc.DocID)
	}
	return nil
}

// newIndexFor picks brute force below the configured ceiling and the
// graph index above it.
func (d *Database) newIndexFor(desc *types.CollectionDescriptor, expected int) vectorindex.Index {
	if expected < d.cfg.Index.Native.MaxVectors {
		return vectorindex.NewBruteForce(desc.Dimension, desc.Metric)
	}
	params := desc.GraphParams
	if params.M == 0 {
		params = types.GraphParams{
			M:              d.cfg.Index.HNSW.M,
			EfConstruction: d.cfg.Index.HNSW.EfConstruction,
			EfSearch:       d.cfg.Index.HNSW.EfSearch,
		}
	}
	return vectorindex.NewGraph(desc.Dimension, desc.Metric, params)
}

func buildIndex(index vectorindex.Index, docs []types.VectorDocument) error {
	if graph, ok := index.(*vectorindex.Graph); ok {
		return graph.Build(docs)
	}
	return index.InsertBatch(docs)
}

// maybeUpgradeIndex swaps a brute-force index for the graph once the
// collection crosses the ceiling, and rebuilds a hot graph whose
// tombstone density passed the rebuild threshold.
func (d *Database) maybeUpgradeIndex(col *Collection) {
	col.mu.Lock()
	defer col.mu.Unlock()

	if col.index == nil {
		return
	}

	switch index := col.index.(type) {
	case *vectorindex.BruteForce:
		if index.Count() >= d.cfg.Index.Native.MaxVectors {
			docs := index.ExtractForPersistence()
			graph := d.newIndexFor(col.desc, len(docs))
			if err := buildIndex(graph, docs); err != nil {
				d.logger.Error().Err(err).Str("collection_id", col.desc.CollectionID.String()).
					Msg("Index upgrade failed")
				return
			}
			col.index = graph
			d.logger.Info().
				Str("collection_id", col.desc.CollectionID.String()).
				Int("vectors", len(docs)).
				Msg("Upgraded to graph index")
		}
	case *vectorindex.Graph:
		if index.NeedsRebuild() {
			if err := index.Rebuild(); err != nil {
				d.logger.Error().Err(err).Str("collection_id", col.desc.CollectionID.String()).
					Msg("Graph rebuild failed")
				return
			}
			if d.bus != nil {
				d.bus.Publish(events.Event{
					Type:       events.IndexRebuilt,
					Collection: col.desc.CollectionID,
				})
			}
		}
	}
}
