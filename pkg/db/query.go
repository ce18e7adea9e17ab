package db

import (
	"context"
	"time"

	"github.com/stratadb/strata/pkg/engine"
	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/filter"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/querycache"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/vectorindex"
)

// SearchRequest is a single k-NN query.
type SearchRequest struct {
	TenantID  types.TenantID
	Vector    []float32
	TopK      int
	Filter    []byte // raw filter DSL document, nil when unfiltered
	TimeoutMs uint64
}

// Search answers a single query: cache probe, filter evaluation,
// selectivity-aware index search, payload hydration, cache fill. Every
// call — hit or miss — records a tier access.
func (d *Database) Search(ctx context.Context, cid types.CollectionID, req SearchRequest) ([]types.ScoredPoint, error) {
	col, err := d.resolve(cid)
	if err != nil {
		return nil, err
	}
	desc := col.desc

	if req.TopK < d.cfg.API.Validation.TopKMin || req.TopK > d.cfg.API.Validation.TopKMax {
		return nil, errs.Ef(errs.Validation, "db.search",
			"top_k %d outside [%d, %d]", req.TopK, d.cfg.API.Validation.TopKMin, d.cfg.API.Validation.TopKMax)
	}
	if len(req.Vector) != desc.Dimension {
		return nil, errs.Ef(errs.DimensionMismatch, "db.search",
			"query dimension %d, expected %d", len(req.Vector), desc.Dimension)
	}

	key := querycache.Key{
		TenantID:   req.TenantID,
		Collection: cid,
		Vector:     req.Vector,
		K:          req.TopK,
		FilterJSON: req.Filter,
	}.Fingerprint()

	if cached, ok := d.cache.Get(key); ok {
		d.tiers.RecordAccess(cid)
		return cached.Neighbors, nil
	}

	// A cold collection promotes to warm on first read; the request
	// then proceeds against the warm data.
	if err := d.tiers.EnsureReadable(ctx, cid); err != nil {
		return nil, err
	}

	index, release, err := d.queryIndex(ctx, col)
	if err != nil {
		return nil, err
	}
	defer release()

	var opts vectorindex.SearchOptions
	if len(req.Filter) > 0 {
		node, err := filter.Parse(req.Filter, filter.Limits{
			MaxDepth:   d.cfg.Query.MaxFilterDepth,
			MaxClauses: d.cfg.Query.MaxFilterClauses,
		})
		if err != nil {
			return nil, err
		}
		bitmap, err := filter.Evaluate(node, d.metaIdx, cid)
		if err != nil {
			return nil, err
		}
		if bitmap.IsEmpty() {
			d.tiers.RecordAccess(cid)
			return []types.ScoredPoint{}, nil
		}
		opts.Filter = bitmap
	}

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	neighbors, err := index.Search(ctx, req.Vector, req.TopK, opts)
	if err != nil {
		return nil, err
	}
	if neighbors == nil {
		neighbors = []types.ScoredPoint{}
	}
	latency := time.Since(start)
	metrics.SearchLatency.WithLabelValues("single").Observe(latency.Seconds())

	d.cache.Set(cid, key, querycache.Result{
		Neighbors: neighbors,
		CachedAt:  time.Now().UTC(),
		LatencyMs: float64(latency.Microseconds()) / 1000.0,
	})
	d.tiers.RecordAccess(cid)

	return neighbors, nil
}

// BatchSearch fans a batch request across concurrent tasks via the
// execution engine. Results preserve the caller's order.
func (d *Database) BatchSearch(ctx context.Context, cid types.CollectionID, req engine.BatchRequest) (engine.BatchResponse, error) {
	col, err := d.resolve(cid)
	if err != nil {
		return engine.BatchResponse{}, err
	}

	v := d.cfg.API.Validation
	for _, q := range req.Queries {
		if int(q.TopK) < v.TopKMin || int(q.TopK) > v.TopKMax {
			return engine.BatchResponse{}, errs.Ef(errs.Validation, "db.batch_search",
				"query %s: top_k %d outside [%d, %d]", q.ID, q.TopK, v.TopKMin, v.TopKMax)
		}
		if len(q.Vector) != col.desc.Dimension {
			return engine.BatchResponse{}, errs.Ef(errs.DimensionMismatch, "db.batch_search",
				"query %s: dimension %d, expected %d", q.ID, len(q.Vector), col.desc.Dimension)
		}
	}

	if err := d.tiers.EnsureReadable(ctx, cid); err != nil {
		return engine.BatchResponse{}, err
	}
	index, release, err := d.queryIndex(ctx, col)
	if err != nil {
		return engine.BatchResponse{}, err
	}
	defer release()

	resp, err := d.batch.Execute(ctx, index, cid, req)
	if err != nil {
		return engine.BatchResponse{}, err
	}
	d.tiers.RecordAccess(cid)
	return resp, nil
}

// queryIndex returns the collection's live index, or an ephemeral
// brute-force index decoded from the warm file when the collection is
// not Hot. The warm read counts toward the promotion window, so a busy
// warm collection is rebuilt into RAM by the tier worker.
func (d *Database) queryIndex(ctx context.Context, col *Collection) (vectorindex.Index, func(), error) {
	col.mu.RLock()
	if col.index != nil {
		index := col.index
		return index, func() { col.mu.RUnlock() }, nil
	}
	col.mu.RUnlock()

	cid := col.desc.CollectionID
	docs, err := d.tiers.LoadWarmDocuments(ctx, cid)
	if err != nil {
		return nil, nil, err
	}

	ephemeral := vectorindex.NewBruteForce(col.desc.Dimension, col.desc.Metric)
	if err := ephemeral.InsertBatch(docs); err != nil {
		return nil, nil, err
	}

	// Warm queries evaluate filters against the metadata index too;
	// make sure the docs are present there for the duration.
	for _, doc := range docs {
		if err := d.metaIdx.InsertMetadata(cid, doc.DocID, doc.Metadata); err != nil {
			return nil, nil, err
		}
	}

	return ephemeral, func() {}, nil
}
