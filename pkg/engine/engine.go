package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/filter"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/metaindex"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/vectorindex"
)

// DefaultMaxBatchSize caps the number of queries in one batch request.
const DefaultMaxBatchSize = 100

// AnnSearch is the physical plan node for a k-NN search against an
// index handle.
type AnnSearch struct {
	Index   vectorindex.Index
	Query   []float32
	K       int
	Options vectorindex.SearchOptions
}

// Execute runs the node.
func (n AnnSearch) Execute(ctx context.Context) ([]types.ScoredPoint, error) {
	return n.Index.Search(ctx, n.Query, n.K, n.Options)
}

// Node is one executable plan node.
type Node interface {
	Execute(ctx context.Context) ([]types.ScoredPoint, error)
}

// Plan is a physical plan; the root node produces the result.
type Plan struct {
	Root Node
}

// Execute runs a single-query plan.
func Execute(ctx context.Context, plan Plan) ([]types.ScoredPoint, error) {
	if plan.Root == nil {
		return nil, errs.E(errs.Validation, "engine.execute", "plan has no root node")
	}
	return plan.Root.Execute(ctx)
}

// SingleQuery is one entry of a batch request.
type SingleQuery struct {
	ID     string          `json:"id"`
	Vector []float32       `json:"vector"`
	TopK   uint16          `json:"top_k"`
	Filter json.RawMessage `json:"filter,omitempty"`
}

// BatchRequest runs up to the executor's batch cap (DefaultMaxBatchSize
// unless configured) of queries against one collection.
type BatchRequest struct {
	Collection types.CollectionID `json:"collection"`
	TimeoutMs  uint64             `json:"timeout_ms"`
	Queries    []SingleQuery      `json:"queries"`
}

// QueryResult is one entry of a batch response, in the caller's order.
type QueryResult struct {
	ID        string              `json:"id"`
	Neighbors []types.ScoredPoint `json:"neighbors"`
	LatencyMs float64             `json:"latency_ms"`
}

// BatchResponse preserves the input order of queries.
type BatchResponse struct {
	Collection types.CollectionID `json:"collection"`
	Results    []QueryResult      `json:"results"`
}

// BatchExecutor fans a batch of queries onto concurrent tasks. Each
// distinct filter in the batch is parsed and evaluated once; per-query
// deadlines propagate into the index search loop.
type BatchExecutor struct {
	metaIndex *metaindex.Index
	limits    filter.Limits
	maxBatch  int
	logger    zerolog.Logger
}

// NewBatchExecutor creates a batch executor over the metadata index.
func NewBatchExecutor(metaIndex *metaindex.Index, limits filter.Limits, maxBatch int) *BatchExecutor {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	return &BatchExecutor{
		metaIndex: metaIndex,
		limits:    limits,
		maxBatch:  maxBatch,
		logger:    log.WithComponent("engine"),
	}
}

// Execute runs the batch against the given index. Results preserve the
// caller's query order and carry per-query latency.
func (e *BatchExecutor) Execute(ctx context.Context, index vectorindex.Index, cid types.CollectionID, req BatchRequest) (BatchResponse, error) {
	if len(req.Queries) == 0 {
		return BatchResponse{}, errs.E(errs.Validation, "engine.batch", "batch must contain at least one query")
	}
	if len(req.Queries) > e.maxBatch {
		return BatchResponse{}, errs.Ef(errs.Validation, "engine.batch",
			"batch size %d exceeds maximum %d", len(req.Queries), e.maxBatch)
	}

	metrics.BatchQueriesTotal.Inc()

	// Parse and evaluate each distinct filter exactly once. The AST
	// cache is per request; the bitmap map keys on the same raw bytes.
	astCache := filter.NewCache(e.limits)
	bitmaps := make(map[string]*roaring.Bitmap, len(req.Queries))
	for _, q := range req.Queries {
		if len(q.Filter) == 0 {
			continue
		}
		key := string(q.Filter)
		if _, ok := bitmaps[key]; ok {
			continue
		}
		node, err := astCache.Parse(q.Filter)
		if err != nil {
			return BatchResponse{}, err
		}
		bitmap, err := filter.Evaluate(node, e.metaIndex, cid)
		if err != nil {
			return BatchResponse{}, err
		}
		bitmaps[key] = bitmap
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	results := make([]QueryResult, len(req.Queries))
	errors := make([]error, len(req.Queries))
	var wg sync.WaitGroup

	for i, q := range req.Queries {
		wg.Add(1)
		go func(i int, q SingleQuery) {
			defer wg.Done()
			results[i], errors[i] = e.executeSingle(ctx, index, q, bitmaps, timeout)
		}(i, q)
	}
	wg.Wait()

	for _, err := range errors {
		if err != nil {
			return BatchResponse{}, err
		}
	}

	return BatchResponse{Collection: req.Collection, Results: results}, nil
}

func (e *BatchExecutor) executeSingle(ctx context.Context, index vectorindex.Index, q SingleQuery, bitmaps map[string]*roaring.Bitmap, timeout time.Duration) (QueryResult, error) {
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var opts vectorindex.SearchOptions
	if len(q.Filter) > 0 {
		bitmap := bitmaps[string(q.Filter)]
		if bitmap.IsEmpty() {
			// Nothing can match; skip the index entirely.
			return QueryResult{ID: q.ID, Neighbors: []types.ScoredPoint{}, LatencyMs: msSince(start)}, nil
		}
		opts.Filter = bitmap
	}

	plan := Plan{Root: AnnSearch{Index: index, Query: q.Vector, K: int(q.TopK), Options: opts}}
	neighbors, err := Execute(ctx, plan)
	if err != nil {
		if ctx.Err() != nil && errs.KindOf(err) == errs.Cancelled {
			return QueryResult{}, errs.Wrapf(errs.Timeout, "engine.batch", err, "query %s exceeded deadline", q.ID)
		}
		return QueryResult{}, err
	}
	if neighbors == nil {
		neighbors = []types.ScoredPoint{}
	}

	return QueryResult{ID: q.ID, Neighbors: neighbors, LatencyMs: msSince(start)}, nil
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
