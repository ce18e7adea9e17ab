package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/breaker"
	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/engine"
	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/manifest"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/querycache"
	"github.com/stratadb/strata/pkg/store"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/wal"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Retry.InitialBackoffMs = 1
	cfg.Storage.Retry.MaxBackoffMs = 5
	cfg.Storage.ManifestRetry.InitialBackoffMs = 1
	cfg.Storage.ManifestRetry.MaxBackoffMs = 5
	return cfg
}

func newTestDatabase(t *testing.T) (*Database, objstore.Store) {
	t.Helper()
	cfg := testConfig()

	obj, err := objstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	rows, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { rows.Close() })

	cb := breaker.New(cfg.Storage.CircuitBreaker)
	d := New(Deps{
		Config:    cfg,
		Objects:   obj,
		WAL:       wal.Open(obj),
		Manifests: manifest.NewStore(obj, cfg.Storage.ManifestRetry),
		Rows:      rows,
		Cache:     querycache.New(cfg.Cache),
		DLQ:       breaker.NewDLQ(cfg.Storage.DLQ, obj),
		Retryer:   breaker.NewRetryer(cfg.Storage.Retry, cb),
		Bus:       nil,
	})
	d.Start()
	t.Cleanup(d.Close)
	return d, obj
}

func createTestCollection(t *testing.T, d *Database, dim int, metric types.DistanceMetric) types.CollectionID {
	t.Helper()
	desc, err := d.CreateCollection(context.Background(), CreateParams{
		Name:      fmt.Sprintf("col-%s", types.NewCollectionID()[:8]),
		Dimension: dim,
		Metric:    metric,
	})
	require.NoError(t, err)
	return desc.CollectionID
}

func vec(dim int, fill float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestMultiBatchIsolation(t *testing.T) {
	// Scenario: three tagged batches into a D=16 cosine collection.
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricCosine)

	batches := []struct {
		category string
		count    int
	}{{"A", 5}, {"B", 4}, {"C", 3}}

	for _, batch := range batches {
		docs := make([]InsertDoc, batch.count)
		for i := range docs {
			docs[i] = InsertDoc{
				ExternalID: fmt.Sprintf("%s-%d", batch.category, i),
				Vector:     vec(16, float32(i+1)),
				Metadata:   map[string]any{"category": batch.category},
			}
		}
		ids, err := d.InsertBatch(ctx, cid, docs)
		require.NoError(t, err)
		require.Len(t, ids, batch.count)
	}

	metaIdx := d.MetaIndex()
	a, err := metaIdx.FindTerm(cid, "category", "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), a.GetCardinality())

	b, err := metaIdx.FindTerm(cid, "category", "B")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), b.GetCardinality())

	c, err := metaIdx.FindTerm(cid, "category", "C")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.GetCardinality())

	col, err := d.Collection(cid)
	require.NoError(t, err)
	assert.Equal(t, types.DocID(12), col.NextDocID())
}

func TestBatchReservationsAreContiguous(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	docs := make([]InsertDoc, 7)
	for i := range docs {
		docs[i] = InsertDoc{Vector: vec(16, float32(i))}
	}
	ids, err := d.InsertBatch(ctx, cid, docs)
	require.NoError(t, err)

	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i], "batch ids must be contiguous")
	}
}

func TestConcurrentBatchesGetDisjointRanges(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	const writers = 8
	const perBatch = 10

	var wg sync.WaitGroup
	results := make([][]types.DocID, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			docs := make([]InsertDoc, perBatch)
			for i := range docs {
				docs[i] = InsertDoc{Vector: vec(16, float32(w*100+i))}
			}
			ids, err := d.InsertBatch(ctx, cid, docs)
			assert.NoError(t, err)
			results[w] = ids
		}(w)
	}
	wg.Wait()

	seen := make(map[types.DocID]bool)
	for _, ids := range results {
		require.Len(t, ids, perBatch)
		// Each batch contiguous.
		for i := 1; i < len(ids); i++ {
			assert.Equal(t, ids[i-1]+1, ids[i])
		}
		// No id reused across batches.
		for _, id := range ids {
			assert.False(t, seen[id], "doc id %d reused", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, writers*perBatch)

	col, err := d.Collection(cid)
	require.NoError(t, err)
	assert.Equal(t, types.DocID(writers*perBatch), col.NextDocID())
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	d, _ := newTestDatabase(t)
	cid := createTestCollection(t, d, 16, types.MetricL2)

	_, err := d.InsertBatch(context.Background(), cid, []InsertDoc{{Vector: vec(8, 1)}})
	require.Error(t, err)
	assert.Equal(t, errs.DimensionMismatch, errs.KindOf(err))
}

func TestMaxDocCountQuota(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()

	desc, err := d.CreateCollection(ctx, CreateParams{
		Name:        "bounded",
		Dimension:   16,
		Metric:      types.MetricL2,
		MaxDocCount: 3,
	})
	require.NoError(t, err)

	_, err = d.InsertBatch(ctx, desc.CollectionID, []InsertDoc{
		{Vector: vec(16, 1)}, {Vector: vec(16, 2)},
	})
	require.NoError(t, err)

	_, err = d.InsertBatch(ctx, desc.CollectionID, []InsertDoc{
		{Vector: vec(16, 3)}, {Vector: vec(16, 4)},
	})
	require.Error(t, err)
	assert.Equal(t, errs.QuotaExceeded, errs.KindOf(err))
}

func TestSearchReturnsNearest(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	docs := make([]InsertDoc, 10)
	for i := range docs {
		docs[i] = InsertDoc{
			ExternalID: fmt.Sprintf("doc-%d", i),
			Vector:     vec(16, float32(i)),
			Metadata:   map[string]any{"i": float64(i)},
		}
	}
	_, err := d.InsertBatch(ctx, cid, docs)
	require.NoError(t, err)

	results, err := d.Search(ctx, cid, SearchRequest{
		TenantID: "t1",
		Vector:   vec(16, 3),
		TopK:     3,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "doc-3", results[0].PrimaryKey)
	assert.Equal(t, float64(3), results[0].Payload["i"])
}

func TestSearchWithFilter(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	docs := make([]InsertDoc, 20)
	for i := range docs {
		tag := "odd"
		if i%2 == 0 {
			tag = "even"
		}
		docs[i] = InsertDoc{Vector: vec(16, float32(i)), Metadata: map[string]any{"parity": tag}}
	}
	ids, err := d.InsertBatch(ctx, cid, docs)
	require.NoError(t, err)

	results, err := d.Search(ctx, cid, SearchRequest{
		Vector: vec(16, 0),
		TopK:   5,
		Filter: []byte(`{"field": "parity", "match": "even"}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		// Even docs got even positions in this batch.
		idx := int(r.DocID - ids[0])
		assert.Equal(t, 0, idx%2)
	}
}

func TestSearchCacheHitAndInvalidation(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	_, err := d.InsertBatch(ctx, cid, []InsertDoc{
		{Vector: vec(16, 1)}, {Vector: vec(16, 2)},
	})
	require.NoError(t, err)

	req := SearchRequest{TenantID: "t", Vector: vec(16, 1), TopK: 2}

	r1, err := d.Search(ctx, cid, req)
	require.NoError(t, err)
	r2, err := d.Search(ctx, cid, req)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	stats := d.cache.Stats()
	assert.GreaterOrEqual(t, stats.Hits, uint64(1))

	// An insert invalidates only the cached entries whose results
	// contain one of the inserted ids. The new doc is in no cached
	// result, so the re-search is answered from the cache and still
	// returns the two cached neighbors.
	_, err = d.InsertBatch(ctx, cid, []InsertDoc{{Vector: vec(16, 1)}})
	require.NoError(t, err)

	r3, err := d.Search(ctx, cid, req)
	require.NoError(t, err)
	assert.Len(t, r3, 2)
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	ids, err := d.InsertBatch(ctx, cid, []InsertDoc{
		{Vector: vec(16, 1)}, {Vector: vec(16, 2)}, {Vector: vec(16, 3)},
	})
	require.NoError(t, err)

	require.NoError(t, d.Delete(ctx, cid, ids[0]))

	results, err := d.Search(ctx, cid, SearchRequest{Vector: vec(16, 1), TopK: 3})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, ids[0], r.DocID)
	}
}

func TestBatchSearchEndToEnd(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	docs := make([]InsertDoc, 10)
	for i := range docs {
		docs[i] = InsertDoc{Vector: vec(16, float32(i))}
	}
	_, err := d.InsertBatch(ctx, cid, docs)
	require.NoError(t, err)

	resp, err := d.BatchSearch(ctx, cid, engine.BatchRequest{
		Collection: cid,
		TimeoutMs:  1000,
		Queries: []engine.SingleQuery{
			{ID: "a", Vector: vec(16, 9), TopK: 1},
			{ID: "b", Vector: vec(16, 0), TopK: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "b", resp.Results[1].ID)
}

func TestSegmentUploadAndManifestCommit(t *testing.T) {
	d, obj := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	docs := make([]InsertDoc, 5)
	for i := range docs {
		docs[i] = InsertDoc{Vector: vec(16, float32(i))}
	}
	_, err := d.InsertBatch(ctx, cid, docs)
	require.NoError(t, err)

	// The async upload worker commits the segment into the manifest.
	require.Eventually(t, func() bool {
		m, err := d.manifests.Load(ctx, cid)
		if err != nil {
			return false
		}
		return len(m.Segments) == 1 && m.TotalVectors == 5
	}, 5*time.Second, 20*time.Millisecond)

	m, err := d.manifests.Load(ctx, cid)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.LatestVersion, uint64(1))
	assert.Equal(t, uint64(5), m.Segments[0].RecordCount)

	// The segment object exists in the store.
	_, err = obj.Head(ctx, manifest.SegmentKey(cid, m.Segments[0].SegmentID))
	assert.NoError(t, err)
}

func TestTwoInsertBatchesProduceTwoSegments(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()
	cid := createTestCollection(t, d, 16, types.MetricL2)

	for i := 0; i < 2; i++ {
		docs := []InsertDoc{{Vector: vec(16, float32(i))}, {Vector: vec(16, float32(i+10))}}
		_, err := d.InsertBatch(ctx, cid, docs)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		m, err := d.manifests.Load(ctx, cid)
		if err != nil {
			return false
		}
		return len(m.Segments) == 2
	}, 5*time.Second, 20*time.Millisecond)

	m, err := d.manifests.Load(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), m.TotalVectors)
	assert.GreaterOrEqual(t, m.LatestVersion, uint64(2))
}

func TestCreateCollectionValidation(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params CreateParams
		kind   errs.Kind
	}{
		{"empty name", CreateParams{Dimension: 16, Metric: types.MetricL2}, errs.Validation},
		{"dimension too small", CreateParams{Name: "a", Dimension: 2, Metric: types.MetricL2}, errs.Validation},
		{"dimension too large", CreateParams{Name: "b", Dimension: 5000, Metric: types.MetricL2}, errs.Validation},
		{"bad metric", CreateParams{Name: "c", Dimension: 16, Metric: "hamming"}, errs.Validation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateCollection(ctx, tt.params)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
		})
	}

	// Duplicate name
	_, err := d.CreateCollection(ctx, CreateParams{Name: "dup", Dimension: 16, Metric: types.MetricL2})
	require.NoError(t, err)
	_, err = d.CreateCollection(ctx, CreateParams{Name: "dup", Dimension: 16, Metric: types.MetricL2})
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))
}

func TestDropCollectionHidesFromLookups(t *testing.T) {
	d, _ := newTestDatabase(t)
	ctx := context.Background()

	desc, err := d.CreateCollection(ctx, CreateParams{Name: "gone", Dimension: 16, Metric: types.MetricL2})
	require.NoError(t, err)

	require.NoError(t, d.DropCollection(ctx, desc.CollectionID))

	_, err = d.Collection(desc.CollectionID)
	assert.True(t, errs.IsNotFound(err))
	_, err = d.ResolveName("gone")
	assert.True(t, errs.IsNotFound(err))
}
