package vectorindex

import (
	"context"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/types"
)

func randomDocs(rng *rand.Rand, n, dim int) []types.VectorDocument {
	docs := make([]types.VectorDocument, n)
	for i := range docs {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		docs[i] = types.VectorDocument{DocID: types.DocID(i), Vector: vec}
	}
	return docs
}

func randomQuery(rng *rand.Rand, dim int) []float32 {
	q := make([]float32, dim)
	for i := range q {
		q[i] = rng.Float32()*2 - 1
	}
	return q
}

func TestGraphAgreesWithBruteForceTopOne(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const (
		n       = 500
		dim     = 16
		queries = 100
		k       = 10
	)

	docs := randomDocs(rng, n, dim)

	oracle := NewBruteForce(dim, types.MetricL2)
	require.NoError(t, oracle.InsertBatch(docs))

	graph := NewGraph(dim, types.MetricL2, types.GraphParams{M: 16, EfConstruction: 100, EfSearch: 2 * k})
	require.NoError(t, graph.Build(docs))

	agree := 0
	for q := 0; q < queries; q++ {
		query := randomQuery(rng, dim)

		exact, err := oracle.Search(context.Background(), query, k, SearchOptions{})
		require.NoError(t, err)
		approx, err := graph.Search(context.Background(), query, k, SearchOptions{})
		require.NoError(t, err)

		require.NotEmpty(t, exact)
		require.NotEmpty(t, approx)
		if exact[0].DocID == approx[0].DocID {
			agree++
		}
	}

	// Recall contract: top-1 agreement on >= 95% of random queries.
	assert.GreaterOrEqual(t, agree, 95, "graph agreed on %d/100 queries", agree)
}

func TestGraphSearchOrderedAscendingL2(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	docs := randomDocs(rng, 200, 8)

	graph := NewGraph(8, types.MetricL2, types.GraphParams{M: 8, EfConstruction: 64, EfSearch: 32})
	require.NoError(t, graph.Build(docs))

	results, err := graph.Search(context.Background(), randomQuery(rng, 8), 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 10)

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Score, results[i].Score, "scores must ascend under L2")
	}
}

func TestGraphFilterStrategies(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	const n = 2000
	docs := randomDocs(rng, n, 16)

	graph := NewGraph(16, types.MetricL2, types.GraphParams{M: 8, EfConstruction: 48, EfSearch: 64})
	require.NoError(t, graph.Build(docs))

	tests := []struct {
		name       string
		filterSize int
		k          int
	}{
		{"exact selective 5pct", 100, 10},
		{"oversampled 30pct", 600, 50},
		{"post filter 80pct", 1600, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := roaring.New()
			perm := rng.Perm(n)
			for _, i := range perm[:tt.filterSize] {
				filter.Add(uint32(i))
			}

			results, err := graph.Search(context.Background(), randomQuery(rng, 16), tt.k, SearchOptions{Filter: filter})
			require.NoError(t, err)

			want := tt.k
			if tt.filterSize < want {
				want = tt.filterSize
			}
			assert.Len(t, results, want, "result count must be min(k, |bitmap|)")

			for i, r := range results {
				assert.True(t, filter.Contains(r.DocID), "result outside filter bitmap")
				if i > 0 {
					assert.LessOrEqual(t, results[i-1].Score, r.Score)
				}
			}
		})
	}
}

func TestGraphEmptyFilterReturnsNothing(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	graph := NewGraph(4, types.MetricL2, types.GraphParams{M: 4, EfConstruction: 16, EfSearch: 16})
	require.NoError(t, graph.Build(randomDocs(rng, 50, 4)))

	results, err := graph.Search(context.Background(), randomQuery(rng, 4), 5, SearchOptions{Filter: roaring.New()})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGraphDeleteTombstonesAndRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	docs := randomDocs(rng, 100, 8)

	graph := NewGraph(8, types.MetricL2, types.GraphParams{M: 8, EfConstruction: 32, EfSearch: 32})
	require.NoError(t, graph.Build(docs))

	// Delete 25 of 100: past the 20% rebuild threshold.
	for i := 0; i < 25; i++ {
		require.NoError(t, graph.Delete(types.DocID(i)))
	}

	assert.Equal(t, 75, graph.Count())
	assert.InDelta(t, 0.25, graph.TombstoneRatio(), 1e-9)
	assert.True(t, graph.NeedsRebuild())

	// Tombstoned docs never surface in results.
	results, err := graph.Search(context.Background(), docs[0].Vector, 10, SearchOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, int(r.DocID), 25)
	}

	require.NoError(t, graph.Rebuild())
	assert.Equal(t, 75, graph.Count())
	assert.Equal(t, 0.0, graph.TombstoneRatio())
	assert.False(t, graph.NeedsRebuild())
}

func TestGraphDeleteEntryPointReassigns(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	docs := randomDocs(rng, 20, 4)

	graph := NewGraph(4, types.MetricL2, types.GraphParams{M: 4, EfConstruction: 16, EfSearch: 16})
	require.NoError(t, graph.Build(docs))

	// Delete every doc one by one; searches must keep working.
	for i := 0; i < 19; i++ {
		require.NoError(t, graph.Delete(types.DocID(i)))
		results, err := graph.Search(context.Background(), docs[0].Vector, 5, SearchOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, results)
	}

	require.NoError(t, graph.Delete(19))
	results, err := graph.Search(context.Background(), docs[0].Vector, 5, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGraphIncrementalInsert(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	graph := NewGraph(8, types.MetricL2, types.GraphParams{M: 8, EfConstruction: 32, EfSearch: 32})

	docs := randomDocs(rng, 200, 8)
	for _, d := range docs {
		require.NoError(t, graph.Insert(d))
	}
	assert.Equal(t, 200, graph.Count())

	// The exact nearest for a stored vector is itself.
	results, err := graph.Search(context.Background(), docs[50].Vector, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.DocID(50), results[0].DocID)
}

func TestGraphSerializeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	docs := randomDocs(rng, 100, 8)

	graph := NewGraph(8, types.MetricCosine, types.GraphParams{M: 8, EfConstruction: 32, EfSearch: 32})
	require.NoError(t, graph.Build(docs))
	require.NoError(t, graph.Delete(types.DocID(3)))

	data, err := graph.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeGraph(data)
	require.NoError(t, err)

	// Tombstones are compacted away on restore.
	assert.Equal(t, 99, restored.Count())
	assert.Equal(t, 0.0, restored.TombstoneRatio())
	assert.Equal(t, types.MetricCosine, restored.Metric())

	results, err := restored.Search(context.Background(), docs[10].Vector, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.DocID(10), results[0].DocID)
}

func TestFilterStrategyBoundaryLiteral(t *testing.T) {
	if testing.Short() {
		t.Skip("large fixture")
	}

	rng := rand.New(rand.NewSource(2024))
	const n = 10_000
	docs := randomDocs(rng, n, 128)

	graph := NewGraph(128, types.MetricL2, types.GraphParams{M: 8, EfConstruction: 32, EfSearch: 64})
	require.NoError(t, graph.Build(docs))

	cases := []struct {
		filterSize int
		k          int
	}{
		{500, 10},   // 5%  -> exact selective
		{3000, 50},  // 30% -> oversampled graph
		{8000, 100}, // 80% -> post-filter
	}

	for _, tc := range cases {
		filter := roaring.New()
		perm := rng.Perm(n)
		for _, i := range perm[:tc.filterSize] {
			filter.Add(uint32(i))
		}

		results, err := graph.Search(context.Background(), randomQuery(rng, 128), tc.k, SearchOptions{Filter: filter})
		require.NoError(t, err)
		require.Len(t, results, tc.k)

		for i, r := range results {
			assert.True(t, filter.Contains(r.DocID))
			if i > 0 {
				assert.LessOrEqual(t, results[i-1].Score, r.Score, "scores must be monotonic ascending under L2")
			}
		}
	}
}
