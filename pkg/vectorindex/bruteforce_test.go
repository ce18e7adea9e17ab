package vectorindex

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

func doc(id types.DocID, vec ...float32) types.VectorDocument {
	return types.VectorDocument{DocID: id, Vector: vec}
}

func TestBruteForceL2Ordering(t *testing.T) {
	idx := NewBruteForce(2, types.MetricL2)

	require.NoError(t, idx.Insert(doc(1, 0, 0)))
	require.NoError(t, idx.Insert(doc(2, 3, 4))) // squared distance 25
	require.NoError(t, idx.Insert(doc(3, 1, 0))) // squared distance 1

	results, err := idx.Search(context.Background(), []float32{0, 0}, 3, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, types.DocID(1), results[0].DocID)
	assert.Equal(t, types.DocID(3), results[1].DocID)
	assert.Equal(t, types.DocID(2), results[2].DocID)
	assert.InDelta(t, 0.0, results[0].Score, 1e-6)
	assert.InDelta(t, 1.0, results[1].Score, 1e-6)
	assert.InDelta(t, 25.0, results[2].Score, 1e-6)
}

func TestBruteForceCosineOrdering(t *testing.T) {
	idx := NewBruteForce(3, types.MetricCosine)

	require.NoError(t, idx.Insert(doc(1, 1, 0, 0)))
	require.NoError(t, idx.Insert(doc(2, 0, 1, 0)))
	require.NoError(t, idx.Insert(doc(3, 1, 0.1, 0)))

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 3, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Descending similarity: exact match first.
	assert.Equal(t, types.DocID(1), results[0].DocID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, types.DocID(3), results[1].DocID)
	assert.Equal(t, types.DocID(2), results[2].DocID)
}

func TestBruteForceCosineZeroNormRanksLast(t *testing.T) {
	idx := NewBruteForce(2, types.MetricCosine)

	require.NoError(t, idx.Insert(doc(1, 0, 0))) // zero norm
	require.NoError(t, idx.Insert(doc(2, 0, 1)))

	results, err := idx.Search(context.Background(), []float32{1, 0}, 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, types.DocID(2), results[0].DocID)
	assert.Equal(t, types.DocID(1), results[1].DocID)
}

func TestBruteForceDotOrdering(t *testing.T) {
	idx := NewBruteForce(2, types.MetricDot)

	require.NoError(t, idx.Insert(doc(1, 1, 1)))
	require.NoError(t, idx.Insert(doc(2, 5, 5)))
	require.NoError(t, idx.Insert(doc(3, -1, -1)))

	results, err := idx.Search(context.Background(), []float32{1, 1}, 3, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Descending inner product.
	assert.Equal(t, types.DocID(2), results[0].DocID)
	assert.InDelta(t, 10.0, results[0].Score, 1e-6)
	assert.Equal(t, types.DocID(1), results[1].DocID)
	assert.Equal(t, types.DocID(3), results[2].DocID)
}

func TestBruteForceDimensionMismatch(t *testing.T) {
	idx := NewBruteForce(3, types.MetricL2)

	err := idx.Insert(doc(1, 1, 2))
	require.Error(t, err)
	assert.Equal(t, errs.DimensionMismatch, errs.KindOf(err))

	require.NoError(t, idx.Insert(doc(1, 1, 2, 3)))
	_, err = idx.Search(context.Background(), []float32{1}, 1, SearchOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.DimensionMismatch, errs.KindOf(err))
}

func TestBruteForceFilterRestrictsResults(t *testing.T) {
	idx := NewBruteForce(1, types.MetricL2)
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Insert(doc(types.DocID(i), float32(i))))
	}

	filter := roaring.New()
	filter.AddMany([]uint32{3, 7, 9})

	results, err := idx.Search(context.Background(), []float32{0}, 10, SearchOptions{Filter: filter})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, filter.Contains(r.DocID), "result %d outside filter", r.DocID)
	}
	// Nearest filtered member first.
	assert.Equal(t, types.DocID(3), results[0].DocID)
}

func TestBruteForceDeletePreservesOrder(t *testing.T) {
	idx := NewBruteForce(1, types.MetricL2)
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Insert(doc(types.DocID(i), float32(i))))
	}

	require.NoError(t, idx.Delete(2))
	assert.Equal(t, 4, idx.Count())

	extract := idx.ExtractForPersistence()
	require.Len(t, extract, 4)
	assert.Equal(t, []types.DocID{0, 1, 3, 4},
		[]types.DocID{extract[0].DocID, extract[1].DocID, extract[2].DocID, extract[3].DocID})

	// Deleting an absent id is a no-op.
	require.NoError(t, idx.Delete(99))
}

func TestBruteForceSerializeRoundTrip(t *testing.T) {
	idx := NewBruteForce(2, types.MetricCosine)
	require.NoError(t, idx.InsertBatch([]types.VectorDocument{
		{DocID: 1, ExternalID: "a", Vector: []float32{1, 0}, Metadata: map[string]any{"x": "y"}},
		{DocID: 2, ExternalID: "b", Vector: []float32{0, 1}},
	}))

	data, err := idx.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeBruteForce(data)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Count())
	assert.Equal(t, 2, restored.Dimension())
	assert.Equal(t, types.MetricCosine, restored.Metric())

	results, err := restored.Search(context.Background(), []float32{1, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].PrimaryKey)
	assert.Equal(t, "y", results[0].Payload["x"])
}

func TestBruteForceTopKTruncation(t *testing.T) {
	idx := NewBruteForce(1, types.MetricL2)
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Insert(doc(types.DocID(i), float32(i))))
	}

	results, err := idx.Search(context.Background(), []float32{0}, 5, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestBruteForceCancelledContext(t *testing.T) {
	idx := NewBruteForce(1, types.MetricL2)
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Insert(doc(types.DocID(i), float32(i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Search(ctx, []float32{0}, 5, SearchOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.Cancelled, errs.KindOf(err))
}
