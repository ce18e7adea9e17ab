package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/filter"
	"github.com/stratadb/strata/pkg/metaindex"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/vectorindex"
)

func buildFixture(t *testing.T) (*BatchExecutor, vectorindex.Index, types.CollectionID) {
	t.Helper()
	cid := types.NewCollectionID()
	metaIdx := metaindex.New()
	index := vectorindex.NewBruteForce(2, types.MetricL2)

	for i := 0; i < 20; i++ {
		category := "red"
		if i%2 == 0 {
			category = "blue"
		}
		doc := types.VectorDocument{
			DocID:      types.DocID(i),
			ExternalID: fmt.Sprintf("doc-%d", i),
			Vector:     []float32{float32(i), 0},
			Metadata:   map[string]any{"category": category},
		}
		require.NoError(t, index.Insert(doc))
		require.NoError(t, metaIdx.InsertMetadata(cid, doc.DocID, doc.Metadata))
	}

	executor := NewBatchExecutor(metaIdx, filter.DefaultLimits(), DefaultMaxBatchSize)
	return executor, index, cid
}

func TestBatchPreservesCallerOrder(t *testing.T) {
	executor, index, cid := buildFixture(t)

	req := BatchRequest{
		Collection: cid,
		TimeoutMs:  1000,
		Queries: []SingleQuery{
			{ID: "q-last", Vector: []float32{19, 0}, TopK: 1},
			{ID: "q-first", Vector: []float32{0, 0}, TopK: 1},
			{ID: "q-middle", Vector: []float32{10, 0}, TopK: 1},
		},
	}

	resp, err := executor.Execute(context.Background(), index, cid, req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, "q-last", resp.Results[0].ID)
	assert.Equal(t, "q-first", resp.Results[1].ID)
	assert.Equal(t, "q-middle", resp.Results[2].ID)

	assert.Equal(t, types.DocID(19), resp.Results[0].Neighbors[0].DocID)
	assert.Equal(t, types.DocID(0), resp.Results[1].Neighbors[0].DocID)
	assert.Equal(t, types.DocID(10), resp.Results[2].Neighbors[0].DocID)

	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.LatencyMs, 0.0)
	}
}

func TestBatchRejectsEmpty(t *testing.T) {
	executor, index, cid := buildFixture(t)

	_, err := executor.Execute(context.Background(), index, cid, BatchRequest{Collection: cid})
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestBatchRejectsOversize(t *testing.T) {
	executor, index, cid := buildFixture(t)

	queries := make([]SingleQuery, 101)
	for i := range queries {
		queries[i] = SingleQuery{ID: fmt.Sprintf("q%d", i), Vector: []float32{0, 0}, TopK: 1}
	}

	_, err := executor.Execute(context.Background(), index, cid, BatchRequest{Collection: cid, Queries: queries})
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestBatchAppliesFilters(t *testing.T) {
	executor, index, cid := buildFixture(t)

	blueFilter := json.RawMessage(`{"field": "category", "match": "blue"}`)
	req := BatchRequest{
		Collection: cid,
		TimeoutMs:  1000,
		Queries: []SingleQuery{
			{ID: "q1", Vector: []float32{0, 0}, TopK: 5, Filter: blueFilter},
			{ID: "q2", Vector: []float32{19, 0}, TopK: 5, Filter: blueFilter},
		},
	}

	resp, err := executor.Execute(context.Background(), index, cid, req)
	require.NoError(t, err)

	for _, result := range resp.Results {
		require.Len(t, result.Neighbors, 5)
		for _, n := range result.Neighbors {
			assert.Equal(t, types.DocID(0), n.DocID%2, "filter must restrict to blue (even) docs")
		}
	}
}

func TestBatchEmptyFilterShortCircuits(t *testing.T) {
	executor, index, cid := buildFixture(t)

	req := BatchRequest{
		Collection: cid,
		TimeoutMs:  1000,
		Queries: []SingleQuery{
			{ID: "q1", Vector: []float32{0, 0}, TopK: 5,
				Filter: json.RawMessage(`{"field": "category", "match": "green"}`)},
		},
	}

	resp, err := executor.Execute(context.Background(), index, cid, req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].Neighbors)
}

func TestBatchInvalidFilterFailsRequest(t *testing.T) {
	executor, index, cid := buildFixture(t)

	req := BatchRequest{
		Collection: cid,
		Queries: []SingleQuery{
			{ID: "q1", Vector: []float32{0, 0}, TopK: 1, Filter: json.RawMessage(`{"bogus": 1}`)},
		},
	}

	_, err := executor.Execute(context.Background(), index, cid, req)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestSingleExecute(t *testing.T) {
	_, index, _ := buildFixture(t)

	plan := Plan{Root: AnnSearch{Index: index, Query: []float32{5, 0}, K: 3}}
	results, err := Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, types.DocID(5), results[0].DocID)
}

func TestExecuteNilPlan(t *testing.T) {
	_, err := Execute(context.Background(), Plan{})
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}
