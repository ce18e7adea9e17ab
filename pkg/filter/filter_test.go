package filter

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/metaindex"
	"github.com/stratadb/strata/pkg/types"
)

// fixture: 10 docs — even/odd category, price = i*10, half with a
// "flag" field.
func buildFixture(t *testing.T) (*metaindex.Index, types.CollectionID) {
	t.Helper()
	idx := metaindex.New()
	cid := types.NewCollectionID()

	for i := 0; i < 10; i++ {
		md := map[string]any{
			"category": map[bool]string{true: "even", false: "odd"}[i%2 == 0],
			"price":    float64(i * 10),
		}
		if i < 5 {
			md["flag"] = true
		}
		require.NoError(t, idx.InsertMetadata(cid, types.DocID(i), md))
	}
	return idx, cid
}

func eval(t *testing.T, idx *metaindex.Index, cid types.CollectionID, rawFilter string) []uint32 {
	t.Helper()
	node, err := Parse([]byte(rawFilter), DefaultLimits())
	require.NoError(t, err)
	bm, err := Evaluate(node, idx, cid)
	require.NoError(t, err)
	return bm.ToArray()
}

func TestTermLeaf(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"field": "category", "match": "even"}`)
	assert.Equal(t, []uint32{0, 2, 4, 6, 8}, docs)
}

func TestRangeLeaf(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"field": "price", "range": {"gte": 20, "lte": 50}}`)
	assert.Equal(t, []uint32{2, 3, 4, 5}, docs)

	docs = eval(t, idx, cid, `{"field": "price", "range": {"gte": 70}}`)
	assert.Equal(t, []uint32{7, 8, 9}, docs)
}

func TestExistsLeafBothSpellings(t *testing.T) {
	idx, cid := buildFixture(t)

	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, eval(t, idx, cid, `{"exists": "flag"}`))
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, eval(t, idx, cid, `{"exists": {"field": "flag"}}`))
}

func TestMustIntersects(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"must": [
		{"field": "category", "match": "even"},
		{"field": "price", "range": {"gte": 30}}
	]}`)
	assert.Equal(t, []uint32{4, 6, 8}, docs)
}

func TestShouldUnions(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"should": [
		{"field": "price", "range": {"lte": 10}},
		{"field": "price", "range": {"gte": 80}}
	]}`)
	assert.Equal(t, []uint32{0, 1, 8, 9}, docs)
}

func TestMustNotComplements(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"must_not": [{"field": "category", "match": "even"}]}`)
	assert.Equal(t, []uint32{1, 3, 5, 7, 9}, docs)
}

func TestEmptyMustMatchesAllDocs(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"must": []}`)
	assert.Len(t, docs, 10)
}

func TestEmptyShouldMatchesNothing(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"should": []}`)
	assert.Empty(t, docs)
}

func TestCombinedBooleans(t *testing.T) {
	idx, cid := buildFixture(t)

	// (even AND price<=60) AND NOT flag
	docs := eval(t, idx, cid, `{
		"must": [
			{"field": "category", "match": "even"},
			{"field": "price", "range": {"lte": 60}}
		],
		"must_not": [{"exists": "flag"}]
	}`)
	assert.Equal(t, []uint32{6}, docs)
}

func TestNestedBooleans(t *testing.T) {
	idx, cid := buildFixture(t)

	docs := eval(t, idx, cid, `{"must": [
		{"should": [
			{"field": "price", "match": 0},
			{"field": "price", "match": 90}
		]}
	]}`)
	assert.Equal(t, []uint32{0, 9}, docs)
}

func TestDepthLimit(t *testing.T) {
	// Build a filter nested beyond the depth limit.
	inner := `{"field": "x", "match": 1}`
	for i := 0; i < 40; i++ {
		inner = fmt.Sprintf(`{"must": [%s]}`, inner)
	}

	_, err := Parse([]byte(inner), DefaultLimits())
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestClauseLimit(t *testing.T) {
	clauses := make([]string, 129)
	for i := range clauses {
		clauses[i] = `{"field": "x", "match": 1}`
	}
	raw := fmt.Sprintf(`{"must": [%s]}`, joinComma(clauses))

	_, err := Parse([]byte(raw), DefaultLimits())
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func TestInvalidFilters(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an object", `[1, 2]`},
		{"unknown expression", `{"frobnicate": true}`},
		{"range without bounds", `{"field": "x", "range": {}}`},
		{"must not array", `{"must": {"field": "x", "match": 1}}`},
		{"exists bad shape", `{"exists": 42}`},
		{"non-numeric range bound", `{"field": "x", "range": {"gte": "low"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), DefaultLimits())
			require.Error(t, err)
			assert.Equal(t, errs.Validation, errs.KindOf(err))
		})
	}
}

func TestSingleBooleanCollapses(t *testing.T) {
	node, err := Parse([]byte(`{"should": [{"field": "x", "match": 1}]}`), DefaultLimits())
	require.NoError(t, err)

	_, isShould := node.(Should)
	assert.True(t, isShould, "single boolean operator must collapse to itself, got %T", node)
}

func TestCacheParsesOnce(t *testing.T) {
	cache := NewCache(DefaultLimits())
	raw := []byte(`{"field": "category", "match": "even"}`)

	n1, err := cache.Parse(raw)
	require.NoError(t, err)
	n2, err := cache.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, n1, n2)
}

func TestTermMatchViaJSONNumbers(t *testing.T) {
	idx, cid := buildFixture(t)

	// JSON unmarshals numbers to float64; a match on 30 must hit the
	// doc whose price was inserted as float64(30).
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"field": "price", "match": 30}`), &raw))

	docs := eval(t, idx, cid, `{"field": "price", "match": 30}`)
	assert.Equal(t, []uint32{3}, docs)
}
