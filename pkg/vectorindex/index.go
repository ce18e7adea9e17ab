package vectorindex

import (
	"context"
	"math"

	"github.com/RoaringBitmap/roaring"

	"github.com/stratadb/strata/pkg/types"
)

// SearchOptions carries the optional filter bitmap into a search; the
// deadline travels on the search context. The bitmap, when present, is a pre-computed set of candidate
// doc ids; every returned result is guaranteed to lie inside it.
type SearchOptions struct {
	Filter *roaring.Bitmap
}

// Index is the capability interface implemented by both the brute-force
// baseline and the graph index.
type Index interface {
	// Insert adds one document.
	Insert(doc types.VectorDocument) error

	// InsertBatch adds documents in order under a single writer lock.
	InsertBatch(docs []types.VectorDocument) error

	// Search returns the top k neighbors ordered by the metric
	// comparator. Cancellation is polled at scan/beam boundaries.
	Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]types.ScoredPoint, error)

	// Delete removes a document. Deleting an absent id is a no-op.
	Delete(docID types.DocID) error

	// Count returns the number of live documents.
	Count() int

	// Serialize renders the index configuration and live documents as
	// JSON; DeserializeBruteForce and DeserializeGraph rebuild from it.
	Serialize() ([]byte, error)

	// ExtractForPersistence returns the live documents in insertion
	// order. The tier manager encodes warm files from it; the write
	// path uploads its own batch and does not read it.
	ExtractForPersistence() []types.VectorDocument

	// Dimension returns the fixed vector dimension.
	Dimension() int

	// Metric returns the collection's distance metric.
	Metric() types.DistanceMetric
}

// distance returns a rank key where smaller is always better,
// regardless of metric: squared distance for L2, 1-cos for Cosine
// (zero-norm vectors rank last), negated product for Dot.
func distance(metric types.DistanceMetric, a, b []float32) float32 {
	switch metric {
	case types.MetricL2:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	case types.MetricCosine:
		var dot, normA, normB float32
		for i := range a {
			dot += a[i] * b[i]
			normA += a[i] * a[i]
			normB += b[i] * b[i]
		}
		if normA == 0 || normB == 0 {
			return 2 // maximum cosine distance
		}
		return 1 - dot/(float32(math.Sqrt(float64(normA)))*float32(math.Sqrt(float64(normB))))
	case types.MetricDot:
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		return -dot
	}
	return float32(math.Inf(1))
}

// score converts a rank key back to the user-visible score: ascending
// squared distance for L2, descending similarity for Cosine, descending
// inner product for Dot.
func score(metric types.DistanceMetric, dist float32) float32 {
	switch metric {
	case types.MetricCosine:
		return 1 - dist
	case types.MetricDot:
		return -dist
	}
	return dist
}
