package vectorindex

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

// BruteForce is the linear-scan baseline index. It is exact, serves as
// the correctness oracle for the graph index, and is the index of
// choice below the configured vector-count threshold.
type BruteForce struct {
	dim    int
	metric types.DistanceMetric

	mu   sync.RWMutex
	docs []types.VectorDocument
	byID map[types.DocID]int
}

// NewBruteForce creates an empty brute-force index.
func NewBruteForce(dim int, metric types.DistanceMetric) *BruteForce {
	return &BruteForce{
		dim:    dim,
		metric: metric,
		byID:   make(map[types.DocID]int),
	}
}

// Dimension implements Index.
func (b *BruteForce) Dimension() int { return b.dim }

// Metric implements Index.
func (b *BruteForce) Metric() types.DistanceMetric { return b.metric }

// Insert implements Index.
func (b *BruteForce) Insert(doc types.VectorDocument) error {
	return b.InsertBatch([]types.VectorDocument{doc})
}

// InsertBatch implements Index. The writer lock is taken once for the
// whole batch.
func (b *BruteForce) InsertBatch(docs []types.VectorDocument) error {
	for _, doc := range docs {
		if len(doc.Vector) != b.dim {
			return errs.Ef(errs.DimensionMismatch, "vectorindex.insert",
				"expected dimension %d, got %d", b.dim, len(doc.Vector))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, doc := range docs {
		if idx, ok := b.byID[doc.DocID]; ok {
			b.docs[idx] = doc
			continue
		}
		b.byID[doc.DocID] = len(b.docs)
		b.docs = append(b.docs, doc)
	}
	return nil
}

// Delete implements Index. Removal preserves the insertion order of
// the remaining documents.
func (b *BruteForce) Delete(docID types.DocID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.byID[docID]
	if !ok {
		return nil
	}
	b.docs = append(b.docs[:idx], b.docs[idx+1:]...)
	delete(b.byID, docID)
	for id, i := range b.byID {
		if i > idx {
			b.byID[id] = i - 1
		}
	}
	return nil
}

// Count implements Index.
func (b *BruteForce) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

// Search implements Index with a single linear pass. Every candidate is
// scored with the metric-appropriate comparator; results are sorted and
// truncated to k. Cancellation is polled while scanning.
func (b *BruteForce) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]types.ScoredPoint, error) {
	if len(query) != b.dim {
		return nil, errs.Ef(errs.DimensionMismatch, "vectorindex.search",
			"expected dimension %d, got %d", b.dim, len(query))
	}
	if k <= 0 {
		return nil, errs.E(errs.Validation, "vectorindex.search", "k must be positive")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	type scored struct {
		idx  int
		dist float32
	}
	candidates := make([]scored, 0, len(b.docs))

	for i := range b.docs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errs.Wrap(errs.Cancelled, "vectorindex.search", err)
			}
		}
		doc := &b.docs[i]
		if opts.Filter != nil && !opts.Filter.Contains(doc.DocID) {
			continue
		}
		candidates = append(candidates, scored{idx: i, dist: distance(b.metric, query, doc.Vector)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]types.ScoredPoint, len(candidates))
	for i, c := range candidates {
		doc := &b.docs[c.idx]
		results[i] = types.ScoredPoint{
			DocID:      doc.DocID,
			PrimaryKey: doc.ExternalID,
			Score:      score(b.metric, c.dist),
			Payload:    doc.Metadata,
		}
	}
	return results, nil
}

// ExtractForPersistence implements Index.
func (b *BruteForce) ExtractForPersistence() []types.VectorDocument {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.VectorDocument, len(b.docs))
	copy(out, b.docs)
	return out
}

// bruteForceState is the serialized form.
type bruteForceState struct {
	Dimension int                    `json:"dimension"`
	Metric    types.DistanceMetric   `json:"metric"`
	Docs      []types.VectorDocument `json:"docs"`
}

// Serialize implements Index.
func (b *BruteForce) Serialize() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, err := json.Marshal(bruteForceState{Dimension: b.dim, Metric: b.metric, Docs: b.docs})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "vectorindex.serialize", err)
	}
	return data, nil
}

// DeserializeBruteForce reconstructs a brute-force index from
// Serialize output.
func DeserializeBruteForce(data []byte) (*BruteForce, error) {
	var state bruteForceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errs.Wrap(errs.Corruption, "vectorindex.deserialize", err)
	}
	b := NewBruteForce(state.Dimension, state.Metric)
	if err := b.InsertBatch(state.Docs); err != nil {
		return nil, err
	}
	return b, nil
}
