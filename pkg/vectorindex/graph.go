package vectorindex

import (
	"container/heap"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

// medoidSampleSize bounds the O(n²) medoid computation on large sets.
const medoidSampleSize = 1000

// rebuildTombstoneRatio is the tombstone density above which a hot
// collection's graph is rebuilt.
const rebuildTombstoneRatio = 0.2

// Graph is a Vamana-style navigable graph index: bounded out-degree M,
// greedy beam construction with width EfConstruction, query beam width
// EfSearch, and an entry point chosen near the dataset medoid.
type Graph struct {
	dim    int
	metric types.DistanceMetric
	params types.GraphParams

	mu    sync.RWMutex
	docs  []types.VectorDocument // slot-indexed, insertion order
	byID  map[types.DocID]int
	adj   [][]int
	dead  map[int]struct{}
	entry int
}

// NewGraph creates an empty graph index. Zero params fall back to
// conventional defaults.
func NewGraph(dim int, metric types.DistanceMetric, params types.GraphParams) *Graph {
	if params.M <= 0 {
		params.M = 16
	}
	if params.EfConstruction <= 0 {
		params.EfConstruction = 200
	}
	if params.EfSearch <= 0 {
		params.EfSearch = 100
	}
	return &Graph{
		dim:    dim,
		metric: metric,
		params: params,
		byID:   make(map[types.DocID]int),
		dead:   make(map[int]struct{}),
		entry:  -1,
	}
}

// Dimension implements Index.
func (g *Graph) Dimension() int { return g.dim }

// Metric implements Index.
func (g *Graph) Metric() types.DistanceMetric { return g.metric }

// Params returns the graph build/search parameters.
func (g *Graph) Params() types.GraphParams { return g.params }

// Count implements Index, excluding tombstoned slots.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.docs) - len(g.dead)
}

// TombstoneRatio returns the fraction of slots that are tombstoned.
func (g *Graph) TombstoneRatio() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.docs) == 0 {
		return 0
	}
	return float64(len(g.dead)) / float64(len(g.docs))
}

// NeedsRebuild reports whether tombstone density warrants a rebuild.
func (g *Graph) NeedsRebuild() bool {
	return g.TombstoneRatio() > rebuildTombstoneRatio
}

// Insert implements Index.
func (g *Graph) Insert(doc types.VectorDocument) error {
	return g.InsertBatch([]types.VectorDocument{doc})
}

// InsertBatch implements Index. The writer lock is held once for the
// batch; each node links into the graph via a beam search from the
// entry point.
func (g *Graph) InsertBatch(docs []types.VectorDocument) error {
	for _, doc := range docs {
		if len(doc.Vector) != g.dim {
			return errs.Ef(errs.DimensionMismatch, "vectorindex.insert",
				"expected dimension %d, got %d", g.dim, len(doc.Vector))
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, doc := range docs {
		g.insertLocked(doc)
	}
	return nil
}

func (g *Graph) insertLocked(doc types.VectorDocument) {
	if slot, ok := g.byID[doc.DocID]; ok {
		g.docs[slot] = doc
		return
	}

	slot := len(g.docs)
	g.docs = append(g.docs, doc)
	g.adj = append(g.adj, nil)
	g.byID[doc.DocID] = slot

	if g.entry < 0 {
		g.entry = slot
		return
	}

	candidates := g.searchLayerLocked(context.Background(), doc.Vector, g.params.EfConstruction, slot)
	neighbors := candidates
	if len(neighbors) > g.params.M {
		neighbors = neighbors[:g.params.M]
	}

	for _, n := range neighbors {
		g.adj[slot] = append(g.adj[slot], n.slot)
		g.adj[n.slot] = append(g.adj[n.slot], slot)
		if len(g.adj[n.slot]) > g.params.M {
			g.pruneLocked(n.slot)
		}
	}
}

// pruneLocked trims a node's adjacency back to its M nearest neighbors.
func (g *Graph) pruneLocked(slot int) {
	edges := g.adj[slot]
	vec := g.docs[slot].Vector
	sort.Slice(edges, func(i, j int) bool {
		return distance(g.metric, vec, g.docs[edges[i]].Vector) <
			distance(g.metric, vec, g.docs[edges[j]].Vector)
	})
	seen := make(map[int]struct{}, g.params.M)
	kept := edges[:0]
	for _, e := range edges {
		if _, dup := seen[e]; dup || e == slot {
			continue
		}
		seen[e] = struct{}{}
		kept = append(kept, e)
		if len(kept) == g.params.M {
			break
		}
	}
	g.adj[slot] = kept
}

// Build bulk-loads the graph: it stores every document, picks the entry
// point near the sampled medoid, then links each node in order.
func (g *Graph) Build(docs []types.VectorDocument) error {
	for _, doc := range docs {
		if len(doc.Vector) != g.dim {
			return errs.Ef(errs.DimensionMismatch, "vectorindex.build",
				"expected dimension %d, got %d", g.dim, len(doc.Vector))
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.docs = make([]types.VectorDocument, 0, len(docs))
	g.adj = make([][]int, 0, len(docs))
	g.byID = make(map[types.DocID]int, len(docs))
	g.dead = make(map[int]struct{})
	g.entry = -1

	if len(docs) == 0 {
		return nil
	}

	for i, doc := range docs {
		g.docs = append(g.docs, doc)
		g.adj = append(g.adj, nil)
		g.byID[doc.DocID] = i
	}

	g.entry = g.medoidLocked()

	for slot := range g.docs {
		candidates := g.searchLayerLocked(context.Background(), g.docs[slot].Vector, g.params.EfConstruction, slot)
		neighbors := candidates
		if len(neighbors) > g.params.M {
			neighbors = neighbors[:g.params.M]
		}
		for _, n := range neighbors {
			if containsInt(g.adj[slot], n.slot) {
				continue
			}
			g.adj[slot] = append(g.adj[slot], n.slot)
			g.adj[n.slot] = append(g.adj[n.slot], slot)
			if len(g.adj[n.slot]) > g.params.M {
				g.pruneLocked(n.slot)
			}
		}
		if len(g.adj[slot]) > g.params.M {
			g.pruneLocked(slot)
		}
	}
	return nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// medoidLocked finds the sample member with minimum total distance to
// the rest of the sample.
func (g *Graph) medoidLocked() int {
	n := len(g.docs)
	sample := n
	if sample > medoidSampleSize {
		sample = medoidSampleSize
	}

	best, bestSum := 0, float64(0)
	for i := 0; i < sample; i++ {
		var sum float64
		for j := 0; j < sample; j++ {
			sum += float64(distance(g.metric, g.docs[i].Vector, g.docs[j].Vector))
		}
		if i == 0 || sum < bestSum {
			best, bestSum = i, sum
		}
	}
	return best
}

// Delete implements Index by tombstoning the slot. The graph keeps the
// node for traversal; results skip it. Rebuild reclaims tombstones.
func (g *Graph) Delete(docID types.DocID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.byID[docID]
	if !ok {
		return nil
	}
	delete(g.byID, docID)
	g.dead[slot] = struct{}{}

	if g.entry == slot {
		g.entry = -1
		for i := range g.docs {
			if _, isDead := g.dead[i]; !isDead {
				g.entry = i
				break
			}
		}
	}
	return nil
}

// Rebuild reconstructs the graph from its live documents, dropping
// tombstones and recomputing the entry point.
func (g *Graph) Rebuild() error {
	live := g.ExtractForPersistence()
	return g.Build(live)
}

// candidate pairs a slot with its rank distance to the query.
type candidate struct {
	slot int
	dist float32
}

// candidateHeap is a min-heap over rank distance.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxHeap is a max-heap over rank distance, used for the bounded
// result set.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayerLocked is the beam search: a min-heap frontier, a visited
// set, and a bounded max-heap of the ef best candidates seen. The
// context is polled at each beam expansion. exclude skips one slot
// (the node being inserted). Tombstoned slots are traversed but never
// returned. Results come back sorted by ascending rank distance.
func (g *Graph) searchLayerLocked(ctx context.Context, query []float32, ef int, exclude int) []candidate {
	if g.entry < 0 || len(g.docs) == 0 {
		return nil
	}
	if ef < 1 {
		ef = 1
	}

	visited := make(map[int]struct{})
	frontier := &candidateHeap{}
	results := &maxHeap{}

	push := func(slot int) {
		if _, ok := visited[slot]; ok {
			return
		}
		visited[slot] = struct{}{}
		d := distance(g.metric, query, g.docs[slot].Vector)
		heap.Push(frontier, candidate{slot: slot, dist: d})

		_, isDead := g.dead[slot]
		if slot == exclude || isDead {
			return
		}
		heap.Push(results, candidate{slot: slot, dist: d})
		if results.Len() > ef {
			heap.Pop(results)
		}
	}

	push(g.entry)

	for frontier.Len() > 0 {
		if ctx.Err() != nil {
			break
		}
		current := heap.Pop(frontier).(candidate)

		// The frontier can no longer improve the result set.
		if results.Len() >= ef && current.dist > (*results)[0].dist {
			break
		}
		for _, next := range g.adj[current.slot] {
			push(next)
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// Search implements Index. Without a filter it is a plain beam search.
// With a filter it picks one of three pushdown strategies from the
// selectivity s = |bitmap| / N:
//
//   - s < 10%: exact-selective — brute force over the filtered subset
//     only, skipping the graph entirely.
//   - 10% <= s < 50%: oversampled graph search with inflated ef,
//     post-filtered.
//   - s >= 50%: unfiltered graph search with modest oversampling,
//     post-filtered.
//
// The oversampled and post-filter paths fall back to the exact scan of
// the filtered subset when the beam surfaced fewer than k matches, so
// the result count invariant holds for every strategy.
func (g *Graph) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]types.ScoredPoint, error) {
	if len(query) != g.dim {
		return nil, errs.Ef(errs.DimensionMismatch, "vectorindex.search",
			"expected dimension %d, got %d", g.dim, len(query))
	}
	if k <= 0 {
		return nil, errs.E(errs.Validation, "vectorindex.search", "k must be positive")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	live := len(g.docs) - len(g.dead)
	if live == 0 {
		return nil, nil
	}

	if opts.Filter == nil {
		ef := g.params.EfSearch
		if ef < k {
			ef = k
		}
		candidates := g.searchLayerLocked(ctx, query, ef, -1)
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.Cancelled, "vectorindex.search", err)
		}
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		return g.toPointsLocked(candidates), nil
	}

	matched := int(opts.Filter.GetCardinality())
	if matched == 0 {
		return nil, nil
	}
	selectivity := float64(matched) / float64(live)

	switch {
	case selectivity < 0.10:
		return g.exactSelectiveLocked(ctx, query, k, opts.Filter)
	case selectivity < 0.50:
		ef := g.params.EfSearch
		if need := int(float64(k) / selectivity); need > ef {
			ef = need
		}
		if ef < 2*k {
			ef = 2 * k
		}
		return g.filteredBeamLocked(ctx, query, k, ef, opts.Filter)
	default:
		ef := g.params.EfSearch
		if ef < 2*k {
			ef = 2 * k
		}
		return g.filteredBeamLocked(ctx, query, k, ef, opts.Filter)
	}
}

// exactSelectiveLocked scans only the filtered subset; recall is exact.
func (g *Graph) exactSelectiveLocked(ctx context.Context, query []float32, k int, filter *roaring.Bitmap) ([]types.ScoredPoint, error) {
	var candidates []candidate

	it := filter.Iterator()
	n := 0
	for it.HasNext() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errs.Wrap(errs.Cancelled, "vectorindex.search", err)
			}
		}
		n++
		docID := it.Next()
		slot, ok := g.byID[docID]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			slot: slot,
			dist: distance(g.metric, query, g.docs[slot].Vector),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return g.toPointsLocked(candidates), nil
}

// filteredBeamLocked runs the beam at the given width and keeps only
// filter members; with fewer than k members it returns the exact scan
// of the subset instead.
func (g *Graph) filteredBeamLocked(ctx context.Context, query []float32, k, ef int, filter *roaring.Bitmap) ([]types.ScoredPoint, error) {
	candidates := g.searchLayerLocked(ctx, query, ef, -1)
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Cancelled, "vectorindex.search", err)
	}

	surviving := candidates[:0]
	for _, c := range candidates {
		if filter.Contains(g.docs[c.slot].DocID) {
			surviving = append(surviving, c)
			if len(surviving) == k {
				break
			}
		}
	}

	// Budget exhausted before k matches: fall back to the exact path
	// so the caller still receives min(k, |bitmap|) results.
	if len(surviving) < k {
		return g.exactSelectiveLocked(ctx, query, k, filter)
	}
	return g.toPointsLocked(surviving), nil
}

func (g *Graph) toPointsLocked(candidates []candidate) []types.ScoredPoint {
	results := make([]types.ScoredPoint, len(candidates))
	for i, c := range candidates {
		doc := &g.docs[c.slot]
		results[i] = types.ScoredPoint{
			DocID:      doc.DocID,
			PrimaryKey: doc.ExternalID,
			Score:      score(g.metric, c.dist),
			Payload:    doc.Metadata,
		}
	}
	return results
}

// ExtractForPersistence implements Index: live documents in insertion
// order.
func (g *Graph) ExtractForPersistence() []types.VectorDocument {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.VectorDocument, 0, len(g.docs)-len(g.dead))
	for slot, doc := range g.docs {
		if _, isDead := g.dead[slot]; isDead {
			continue
		}
		out = append(out, doc)
	}
	return out
}

// graphState is the serialized form. Adjacency is not persisted; the
// graph is rebuilt on load, which also compacts tombstones away.
type graphState struct {
	Dimension int                    `json:"dimension"`
	Metric    types.DistanceMetric   `json:"metric"`
	Params    types.GraphParams      `json:"params"`
	Docs      []types.VectorDocument `json:"docs"`
}

// Serialize implements Index.
func (g *Graph) Serialize() ([]byte, error) {
	state := graphState{
		Dimension: g.dim,
		Metric:    g.metric,
		Params:    g.params,
		Docs:      g.ExtractForPersistence(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "vectorindex.serialize", err)
	}
	return data, nil
}

// DeserializeGraph reconstructs a graph index from Serialize output.
func DeserializeGraph(data []byte) (*Graph, error) {
	var state graphState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errs.Wrap(errs.Corruption, "vectorindex.deserialize", err)
	}
	g := NewGraph(state.Dimension, state.Metric, state.Params)
	if err := g.Build(state.Docs); err != nil {
		return nil, err
	}
	return g, nil
}
