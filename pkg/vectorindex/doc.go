/*
Package vectorindex implements the pluggable k-NN layer: a brute-force
baseline and a Vamana-style graph index behind one Index interface.

The brute-force index stores documents in insertion order and answers
queries with a single linear pass. It is exact, acts as the correctness
oracle for the graph, and serves collections below the configured
vector-count threshold.

The graph index keeps a bounded-degree adjacency list built by greedy
beam search from an entry point chosen near the sampled dataset medoid.
Queries run beam search with a visited set, a min-heap frontier, and a
bounded best-candidate set of width ef. Deletes tombstone nodes; the
graph rebuilds once tombstone density passes 20%.

Scores follow the metric convention throughout: L2 orders by ascending
squared distance, Cosine by descending similarity (zero-norm vectors
rank last), Dot by descending inner product.

Filtered searches choose one of three pushdown strategies from the
filter's selectivity: exact brute force over the subset below 10%, an
oversampled beam with post-filtering up to 50%, and a modestly
oversampled unfiltered beam with post-filtering above that. Every
strategy returns only doc ids inside the bitmap, ordered by the metric
comparator.
*/
package vectorindex
