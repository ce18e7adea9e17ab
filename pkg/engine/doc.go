/*
Package engine executes physical query plans.

Plans are trees of executable nodes; AnnSearch, the k-NN probe against
an index handle, is the only mandatory node. The single-query path
simply dispatches the root node.

The batch executor accepts up to 100 queries for one collection,
rejects empty and oversize batches, parses and evaluates each distinct
filter exactly once per request, and fans the queries out onto
concurrent tasks. Every task gets the request's per-query deadline; the
cancellation propagates into the index's beam loop. Results return in
the caller's order with per-query latency attached, and a query whose
filter matches nothing short-circuits without touching the index.
*/
package engine
