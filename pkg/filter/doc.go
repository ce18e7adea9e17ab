/*
Package filter parses the JSON filter DSL into an AST and lowers it to
roaring-bitmap operations over the metadata index.

The DSL supports the boolean operators must (AND), should (OR), and
must_not (NOT), and the leaves {field, match}, {field, range:{gte,
lte}}, and {exists: field}. Nesting is bounded at 32 levels and each
boolean operator at 128 clauses.

Evaluation semantics follow the identity elements: an empty must
matches all documents, an empty should matches none, and must_not
complements within the collection's all-docs bitmap. A filter with a
single boolean operator collapses to that operator.

The per-request Cache memoizes parsed ASTs by filter bytes, so a batch
of queries that repeat the same filter parses it once.
*/
package filter
