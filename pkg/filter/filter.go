package filter

import (
	"encoding/json"

	"github.com/RoaringBitmap/roaring"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/metaindex"
	"github.com/stratadb/strata/pkg/types"
)

const (
	// DefaultMaxDepth bounds filter nesting.
	DefaultMaxDepth = 32

	// DefaultMaxClauses bounds the children of one boolean operator.
	DefaultMaxClauses = 128
)

// Node is a parsed filter AST node.
type Node interface {
	isNode()
}

// Must is the logical AND of its clauses. An empty Must matches all
// documents (the identity of intersection).
type Must []Node

// Should is the logical OR of its clauses. An empty Should matches no
// documents (the identity of union).
type Should []Node

// MustNot is the complement-within-all-docs of the union of its
// clauses.
type MustNot []Node

// Term matches documents whose field equals the value; a slice value
// matches any element.
type Term struct {
	Field string
	Value any
}

// Range matches documents whose numeric field lies in [GTE, LTE].
type Range struct {
	Field string
	GTE   *float64
	LTE   *float64
}

// Exists matches documents that contain the field.
type Exists struct {
	Field string
}

func (Must) isNode()    {}
func (Should) isNode()  {}
func (MustNot) isNode() {}
func (Term) isNode()    {}
func (Range) isNode()   {}
func (Exists) isNode()  {}

// Limits bounds the parser.
type Limits struct {
	MaxDepth   int
	MaxClauses int
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{MaxDepth: DefaultMaxDepth, MaxClauses: DefaultMaxClauses}
}

// Parse converts a JSON filter document into its AST.
func Parse(raw []byte, limits Limits) (Node, error) {
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	if limits.MaxClauses <= 0 {
		limits.MaxClauses = DefaultMaxClauses
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errs.Wrap(errs.Validation, "filter.parse", err)
	}
	return parseNode(value, 0, limits)
}

func parseNode(value any, depth int, limits Limits) (Node, error) {
	if depth > limits.MaxDepth {
		return nil, errs.Ef(errs.Validation, "filter.parse",
			"filter nesting exceeds maximum depth of %d", limits.MaxDepth)
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, errs.E(errs.Validation, "filter.parse", "filter must be a JSON object")
	}

	var booleans []Node

	if mustVal, ok := obj["must"]; ok {
		clauses, err := parseClauseArray("must", mustVal, depth, limits)
		if err != nil {
			return nil, err
		}
		booleans = append(booleans, Must(clauses))
	}
	if shouldVal, ok := obj["should"]; ok {
		clauses, err := parseClauseArray("should", shouldVal, depth, limits)
		if err != nil {
			return nil, err
		}
		booleans = append(booleans, Should(clauses))
	}
	if mustNotVal, ok := obj["must_not"]; ok {
		clauses, err := parseClauseArray("must_not", mustNotVal, depth, limits)
		if err != nil {
			return nil, err
		}
		booleans = append(booleans, MustNot(clauses))
	}

	if len(booleans) > 0 {
		// A single boolean clause collapses to itself.
		if len(booleans) == 1 {
			return booleans[0], nil
		}
		return Must(booleans), nil
	}

	fieldVal, hasField := obj["field"]
	if hasField {
		field, ok := fieldVal.(string)
		if !ok {
			return nil, errs.E(errs.Validation, "filter.parse", "field name must be a string")
		}
		if matchVal, ok := obj["match"]; ok {
			return Term{Field: field, Value: matchVal}, nil
		}
		if rangeVal, ok := obj["range"]; ok {
			return parseRange(field, rangeVal)
		}
	}

	if existsVal, ok := obj["exists"]; ok {
		field, err := parseExistsField(existsVal)
		if err != nil {
			return nil, err
		}
		return Exists{Field: field}, nil
	}

	return nil, errs.E(errs.Validation, "filter.parse", "unsupported filter expression")
}

func parseClauseArray(name string, value any, depth int, limits Limits) ([]Node, error) {
	arr, ok := value.([]any)
	if !ok {
		return nil, errs.Ef(errs.Validation, "filter.parse", "%s clause expects an array", name)
	}
	if len(arr) > limits.MaxClauses {
		return nil, errs.Ef(errs.Validation, "filter.parse",
			"%s clause exceeds maximum of %d entries", name, limits.MaxClauses)
	}

	clauses := make([]Node, 0, len(arr))
	for _, item := range arr {
		node, err := parseNode(item, depth+1, limits)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, node)
	}
	return clauses, nil
}

func parseRange(field string, value any) (Node, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, errs.E(errs.Validation, "filter.parse", "range clause expects an object")
	}

	var gte, lte *float64
	if v, ok := obj["gte"]; ok {
		f, isNum := v.(float64)
		if !isNum {
			return nil, errs.E(errs.Validation, "filter.parse", "range gte must be numeric")
		}
		gte = &f
	}
	if v, ok := obj["lte"]; ok {
		f, isNum := v.(float64)
		if !isNum {
			return nil, errs.E(errs.Validation, "filter.parse", "range lte must be numeric")
		}
		lte = &f
	}
	if gte == nil && lte == nil {
		return nil, errs.E(errs.Validation, "filter.parse", "range clause requires gte or lte")
	}
	return Range{Field: field, GTE: gte, LTE: lte}, nil
}

func parseExistsField(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case map[string]any:
		if field, ok := v["field"].(string); ok {
			return field, nil
		}
	}
	return "", errs.E(errs.Validation, "filter.parse", "exists clause requires a field name")
}

// Evaluate lowers the AST to bitmap operations over the metadata
// index: must intersects (identity = all docs), should unions
// (identity = empty), must_not complements within all docs.
func Evaluate(node Node, idx *metaindex.Index, cid types.CollectionID) (*roaring.Bitmap, error) {
	switch n := node.(type) {
	case Must:
		if len(n) == 0 {
			return idx.AllDocs(cid), nil
		}
		out, err := Evaluate(n[0], idx, cid)
		if err != nil {
			return nil, err
		}
		for _, clause := range n[1:] {
			bm, err := Evaluate(clause, idx, cid)
			if err != nil {
				return nil, err
			}
			out.And(bm)
		}
		return out, nil

	case Should:
		out := roaring.New()
		for _, clause := range n {
			bm, err := Evaluate(clause, idx, cid)
			if err != nil {
				return nil, err
			}
			out.Or(bm)
		}
		return out, nil

	case MustNot:
		all := idx.AllDocs(cid)
		if len(n) == 0 {
			return all, nil
		}
		excluded := roaring.New()
		for _, clause := range n {
			bm, err := Evaluate(clause, idx, cid)
			if err != nil {
				return nil, err
			}
			excluded.Or(bm)
		}
		all.AndNot(excluded)
		return all, nil

	case Term:
		return idx.FindTerm(cid, n.Field, n.Value)

	case Range:
		return idx.FindRange(cid, n.Field, n.GTE, n.LTE)

	case Exists:
		return idx.FindExists(cid, n.Field), nil
	}

	return nil, errs.Ef(errs.Internal, "filter.evaluate", "unknown node type %T", node)
}

// Cache memoizes parsed ASTs keyed by the raw filter bytes. A batch
// request often repeats identical filters across queries; the parser is
// pure, so each distinct filter parses once per request.
type Cache struct {
	limits Limits
	nodes  map[string]Node
}

// NewCache creates a per-request AST cache.
func NewCache(limits Limits) *Cache {
	return &Cache{limits: limits, nodes: make(map[string]Node)}
}

// Parse returns the cached AST for raw, parsing on first sight.
func (c *Cache) Parse(raw []byte) (Node, error) {
	if node, ok := c.nodes[string(raw)]; ok {
		return node, nil
	}
	node, err := Parse(raw, c.limits)
	if err != nil {
		return nil, err
	}
	c.nodes[string(raw)] = node
	return node, nil
}

// Len returns the number of distinct filters parsed.
func (c *Cache) Len() int { return len(c.nodes) }
