package metaindex

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

// fieldIndex is the inverted index for one (collection, field) pair:
// a term map, a sorted numeric map for ranges, and the exists bitmap.
type fieldIndex struct {
	terms map[string]*roaring.Bitmap

	numericKeys []float64
	numeric     map[float64]*roaring.Bitmap

	exists *roaring.Bitmap
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{
		terms:   make(map[string]*roaring.Bitmap),
		numeric: make(map[float64]*roaring.Bitmap),
		exists:  roaring.New(),
	}
}

func (f *fieldIndex) addTerm(key string, docID types.DocID) {
	bm, ok := f.terms[key]
	if !ok {
		bm = roaring.New()
		f.terms[key] = bm
	}
	bm.Add(docID)
	f.exists.Add(docID)
}

func (f *fieldIndex) addNumeric(v float64, docID types.DocID) {
	bm, ok := f.numeric[v]
	if !ok {
		bm = roaring.New()
		f.numeric[v] = bm
		i := sort.SearchFloat64s(f.numericKeys, v)
		f.numericKeys = append(f.numericKeys, 0)
		copy(f.numericKeys[i+1:], f.numericKeys[i:])
		f.numericKeys[i] = v
	}
	bm.Add(docID)
}

func (f *fieldIndex) removeDoc(docID types.DocID, termKeys []string, numerics []float64) {
	for _, key := range termKeys {
		if bm, ok := f.terms[key]; ok {
			bm.Remove(docID)
			if bm.IsEmpty() {
				delete(f.terms, key)
			}
		}
	}
	for _, v := range numerics {
		if bm, ok := f.numeric[v]; ok {
			bm.Remove(docID)
			if bm.IsEmpty() {
				delete(f.numeric, v)
				i := sort.SearchFloat64s(f.numericKeys, v)
				if i < len(f.numericKeys) && f.numericKeys[i] == v {
					f.numericKeys = append(f.numericKeys[:i], f.numericKeys[i+1:]...)
				}
			}
		}
	}
	f.exists.Remove(docID)
}

func (f *fieldIndex) empty() bool {
	return f.exists.IsEmpty()
}

// docEntry is the per-doc inverse used for removal cleanup.
type docEntry struct {
	termKeys map[string][]string  // field -> term keys
	numerics map[string][]float64 // field -> numeric values
}

// collectionIndex holds all field indexes plus the all-docs bitmap for
// one collection.
type collectionIndex struct {
	fields map[string]*fieldIndex
	all    *roaring.Bitmap
	docs   map[types.DocID]*docEntry
}

func newCollectionIndex() *collectionIndex {
	return &collectionIndex{
		fields: make(map[string]*fieldIndex),
		all:    roaring.New(),
		docs:   make(map[types.DocID]*docEntry),
	}
}

// Index is the in-memory metadata index: collection → field → inverted
// index over roaring bitmaps of doc ids. Only scalar and array leaves
// are indexable; nested objects are rejected at insert.
type Index struct {
	mu          sync.RWMutex
	collections map[types.CollectionID]*collectionIndex
}

// New creates an empty metadata index.
func New() *Index {
	return &Index{collections: make(map[types.CollectionID]*collectionIndex)}
}

// termKey canonicalizes a scalar into the term-map key space so insert
// and query agree on representation.
func termKey(v any) (key string, numeric float64, isNumeric bool, err error) {
	switch val := v.(type) {
	case string:
		return "s:" + val, 0, false, nil
	case bool:
		return "b:" + strconv.FormatBool(val), 0, false, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", 0, false, errs.E(errs.Validation, "metaindex", "non-finite numeric value")
		}
		return "n:" + strconv.FormatFloat(val, 'g', -1, 64), val, true, nil
	case float32:
		return termKey(float64(val))
	case int:
		return termKey(float64(val))
	case int64:
		return termKey(float64(val))
	case uint64:
		return termKey(float64(val))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return "", 0, false, errs.Wrap(errs.Validation, "metaindex", err)
		}
		return termKey(f)
	case nil:
		return "null", 0, false, nil
	}
	return "", 0, false, errs.Ef(errs.Validation, "metaindex", "unsupported value type %T", v)
}

// InsertMetadata indexes a document's metadata, replacing any previous
// entry for the doc. A nil or empty metadata object still registers the
// doc in the all-docs bitmap. Nested objects and non-finite numbers are
// rejected before any state changes.
func (idx *Index) InsertMetadata(cid types.CollectionID, docID types.DocID, metadata map[string]any) error {
	// Validate fully before touching the index.
	entry := &docEntry{
		termKeys: make(map[string][]string),
		numerics: make(map[string][]float64),
	}
	for field, value := range metadata {
		values, ok := value.([]any)
		if !ok {
			values = []any{value}
		}
		for _, v := range values {
			if _, isObj := v.(map[string]any); isObj {
				return errs.Ef(errs.Validation, "metaindex",
					"field %q: nested objects are not indexable", field)
			}
			if _, isArr := v.([]any); isArr {
				return errs.Ef(errs.Validation, "metaindex",
					"field %q: nested arrays are not indexable", field)
			}
			key, num, isNum, err := termKey(v)
			if err != nil {
				return err
			}
			entry.termKeys[field] = append(entry.termKeys[field], key)
			if isNum {
				entry.numerics[field] = append(entry.numerics[field], num)
			}
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	ci, ok := idx.collections[cid]
	if !ok {
		ci = newCollectionIndex()
		idx.collections[cid] = ci
	}

	idx.removeDocLocked(ci, docID)

	for field, keys := range entry.termKeys {
		fi, ok := ci.fields[field]
		if !ok {
			fi = newFieldIndex()
			ci.fields[field] = fi
		}
		for _, key := range keys {
			fi.addTerm(key, docID)
		}
		for _, num := range entry.numerics[field] {
			fi.addNumeric(num, docID)
		}
	}

	ci.all.Add(docID)
	ci.docs[docID] = entry
	return nil
}

// RemoveMetadata drops a document from every field index and the
// all-docs bitmap.
func (idx *Index) RemoveMetadata(cid types.CollectionID, docID types.DocID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ci, ok := idx.collections[cid]
	if !ok {
		return
	}
	idx.removeDocLocked(ci, docID)
	ci.all.Remove(docID)
	if ci.all.IsEmpty() {
		delete(idx.collections, cid)
	}
}

func (idx *Index) removeDocLocked(ci *collectionIndex, docID types.DocID) {
	entry, ok := ci.docs[docID]
	if !ok {
		return
	}
	for field, keys := range entry.termKeys {
		if fi, ok := ci.fields[field]; ok {
			fi.removeDoc(docID, keys, entry.numerics[field])
			if fi.empty() {
				delete(ci.fields, field)
			}
		}
	}
	delete(ci.docs, docID)
}

// RemoveCollection drops every doc of a collection, e.g. on demotion.
func (idx *Index) RemoveCollection(cid types.CollectionID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.collections, cid)
}

// FindTerm returns the docs whose field matches the value. A slice
// value matches any element (OR semantics).
func (idx *Index) FindTerm(cid types.CollectionID, field string, value any) (*roaring.Bitmap, error) {
	values, ok := value.([]any)
	if !ok {
		values = []any{value}
	}

	keys := make([]string, 0, len(values))
	for _, v := range values {
		key, _, _, err := termKey(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := roaring.New()
	ci, ok := idx.collections[cid]
	if !ok {
		return out, nil
	}
	fi, ok := ci.fields[field]
	if !ok {
		return out, nil
	}
	for _, key := range keys {
		if bm, ok := fi.terms[key]; ok {
			out.Or(bm)
		}
	}
	return out, nil
}

// FindRange returns docs whose numeric field value lies in the
// inclusive [gte, lte] interval. Nil bounds are open. The sorted key
// slice locates the bounds; the bitmaps inside the interval are ORed in
// one pass.
func (idx *Index) FindRange(cid types.CollectionID, field string, gte, lte *float64) (*roaring.Bitmap, error) {
	if gte == nil && lte == nil {
		return nil, errs.E(errs.Validation, "metaindex", "range requires at least one bound")
	}
	if gte != nil && (math.IsNaN(*gte) || math.IsInf(*gte, 0)) {
		return nil, errs.E(errs.Validation, "metaindex", "non-finite range bound")
	}
	if lte != nil && (math.IsNaN(*lte) || math.IsInf(*lte, 0)) {
		return nil, errs.E(errs.Validation, "metaindex", "non-finite range bound")
	}

	out := roaring.New()
	if gte != nil && lte != nil && *gte > *lte {
		return out, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ci, ok := idx.collections[cid]
	if !ok {
		return out, nil
	}
	fi, ok := ci.fields[field]
	if !ok {
		return out, nil
	}

	lo := 0
	if gte != nil {
		lo = sort.SearchFloat64s(fi.numericKeys, *gte)
	}
	hi := len(fi.numericKeys)
	if lte != nil {
		hi = sort.Search(len(fi.numericKeys), func(i int) bool { return fi.numericKeys[i] > *lte })
	}

	for i := lo; i < hi; i++ {
		out.Or(fi.numeric[fi.numericKeys[i]])
	}
	return out, nil
}

// FindExists returns docs that contain the field at all.
func (idx *Index) FindExists(cid types.CollectionID, field string) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ci, ok := idx.collections[cid]
	if !ok {
		return roaring.New()
	}
	fi, ok := ci.fields[field]
	if !ok {
		return roaring.New()
	}
	return fi.exists.Clone()
}

// AllDocs returns every doc id registered for the collection.
func (idx *Index) AllDocs(cid types.CollectionID) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ci, ok := idx.collections[cid]
	if !ok {
		return roaring.New()
	}
	return ci.all.Clone()
}
