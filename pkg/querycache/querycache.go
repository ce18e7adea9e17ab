package querycache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/types"
)

// Key carries every component of the cache fingerprint. Two queries
// share an entry iff every component matches.
type Key struct {
	TenantID   types.TenantID
	Collection types.CollectionID
	Vector     []float32
	K          int
	FilterJSON []byte // raw filter document, nil when unfiltered
}

// Fingerprint returns the SHA-256 cache key: qc:<hex>. The query vector
// hashes as little-endian f32 bytes; the filter document is normalized
// by re-marshaling, which sorts object keys, so semantically identical
// filters written in different key orders collide on purpose.
func (k Key) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(k.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(k.Collection))
	h.Write([]byte{0})

	var scratch [4]byte
	for _, v := range k.Vector {
		binary.LittleEndian.PutUint32(scratch[:], floatBits(v))
		h.Write(scratch[:])
	}

	binary.LittleEndian.PutUint32(scratch[:], uint32(k.K))
	h.Write(scratch[:])

	if len(k.FilterJSON) > 0 {
		h.Write(normalizeFilter(k.FilterJSON))
	}

	return fmt.Sprintf("qc:%x", h.Sum(nil))
}

func normalizeFilter(raw []byte) []byte {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}
	normalized, err := json.Marshal(value)
	if err != nil {
		return raw
	}
	return normalized
}

// Result is a cached query response.
type Result struct {
	Neighbors []types.ScoredPoint `json:"neighbors"`
	CachedAt  time.Time           `json:"cached_at"`
	LatencyMs float64             `json:"latency_ms"`
}

// Stats reports cache effectiveness and invalidation tracking load.
type Stats struct {
	Entries        int
	Hits           uint64
	Misses         uint64
	Invalidations  uint64
	TrackedVectors int
}

// Tier is the interface a distributed L2 cache would implement. The
// core ships only the in-process L1.
type Tier interface {
	Get(key string) (Result, bool)
	Set(key string, result Result)
	Invalidate(key string)
}

// Cache is the L1 query result cache: an expiring LRU keyed by
// fingerprint, plus the inverted vector→cache-keys map used for
// targeted invalidation. False positives in the inverted map only cost
// a recompute; false negatives cannot happen because every result
// doc id registers its cache key at insert time.
type Cache struct {
	entries *lru.LRU[string, Result]

	mu          sync.Mutex
	vectorKeys  map[string]map[string]struct{} // vector -> cache keys
	keyVectors  map[string][]string            // cache key -> vectors
	hits        uint64
	misses      uint64
	invalidated uint64
}

// New creates a cache with the configured capacity and TTL.
func New(cfg config.CacheConfig) *Cache {
	c := &Cache{
		vectorKeys: make(map[string]map[string]struct{}),
		keyVectors: make(map[string][]string),
	}
	c.entries = lru.NewLRU(cfg.MaxEntries, func(key string, _ Result) {
		c.untrack(key)
	}, cfg.TTL())
	return c
}

func vectorTag(cid types.CollectionID, docID types.DocID) string {
	return fmt.Sprintf("%s/%d", cid, docID)
}

// Get returns the cached result for the fingerprint, if fresh.
func (c *Cache) Get(key string) (Result, bool) {
	result, ok := c.entries.Get(key)
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if ok {
		metrics.CacheHitsTotal.Inc()
	} else {
		metrics.CacheMissesTotal.Inc()
	}
	return result, ok
}

// Set stores a result and registers every result doc id in the
// inverted map so later mutations of those docs invalidate this entry.
func (c *Cache) Set(cid types.CollectionID, key string, result Result) {
	c.entries.Add(key, result)

	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(result.Neighbors))
	for _, n := range result.Neighbors {
		tag := vectorTag(cid, n.DocID)
		tags = append(tags, tag)
		keys, ok := c.vectorKeys[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.vectorKeys[tag] = keys
		}
		keys[key] = struct{}{}
	}
	c.keyVectors[key] = tags
}

// InvalidateDocs drops every cache entry whose result set contains any
// of the given doc ids. Called on insert, update, and delete.
func (c *Cache) InvalidateDocs(cid types.CollectionID, docIDs []types.DocID) int {
	c.mu.Lock()
	affected := make(map[string]struct{})
	for _, docID := range docIDs {
		for key := range c.vectorKeys[vectorTag(cid, docID)] {
			affected[key] = struct{}{}
		}
	}
	c.mu.Unlock()

	for key := range affected {
		c.entries.Remove(key) // eviction callback untracks
	}

	n := len(affected)
	if n > 0 {
		c.mu.Lock()
		c.invalidated += uint64(n)
		c.mu.Unlock()
		metrics.CacheInvalidationsTotal.Add(float64(n))
	}
	return n
}

// InvalidateCollection drops every entry tracked for the collection.
// Used when a collection is dropped or rebuilt wholesale.
func (c *Cache) InvalidateCollection(cid types.CollectionID) {
	prefix := cid.String() + "/"

	c.mu.Lock()
	affected := make(map[string]struct{})
	for tag, keys := range c.vectorKeys {
		if len(tag) > len(prefix) && tag[:len(prefix)] == prefix {
			for key := range keys {
				affected[key] = struct{}{}
			}
		}
	}
	c.mu.Unlock()

	for key := range affected {
		c.entries.Remove(key)
	}
}

// untrack removes an evicted or invalidated key from the inverted map.
func (c *Cache) untrack(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tag := range c.keyVectors[key] {
		if keys, ok := c.vectorKeys[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.vectorKeys, tag)
			}
		}
	}
	delete(c.keyVectors, key)
}

// Stats returns effectiveness counters. The LRU length is read before
// taking the tracking lock: eviction callbacks run under the LRU's own
// lock and acquire the tracking lock, so the reverse order here would
// invert them.
func (c *Cache) Stats() Stats {
	entries := c.entries.Len()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:        entries,
		Hits:           c.hits,
		Misses:         c.misses,
		Invalidations:  c.invalidated,
		TrackedVectors: len(c.vectorKeys),
	}
}

// Purge empties the cache and tracking state.
func (c *Cache) Purge() {
	c.entries.Purge()
	c.mu.Lock()
	c.vectorKeys = make(map[string]map[string]struct{})
	c.keyVectors = make(map[string][]string)
	c.mu.Unlock()
}

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}
