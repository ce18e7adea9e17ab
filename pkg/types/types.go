package types

import (
	"time"

	"github.com/google/uuid"
)

// CollectionID uniquely identifies a collection within a database.
type CollectionID string

// NewCollectionID generates a random collection identifier.
func NewCollectionID() CollectionID {
	return CollectionID(uuid.NewString())
}

func (id CollectionID) String() string { return string(id) }

// DatabaseID identifies the logical database a collection belongs to.
type DatabaseID string

// TenantID identifies the tenant that owns a database.
type TenantID string

// SnapshotID identifies a cold-tier snapshot object.
type SnapshotID string

// NewSnapshotID generates a random snapshot identifier.
func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.NewString())
}

func (id SnapshotID) String() string { return string(id) }

// SegmentID identifies an immutable columnar segment.
type SegmentID string

// NewSegmentID generates a random segment identifier.
func NewSegmentID() SegmentID {
	return SegmentID(uuid.NewString())
}

func (id SegmentID) String() string { return string(id) }

// StreamID identifies a write-ahead log stream. Each collection owns
// exactly one stream.
type StreamID string

// NewStreamID generates a random WAL stream identifier.
func NewStreamID() StreamID {
	return StreamID(uuid.NewString())
}

func (id StreamID) String() string { return string(id) }

// DocID is the per-collection 32-bit monotonic document identifier.
// IDs are reserved in contiguous atomic batches and never reused.
type DocID = uint32

// DistanceMetric selects the similarity function for a collection.
type DistanceMetric string

const (
	MetricL2     DistanceMetric = "l2"
	MetricCosine DistanceMetric = "cosine"
	MetricDot    DistanceMetric = "dot"
)

// Valid reports whether the metric is one of the supported values.
func (m DistanceMetric) Valid() bool {
	switch m {
	case MetricL2, MetricCosine, MetricDot:
		return true
	}
	return false
}

// Ascending reports whether lower scores rank first under this metric.
// L2 orders by ascending squared distance; Cosine and Dot order by
// descending similarity.
func (m DistanceMetric) Ascending() bool {
	return m == MetricL2
}

// Tier is the storage class of a collection.
type Tier string

const (
	TierHot  Tier = "hot"  // in-memory index
	TierWarm Tier = "warm" // local columnar file
	TierCold Tier = "cold" // object-store snapshot
)

// SegmentState tracks the lifecycle of a persisted segment.
type SegmentState string

const (
	SegmentActive     SegmentState = "active"
	SegmentCompacting SegmentState = "compacting"
	SegmentDead       SegmentState = "dead"
)

// GraphParams holds the graph-index build and search parameters.
type GraphParams struct {
	M              int `json:"m"`
	EfConstruction int `json:"ef_construction"`
	EfSearch       int `json:"ef_search"`
}

// VectorDocument is a single stored vector with optional payload.
type VectorDocument struct {
	DocID      DocID          `json:"doc_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Vector     []float32      `json:"vector"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	InsertedAt time.Time      `json:"inserted_at"`
}

// CollectionDescriptor is the immutable identity of a collection.
// Dimension and metric cannot change after creation.
type CollectionDescriptor struct {
	CollectionID   CollectionID   `json:"collection_id"`
	DatabaseID     DatabaseID     `json:"database_id"`
	Name           string         `json:"name"`
	Dimension      int            `json:"dimension"`
	Metric         DistanceMetric `json:"metric"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	GraphParams    GraphParams    `json:"graph_params"`
	MaxDocCount    uint64         `json:"max_doc_count"`
	WALStreamID    StreamID       `json:"wal_stream_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LSNRange is the inclusive range of log sequence numbers covered by a
// segment.
type LSNRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// SegmentDescriptor describes one persisted columnar segment.
type SegmentDescriptor struct {
	SegmentID   SegmentID    `json:"segment_id"`
	Collection  CollectionID `json:"collection"`
	RecordCount uint64       `json:"record_count"`
	VectorDim   int          `json:"vector_dim"`
	LSNRange    LSNRange     `json:"lsn_range"`
	Compression string       `json:"compression"`
	CreatedAt   time.Time    `json:"created_at"`
	State       SegmentState `json:"state"`
}

// SnapshotRef points to a cold-tier snapshot and its sidecar metadata.
type SnapshotRef struct {
	SnapshotID  SnapshotID `json:"snapshot_id"`
	Key         string     `json:"key"`
	RecordCount uint64     `json:"record_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CollectionManifest is the authoritative, versioned list of segments
// for a collection. It is the single cross-writer serialization point:
// updates commit only if the stored version still matches the version
// that was read.
type CollectionManifest struct {
	Collection    CollectionID        `json:"collection"`
	LatestVersion uint64              `json:"latest_version"`
	Epoch         uint64              `json:"epoch"`
	Dimension     int                 `json:"dimension"`
	Metric        DistanceMetric      `json:"metric"`
	TotalVectors  uint64              `json:"total_vectors"`
	CommittedLSN  uint64              `json:"committed_lsn"`
	Snapshot      *SnapshotRef        `json:"snapshot,omitempty"`
	Segments      []SegmentDescriptor `json:"segments"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// TierState is the persisted tiering row for a collection. A cold
// collection always has a snapshot ID, a warm collection always has a
// warm file path, and a hot collection has neither.
type TierState struct {
	CollectionID      CollectionID `json:"collection_id"`
	Tier              Tier         `json:"tier"`
	LastAccessedAt    time.Time    `json:"last_accessed_at"`
	AccessCount       uint64       `json:"access_count"`
	AccessWindowStart time.Time    `json:"access_window_start"`
	Pinned            bool         `json:"pinned"`
	SnapshotID        SnapshotID   `json:"snapshot_id,omitempty"`
	WarmFilePath      string       `json:"warm_file_path,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// TenantDescriptor holds per-tenant limits. MaxCollections is checked
// when a collection is created for the tenant; MaxTotalVectors is not
// checked.
type TenantDescriptor struct {
	TenantID        TenantID  `json:"tenant_id"`
	Name            string    `json:"name"`
	MaxCollections  int       `json:"max_collections"`
	MaxTotalVectors uint64    `json:"max_total_vectors"`
	CreatedAt       time.Time `json:"created_at"`
}

// ScoredPoint is one search result neighbor.
type ScoredPoint struct {
	DocID      DocID          `json:"doc_id"`
	PrimaryKey string         `json:"primary_key"`
	Score      float32        `json:"score"`
	Payload    map[string]any `json:"payload,omitempty"`
}
