package store

import (
	"time"

	"github.com/stratadb/strata/pkg/types"
)

// VectorRow is the persisted shape of one vector document. The vector
// is packed little-endian f32; metadata is the raw JSON object.
type VectorRow struct {
	CollectionID types.CollectionID `json:"collection_id"`
	DocID        types.DocID        `json:"doc_id"`
	Vector       []byte             `json:"vector"`
	ExternalID   string             `json:"external_id,omitempty"`
	Metadata     []byte             `json:"metadata,omitempty"`
	InsertedAt   time.Time          `json:"inserted_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Store defines the interface for the persisted metadata rows the core
// consumes: collection descriptors, tier state, vector documents, and
// tenant descriptors. The row shapes are the external contract; the
// core depends only on this CRUD surface.
type Store interface {
	// Collection descriptors
	CreateCollection(desc *types.CollectionDescriptor) error
	GetCollection(id types.CollectionID) (*types.CollectionDescriptor, error)
	GetCollectionByName(name string) (*types.CollectionDescriptor, error)
	ListCollections() ([]*types.CollectionDescriptor, error)
	UpdateCollection(desc *types.CollectionDescriptor) error
	DeleteCollection(id types.CollectionID) error

	// Tier state
	PutTierState(state *types.TierState) error
	GetTierState(id types.CollectionID) (*types.TierState, error)
	ListTierStates() ([]*types.TierState, error)
	DeleteTierState(id types.CollectionID) error

	// Vector documents
	PutVector(row *VectorRow) error
	PutVectors(rows []*VectorRow) error
	GetVector(cid types.CollectionID, docID types.DocID) (*VectorRow, error)
	ListVectors(cid types.CollectionID) ([]*VectorRow, error)
	DeleteVector(cid types.CollectionID, docID types.DocID) error
	DeleteVectors(cid types.CollectionID) error

	// Tenants
	CreateTenant(tenant *types.TenantDescriptor) error
	GetTenant(id types.TenantID) (*types.TenantDescriptor, error)
	ListTenants() ([]*types.TenantDescriptor, error)
	DeleteTenant(id types.TenantID) error

	// Utility
	Close() error
}
