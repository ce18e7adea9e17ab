package store

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

var (
	// Bucket names
	bucketCollections = []byte("collections")
	bucketTierStates  = []byte("tier_states")
	bucketVectors     = []byte("vectors")
	bucketTenants     = []byte("tenants")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "strata.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.PermanentStorage, "store.open", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketCollections,
			bucketTierStates,
			bucketVectors,
			bucketTenants,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.PermanentStorage, "store.open", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PackVector serializes a vector as little-endian packed f32.
func PackVector(vector []float32) []byte {
	out := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// UnpackVector reverses PackVector.
func UnpackVector(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func vectorKey(cid types.CollectionID, docID types.DocID) []byte {
	key := make([]byte, 0, len(cid)+5)
	key = append(key, string(cid)...)
	key = append(key, '/')
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], docID) // big-endian sorts by doc id
	return append(key, id[:]...)
}

// Collection operations

func (s *BoltStore) CreateCollection(desc *types.CollectionDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollections)
		if b.Get([]byte(desc.CollectionID)) != nil {
			return errs.Ef(errs.AlreadyExists, "store.create_collection",
				"collection %s already exists", desc.CollectionID)
		}
		data, err := json.Marshal(desc)
		if err != nil {
			return err
		}
		return b.Put([]byte(desc.CollectionID), data)
	})
}

func (s *BoltStore) GetCollection(id types.CollectionID) (*types.CollectionDescriptor, error) {
	var desc types.CollectionDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCollections).Get([]byte(id))
		if data == nil {
			return errs.Ef(errs.NotFound, "store.get_collection", "collection not found: %s", id)
		}
		return json.Unmarshal(data, &desc)
	})
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *BoltStore) GetCollectionByName(name string) (*types.CollectionDescriptor, error) {
	var found *types.CollectionDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var desc types.CollectionDescriptor
			if err := json.Unmarshal(v, &desc); err != nil {
				return err
			}
			if desc.Name == name {
				found = &desc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errs.Ef(errs.NotFound, "store.get_collection", "collection not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListCollections() ([]*types.CollectionDescriptor, error) {
	var descs []*types.CollectionDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var desc types.CollectionDescriptor
			if err := json.Unmarshal(v, &desc); err != nil {
				return err
			}
			descs = append(descs, &desc)
			return nil
		})
	})
	return descs, err
}

func (s *BoltStore) UpdateCollection(desc *types.CollectionDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollections)
		data, err := json.Marshal(desc)
		if err != nil {
			return err
		}
		return b.Put([]byte(desc.CollectionID), data)
	})
}

func (s *BoltStore) DeleteCollection(id types.CollectionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).Delete([]byte(id))
	})
}

// Tier state operations

func (s *BoltStore) PutTierState(state *types.TierState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTierStates).Put([]byte(state.CollectionID), data)
	})
}

func (s *BoltStore) GetTierState(id types.CollectionID) (*types.TierState, error) {
	var state types.TierState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTierStates).Get([]byte(id))
		if data == nil {
			return errs.Ef(errs.NotFound, "store.get_tier_state", "tier state not found: %s", id)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListTierStates() ([]*types.TierState, error) {
	var states []*types.TierState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTierStates).ForEach(func(k, v []byte) error {
			var state types.TierState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) DeleteTierState(id types.CollectionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTierStates).Delete([]byte(id))
	})
}

// Vector operations

func (s *BoltStore) PutVector(row *VectorRow) error {
	return s.PutVectors([]*VectorRow{row})
}

// PutVectors writes a batch of rows in a single transaction.
func (s *BoltStore) PutVectors(rows []*VectorRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for _, row := range rows {
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(vectorKey(row.CollectionID, row.DocID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetVector(cid types.CollectionID, docID types.DocID) (*VectorRow, error) {
	var row VectorRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVectors).Get(vectorKey(cid, docID))
		if data == nil {
			return errs.Ef(errs.NotFound, "store.get_vector", "vector not found: %s/%d", cid, docID)
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListVectors returns every row of a collection in doc-id order.
func (s *BoltStore) ListVectors(cid types.CollectionID) ([]*VectorRow, error) {
	var rows []*VectorRow
	prefix := append([]byte(cid), '/')
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVectors).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row VectorRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, &row)
		}
		return nil
	})
	return rows, err
}

func (s *BoltStore) DeleteVector(cid types.CollectionID, docID types.DocID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVectors).Delete(vectorKey(cid, docID))
	})
}

// DeleteVectors removes every row of a collection.
func (s *BoltStore) DeleteVectors(cid types.CollectionID) error {
	prefix := append([]byte(cid), '/')
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVectors).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Tenant operations

func (s *BoltStore) CreateTenant(tenant *types.TenantDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(tenant.TenantID)) != nil {
			return errs.Ef(errs.AlreadyExists, "store.create_tenant",
				"tenant %s already exists", tenant.TenantID)
		}
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return b.Put([]byte(tenant.TenantID), data)
	})
}

func (s *BoltStore) GetTenant(id types.TenantID) (*types.TenantDescriptor, error) {
	var tenant types.TenantDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(id))
		if data == nil {
			return errs.Ef(errs.NotFound, "store.get_tenant", "tenant not found: %s", id)
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) ListTenants() ([]*types.TenantDescriptor, error) {
	var tenants []*types.TenantDescriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var tenant types.TenantDescriptor
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) DeleteTenant(id types.TenantID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).Delete([]byte(id))
	})
}
