package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCollectionCRUD(t *testing.T) {
	s := newTestStore(t)

	desc := &types.CollectionDescriptor{
		CollectionID: types.NewCollectionID(),
		Name:         "articles",
		Dimension:    384,
		Metric:       types.MetricCosine,
		WALStreamID:  types.NewStreamID(),
		CreatedAt:    time.Now().UTC(),
	}

	require.NoError(t, s.CreateCollection(desc))

	got, err := s.GetCollection(desc.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "articles", got.Name)
	assert.Equal(t, 384, got.Dimension)

	byName, err := s.GetCollectionByName("articles")
	require.NoError(t, err)
	assert.Equal(t, desc.CollectionID, byName.CollectionID)

	// Duplicate create fails.
	err = s.CreateCollection(desc)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))

	all, err := s.ListCollections()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteCollection(desc.CollectionID))
	_, err = s.GetCollection(desc.CollectionID)
	assert.True(t, errs.IsNotFound(err))
}

func TestTierStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cid := types.NewCollectionID()

	state := &types.TierState{
		CollectionID:   cid,
		Tier:           types.TierHot,
		LastAccessedAt: time.Now().UTC(),
		AccessCount:    3,
		Pinned:         true,
	}
	require.NoError(t, s.PutTierState(state))

	got, err := s.GetTierState(cid)
	require.NoError(t, err)
	assert.Equal(t, types.TierHot, got.Tier)
	assert.True(t, got.Pinned)
	assert.Equal(t, uint64(3), got.AccessCount)

	// Upsert to warm with a file path.
	state.Tier = types.TierWarm
	state.WarmFilePath = "warm/x.columnar"
	require.NoError(t, s.PutTierState(state))

	got, err = s.GetTierState(cid)
	require.NoError(t, err)
	assert.Equal(t, types.TierWarm, got.Tier)
	assert.Equal(t, "warm/x.columnar", got.WarmFilePath)
}

func TestVectorRowsOrderedByDocID(t *testing.T) {
	s := newTestStore(t)
	cid := types.NewCollectionID()

	// Insert out of order; list must come back sorted by doc id.
	for _, id := range []types.DocID{5, 1, 300, 2} {
		require.NoError(t, s.PutVector(&VectorRow{
			CollectionID: cid,
			DocID:        id,
			Vector:       PackVector([]float32{float32(id)}),
			InsertedAt:   time.Now().UTC(),
		}))
	}

	rows, err := s.ListVectors(cid)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []types.DocID{1, 2, 5, 300},
		[]types.DocID{rows[0].DocID, rows[1].DocID, rows[2].DocID, rows[3].DocID})
}

func TestVectorPackRoundTrip(t *testing.T) {
	vec := []float32{1.5, -2.25, 0, 3.14159}
	assert.Equal(t, vec, UnpackVector(PackVector(vec)))
}

func TestVectorsScopedPerCollection(t *testing.T) {
	s := newTestStore(t)
	cid1, cid2 := types.NewCollectionID(), types.NewCollectionID()

	require.NoError(t, s.PutVector(&VectorRow{CollectionID: cid1, DocID: 1, Vector: PackVector([]float32{1})}))
	require.NoError(t, s.PutVector(&VectorRow{CollectionID: cid2, DocID: 1, Vector: PackVector([]float32{2})}))

	rows1, err := s.ListVectors(cid1)
	require.NoError(t, err)
	assert.Len(t, rows1, 1)
	assert.Equal(t, []float32{1}, UnpackVector(rows1[0].Vector))

	require.NoError(t, s.DeleteVectors(cid1))
	rows1, err = s.ListVectors(cid1)
	require.NoError(t, err)
	assert.Empty(t, rows1)

	rows2, err := s.ListVectors(cid2)
	require.NoError(t, err)
	assert.Len(t, rows2, 1)
}

func TestPutVectorsBatch(t *testing.T) {
	s := newTestStore(t)
	cid := types.NewCollectionID()

	rows := make([]*VectorRow, 10)
	for i := range rows {
		rows[i] = &VectorRow{CollectionID: cid, DocID: types.DocID(i), Vector: PackVector([]float32{float32(i)})}
	}
	require.NoError(t, s.PutVectors(rows))

	listed, err := s.ListVectors(cid)
	require.NoError(t, err)
	assert.Len(t, listed, 10)
}

func TestTenantCRUD(t *testing.T) {
	s := newTestStore(t)

	tenant := &types.TenantDescriptor{
		TenantID:        "acme",
		Name:            "Acme Corp",
		MaxCollections:  10,
		MaxTotalVectors: 1_000_000,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.CreateTenant(tenant))

	got, err := s.GetTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxCollections)

	err = s.CreateTenant(tenant)
	assert.Equal(t, errs.AlreadyExists, errs.KindOf(err))

	tenants, err := s.ListTenants()
	require.NoError(t, err)
	assert.Len(t, tenants, 1)

	require.NoError(t, s.DeleteTenant("acme"))
	_, err = s.GetTenant("acme")
	assert.True(t, errs.IsNotFound(err))
}
