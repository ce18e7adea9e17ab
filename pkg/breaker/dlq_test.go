package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/types"
)

func testDLQConfig() config.DLQConfig {
	return config.DLQConfig{
		MaxSize:            10_000,
		TTLSecs:            604_800,
		CleanupIntervalSec: 3_600,
	}
}

func newTestDLQ(t *testing.T, cfg config.DLQConfig) (*DLQ, objstore.Store) {
	t.Helper()
	store, err := objstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewDLQ(cfg, store), store
}

func TestDLQAddAndGet(t *testing.T) {
	q, _ := newTestDLQ(t, testDLQConfig())
	cid := types.NewCollectionID()

	entry := q.Add(cid, 7, "upload failed after 5 retries", 5, []byte{1, 2, 3})

	assert.Equal(t, 1, q.Size())

	got, ok := q.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, "upload failed after 5 retries", got.ErrorMessage)
	assert.Equal(t, types.DocID(7), got.DocID)
	assert.Equal(t, cid, got.CollectionID)
}

func TestDLQSizeLimitEvictsOldest(t *testing.T) {
	cfg := testDLQConfig()
	cfg.MaxSize = 5
	q, _ := newTestDLQ(t, cfg)
	cid := types.NewCollectionID()

	var first Entry
	for i := 0; i < 6; i++ {
		e := q.Add(cid, types.DocID(i), "err", 1, nil)
		if i == 0 {
			first = e
		}
	}

	// Adding the (max+1)th entry evicts the oldest.
	assert.Equal(t, 5, q.Size())
	_, ok := q.Get(first.ID)
	assert.False(t, ok, "oldest entry must have been evicted")

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.TotalEvictions)
}

func TestDLQCleanupExpired(t *testing.T) {
	cfg := testDLQConfig()
	cfg.TTLSecs = 0 // entries expire immediately
	q, _ := newTestDLQ(t, cfg)
	cid := types.NewCollectionID()

	q.Add(cid, 1, "err", 1, nil)
	time.Sleep(10 * time.Millisecond)

	removed := q.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, uint64(1), q.Stats().TotalExpired)
}

func TestDLQPersistRoundTripsThroughRestart(t *testing.T) {
	cfg := testDLQConfig()
	store, err := objstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	q1 := NewDLQ(cfg, store)
	cid := types.NewCollectionID()
	entry := q1.Add(cid, 42, "s3 unreachable", 3, []byte("vector-bytes"))
	require.NoError(t, q1.Persist(context.Background()))

	// Simulated restart: fresh queue over the same store.
	q2 := NewDLQ(cfg, store)
	require.NoError(t, q2.Load(context.Background()))

	assert.Equal(t, 1, q2.Size())
	got, ok := q2.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, "s3 unreachable", got.ErrorMessage)
	assert.Equal(t, []byte("vector-bytes"), got.Payload)
	assert.Equal(t, 3, got.RetryCount)
}

func TestDLQLoadMissingBlobIsEmpty(t *testing.T) {
	q, _ := newTestDLQ(t, testDLQConfig())
	require.NoError(t, q.Load(context.Background()))
	assert.Equal(t, 0, q.Size())
}

func TestDLQRemoveAndClear(t *testing.T) {
	q, _ := newTestDLQ(t, testDLQConfig())
	cid := types.NewCollectionID()

	e1 := q.Add(cid, 1, "a", 1, nil)
	q.Add(cid, 2, "b", 1, nil)

	q.Remove(e1.ID)
	assert.Equal(t, 1, q.Size())
	_, ok := q.Get(e1.ID)
	assert.False(t, ok)

	q.Clear()
	assert.Equal(t, 0, q.Size())
}
