package tier

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/events"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/segment"
	"github.com/stratadb/strata/pkg/store"
	"github.com/stratadb/strata/pkg/types"
)

// Host is the collection runtime the manager drives during
// transitions: it can hand over a hot collection's documents, drop the
// in-memory index, and rebuild it from decoded documents.
type Host interface {
	ExtractDocuments(cid types.CollectionID) ([]types.VectorDocument, int, error)
	DropIndex(cid types.CollectionID)
	RebuildIndex(cid types.CollectionID, docs []types.VectorDocument) error
}

// WarmKey returns the object key of a collection's warm-tier file.
func WarmKey(cid types.CollectionID) string {
	return fmt.Sprintf("warm/%s.columnar", cid)
}

// SnapshotKey returns the object key of a cold-tier snapshot.
func SnapshotKey(cid types.CollectionID, sid types.SnapshotID) string {
	return fmt.Sprintf("snapshots/%s/%s.columnar", cid, sid)
}

// SnapshotMetaKey returns the key of a snapshot's metadata sidecar.
func SnapshotMetaKey(cid types.CollectionID, sid types.SnapshotID) string {
	return SnapshotKey(cid, sid) + ".metadata.json"
}

// SnapshotMeta is the sidecar written next to every snapshot object.
type SnapshotMeta struct {
	SnapshotID  types.SnapshotID   `json:"snapshot_id"`
	Collection  types.CollectionID `json:"collection"`
	RecordCount uint64             `json:"record_count"`
	Dimension   int                `json:"dimension"`
	Compression string             `json:"compression"`
	CreatedAt   time.Time          `json:"created_at"`
}

// accessWindow is the in-memory rolling access counter per collection.
type accessWindow struct {
	count       int
	windowStart time.Time
	last        time.Time
}

// Manager runs the Hot <-> Warm <-> Cold state machine. Transitions
// for one collection are serialized by a per-collection lock; access
// recording is best-effort — a dropped persistent update only delays a
// transition.
type Manager struct {
	cfg    config.TieringConfig
	rows   store.Store
	obj    objstore.Store
	host   Host
	bus    *events.Bus
	enc    *segment.Encoder
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	locks  map[types.CollectionID]*sync.Mutex
	access map[types.CollectionID]*accessWindow

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a tier manager.
func NewManager(cfg config.TieringConfig, rows store.Store, obj objstore.Store, host Host, bus *events.Bus) *Manager {
	return &Manager{
		cfg:    cfg,
		rows:   rows,
		obj:    obj,
		host:   host,
		bus:    bus,
		enc:    segment.NewEncoder(segment.DefaultOptions()),
		logger: log.WithComponent("tier"),
		now:    time.Now,
		locks:  make(map[types.CollectionID]*sync.Mutex),
		access: make(map[types.CollectionID]*accessWindow),
		stopCh: make(chan struct{}),
	}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) lockFor(cid types.CollectionID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.locks[cid]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[cid] = mu
	}
	return mu
}

// Init creates the Hot tier-state row for a new collection.
func (m *Manager) Init(cid types.CollectionID) error {
	now := m.now().UTC()
	return m.rows.PutTierState(&types.TierState{
		CollectionID:      cid,
		Tier:              types.TierHot,
		LastAccessedAt:    now,
		AccessWindowStart: now,
		UpdatedAt:         now,
	})
}

// Forget drops all tiering state for a deleted collection.
func (m *Manager) Forget(cid types.CollectionID) error {
	m.mu.Lock()
	delete(m.access, cid)
	delete(m.locks, cid)
	m.mu.Unlock()
	return m.rows.DeleteTierState(cid)
}

// RecordAccess notes a read or write against the collection. The
// in-memory window feeds promotion decisions; the persistent row
// update is best-effort.
func (m *Manager) RecordAccess(cid types.CollectionID) {
	now := m.now().UTC()

	m.mu.Lock()
	win, ok := m.access[cid]
	if !ok {
		win = &accessWindow{windowStart: now}
		m.access[cid] = win
	}
	if now.Sub(win.windowStart) > m.cfg.AccessWindow() {
		win.windowStart = now
		win.count = 0
	}
	win.count++
	win.last = now
	count := win.count
	windowStart := win.windowStart
	m.mu.Unlock()

	state, err := m.rows.GetTierState(cid)
	if err != nil {
		m.logger.Debug().Err(err).Str("collection_id", cid.String()).Msg("Access record skipped")
		return
	}
	state.LastAccessedAt = now
	state.AccessCount = uint64(count)
	state.AccessWindowStart = windowStart
	state.UpdatedAt = now
	if err := m.rows.PutTierState(state); err != nil {
		// Best-effort: a dropped update only delays a transition.
		m.logger.Debug().Err(err).Str("collection_id", cid.String()).Msg("Access record not persisted")
	}
}

// windowCount returns the in-memory access count within the rolling
// window.
func (m *Manager) windowCount(cid types.CollectionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	win, ok := m.access[cid]
	if !ok {
		return 0
	}
	if m.now().UTC().Sub(win.windowStart) > m.cfg.AccessWindow() {
		return 0
	}
	return win.count
}

// resetWindow clears the rolling counter; called on any promotion to
// avoid promotion/demotion thrash.
func (m *Manager) resetWindow(cid types.CollectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.access, cid)
}

// State returns the persisted tier state.
func (m *Manager) State(cid types.CollectionID) (*types.TierState, error) {
	return m.rows.GetTierState(cid)
}

// Pin prevents any automatic demotion of the collection.
func (m *Manager) Pin(cid types.CollectionID) error {
	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	state.Pinned = true
	state.UpdatedAt = m.now().UTC()
	return m.rows.PutTierState(state)
}

// Unpin re-enables automatic demotion.
func (m *Manager) Unpin(cid types.CollectionID) error {
	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	state.Pinned = false
	state.UpdatedAt = m.now().UTC()
	return m.rows.PutTierState(state)
}
