package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/types"
)

// dlqKey is the object-store location of the persisted queue.
const dlqKey = "dlq/dlq.json"

// Entry is one permanently failed async operation awaiting manual
// intervention.
type Entry struct {
	ID           string             `json:"id"`
	DocID        types.DocID        `json:"doc_id"`
	CollectionID types.CollectionID `json:"collection_id"`
	ErrorMessage string             `json:"error_message"`
	RetryCount   int                `json:"retry_count"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Payload      []byte             `json:"payload,omitempty"`
}

// Expired reports whether the entry is past its TTL.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats summarizes the queue for monitoring.
type Stats struct {
	Size           int
	OldestEntryAge time.Duration
	TotalEvictions uint64
	TotalExpired   uint64
}

// DLQ is the bounded, TTL-limited dead-letter queue. Entries are kept
// FIFO in memory and persisted as a JSON blob in the object store so
// the queue survives restarts.
type DLQ struct {
	cfg    config.DLQConfig
	store  objstore.Store
	logger zerolog.Logger

	mu             sync.Mutex
	entries        []Entry
	totalEvictions uint64
	totalExpired   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDLQ creates an empty queue.
func NewDLQ(cfg config.DLQConfig, store objstore.Store) *DLQ {
	return &DLQ{
		cfg:    cfg,
		store:  store,
		logger: log.WithComponent("dlq"),
		stopCh: make(chan struct{}),
	}
}

// Add appends an entry, evicting the oldest when the queue is full.
// The entry's ID, timestamps, and expiry are assigned here.
func (q *DLQ) Add(collectionID types.CollectionID, docID types.DocID, errMsg string, retryCount int, payload []byte) Entry {
	now := time.Now().UTC()
	entry := Entry{
		ID:           uuid.NewString(),
		DocID:        docID,
		CollectionID: collectionID,
		ErrorMessage: errMsg,
		RetryCount:   retryCount,
		CreatedAt:    now,
		ExpiresAt:    now.Add(q.cfg.TTL()),
		Payload:      payload,
	}

	q.mu.Lock()
	if len(q.entries) >= q.cfg.MaxSize {
		q.entries = q.entries[1:]
		q.totalEvictions++
		metrics.DLQEvictionsTotal.Inc()
		q.logger.Debug().Msg("DLQ size limit reached, evicted oldest entry")
	}
	q.entries = append(q.entries, entry)
	metrics.DLQSize.Set(float64(len(q.entries)))
	q.mu.Unlock()

	q.logger.Warn().
		Str("collection_id", collectionID.String()).
		Uint32("doc_id", docID).
		Int("retry_count", retryCount).
		Str("error", errMsg).
		Msg("Operation parked to DLQ")
	return entry
}

// Get returns the entry with the given ID.
func (q *DLQ) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove deletes the entry with the given ID.
func (q *DLQ) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	metrics.DLQSize.Set(float64(len(q.entries)))
}

// Entries returns a copy of the queue for inspection.
func (q *DLQ) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the current queue length.
func (q *DLQ) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops all entries.
func (q *DLQ) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	metrics.DLQSize.Set(0)
}

// Stats returns monitoring counters.
func (q *DLQ) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Size:           len(q.entries),
		TotalEvictions: q.totalEvictions,
		TotalExpired:   q.totalExpired,
	}
	if len(q.entries) > 0 {
		s.OldestEntryAge = time.Since(q.entries[0].CreatedAt)
	}
	return s
}

// CleanupExpired removes entries past their TTL and returns the count.
func (q *DLQ) CleanupExpired() int {
	now := time.Now().UTC()
	q.mu.Lock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	q.totalExpired += uint64(removed)
	metrics.DLQSize.Set(float64(len(q.entries)))
	q.mu.Unlock()

	if removed > 0 {
		metrics.DLQExpiredTotal.Add(float64(removed))
		q.logger.Info().Int("removed", removed).Msg("DLQ cleanup removed expired entries")
	}
	return removed
}

// Persist writes the queue to the object store.
func (q *DLQ) Persist(ctx context.Context) error {
	q.mu.Lock()
	snapshot := make([]Entry, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errs.Wrap(errs.Internal, "dlq.persist", err)
	}
	return q.store.Put(ctx, dlqKey, data)
}

// Load drains the persisted queue into memory, dropping entries that
// expired while the process was down. Missing blob means empty queue.
func (q *DLQ) Load(ctx context.Context) error {
	data, err := q.store.Get(ctx, dlqKey)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}

	var loaded []Entry
	if err := json.Unmarshal(data, &loaded); err != nil {
		return errs.Wrap(errs.Corruption, "dlq.load", err)
	}

	now := time.Now().UTC()
	valid := loaded[:0]
	for _, e := range loaded {
		if !e.Expired(now) {
			valid = append(valid, e)
		}
	}

	q.mu.Lock()
	q.entries = valid
	metrics.DLQSize.Set(float64(len(q.entries)))
	q.mu.Unlock()

	q.logger.Info().Int("entries", len(valid)).Msg("DLQ loaded from object store")
	return nil
}

// Start launches the background cleanup loop.
func (q *DLQ) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.CleanupInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				q.CleanupExpired()
				if err := q.Persist(context.Background()); err != nil {
					q.logger.Error().Err(err).Msg("Failed to persist DLQ")
				}
			case <-q.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the cleanup loop.
func (q *DLQ) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}
