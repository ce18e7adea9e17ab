package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/objstore"
	"github.com/stratadb/strata/pkg/types"
)

// DescriptorKey returns the object key of a collection descriptor.
func DescriptorKey(cid types.CollectionID) string {
	return fmt.Sprintf("collections/%s/descriptor.json", cid)
}

// Key returns the object key of a collection manifest.
func Key(cid types.CollectionID) string {
	return fmt.Sprintf("collections/%s/manifest.json", cid)
}

// SegmentKey returns the object key of a sealed segment.
func SegmentKey(cid types.CollectionID, sid types.SegmentID) string {
	return fmt.Sprintf("collections/%s/segments/%s.columnar", cid, sid)
}

// Store reads and writes collection manifests under optimistic
// concurrency control. The manifest is the only cross-writer
// serialization point: an update reads version V, computes the new
// manifest at V+1, and commits iff the stored version is still V;
// losers retry with a fresh view under the manifest retry budget.
type Store struct {
	obj    objstore.Store
	retry  config.RetryConfig
	logger zerolog.Logger

	// commitMu serializes the verify-and-write step per collection so
	// in-process contenders observe each other's commits.
	mu       sync.Mutex
	commitMu map[types.CollectionID]*sync.Mutex
}

// NewStore creates a manifest store.
func NewStore(obj objstore.Store, retry config.RetryConfig) *Store {
	return &Store{
		obj:      obj,
		retry:    retry,
		logger:   log.WithComponent("manifest"),
		commitMu: make(map[types.CollectionID]*sync.Mutex),
	}
}

func (s *Store) lockFor(cid types.CollectionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.commitMu[cid]
	if !ok {
		mu = &sync.Mutex{}
		s.commitMu[cid] = mu
	}
	return mu
}

// SaveDescriptor persists a collection descriptor.
func (s *Store) SaveDescriptor(ctx context.Context, desc *types.CollectionDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return errs.Wrap(errs.Internal, "manifest.save_descriptor", err)
	}
	return s.obj.Put(ctx, DescriptorKey(desc.CollectionID), data)
}

// LoadDescriptor fetches a collection descriptor.
func (s *Store) LoadDescriptor(ctx context.Context, cid types.CollectionID) (*types.CollectionDescriptor, error) {
	data, err := s.obj.Get(ctx, DescriptorKey(cid))
	if err != nil {
		return nil, err
	}
	var desc types.CollectionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errs.Wrap(errs.Corruption, "manifest.load_descriptor", err)
	}
	return &desc, nil
}

// Create writes the initial manifest for a new collection. Fails with
// AlreadyExists if a manifest is present.
func (s *Store) Create(ctx context.Context, m *types.CollectionManifest) error {
	if _, err := s.obj.Head(ctx, Key(m.Collection)); err == nil {
		return errs.Ef(errs.AlreadyExists, "manifest.create", "manifest for %s already exists", m.Collection)
	} else if !errs.IsNotFound(err) {
		return err
	}
	return s.write(ctx, m)
}

// Load fetches the current manifest.
func (s *Store) Load(ctx context.Context, cid types.CollectionID) (*types.CollectionManifest, error) {
	data, err := s.obj.Get(ctx, Key(cid))
	if err != nil {
		return nil, err
	}
	var m types.CollectionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.Corruption, "manifest.load", err)
	}
	return &m, nil
}

// List returns the collection ids that have a manifest.
func (s *Store) List(ctx context.Context) ([]types.CollectionID, error) {
	objects, err := s.obj.List(ctx, "collections/")
	if err != nil {
		return nil, err
	}
	var ids []types.CollectionID
	for _, obj := range objects {
		parts := strings.Split(obj.Key, "/")
		if len(parts) == 3 && parts[0] == "collections" && parts[2] == "manifest.json" {
			ids = append(ids, types.CollectionID(parts[1]))
		}
	}
	return ids, nil
}

// Delete removes a manifest and descriptor.
func (s *Store) Delete(ctx context.Context, cid types.CollectionID) error {
	if err := s.obj.Delete(ctx, Key(cid)); err != nil {
		return err
	}
	return s.obj.Delete(ctx, DescriptorKey(cid))
}

func (s *Store) write(ctx context.Context, m *types.CollectionManifest) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.Internal, "manifest.write", err)
	}
	return s.obj.Put(ctx, Key(m.Collection), data)
}

// Update applies mutate to a fresh view of the manifest and commits at
// version V+1 iff the stored version is still V. A lost race yields
// Conflict internally and retries with a fresh view, up to the
// manifest retry budget; exhaustion surfaces Conflict to the caller.
func (s *Store) Update(ctx context.Context, cid types.CollectionID, mutate func(*types.CollectionManifest) error) (*types.CollectionManifest, error) {
	var updated *types.CollectionManifest

	attempt := func() error {
		current, err := s.Load(ctx, cid)
		if err != nil {
			return backoff.Permanent(err)
		}
		base := current.LatestVersion

		if err := mutate(current); err != nil {
			return backoff.Permanent(err)
		}
		current.LatestVersion = base + 1

		mu := s.lockFor(cid)
		mu.Lock()
		defer mu.Unlock()

		stored, err := s.Load(ctx, cid)
		if err != nil {
			return backoff.Permanent(err)
		}
		if stored.LatestVersion != base {
			s.logger.Debug().
				Str("collection_id", cid.String()).
				Uint64("expected", base).
				Uint64("stored", stored.LatestVersion).
				Msg("Manifest version moved, retrying with fresh view")
			return errs.Ef(errs.Conflict, "manifest.update",
				"version moved from %d to %d", base, stored.LatestVersion)
		}

		if err := s.write(ctx, current); err != nil {
			return backoff.Permanent(err)
		}
		updated = current
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.InitialBackoff()
	bo.MaxInterval = s.retry.MaxBackoff()
	bo.Multiplier = s.retry.BackoffMultiplier
	bo.MaxElapsedTime = 0
	var b backoff.BackOff = bo
	if s.retry.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(s.retry.MaxAttempts-1))
	}

	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendSegment commits a new segment descriptor into the manifest,
// bumping totals and the committed LSN watermark.
func (s *Store) AppendSegment(ctx context.Context, cid types.CollectionID, seg types.SegmentDescriptor) (*types.CollectionManifest, error) {
	return s.Update(ctx, cid, func(m *types.CollectionManifest) error {
		m.Segments = append(m.Segments, seg)
		m.TotalVectors += seg.RecordCount
		if seg.LSNRange.To > m.CommittedLSN {
			m.CommittedLSN = seg.LSNRange.To
		}
		return nil
	})
}

// QuarantineSegment marks a corrupt segment Dead in the next manifest
// version so startup skips it.
func (s *Store) QuarantineSegment(ctx context.Context, cid types.CollectionID, sid types.SegmentID) (*types.CollectionManifest, error) {
	return s.Update(ctx, cid, func(m *types.CollectionManifest) error {
		for i := range m.Segments {
			if m.Segments[i].SegmentID == sid {
				m.Segments[i].State = types.SegmentDead
				return nil
			}
		}
		return errs.Ef(errs.NotFound, "manifest.quarantine", "segment %s not in manifest", sid)
	})
}
