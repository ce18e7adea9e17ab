package tier

import (
	"context"
	"encoding/json"

	"github.com/stratadb/strata/pkg/errs"
	"github.com/stratadb/strata/pkg/events"
	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/segment"
	"github.com/stratadb/strata/pkg/types"
)

func (m *Manager) publishTransition(cid types.CollectionID, from, to types.Tier) {
	metrics.TierTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.TierChanged,
			Collection: cid,
			FromTier:   from,
			ToTier:     to,
		})
	}
}

// DemoteToWarm serializes a hot collection to a columnar warm file,
// uploads it, records the warm path, and drops the in-memory index.
// Pinned collections never demote automatically; force skips the pin.
func (m *Manager) DemoteToWarm(ctx context.Context, cid types.CollectionID, force bool) error {
	mu := m.lockFor(cid)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	if state.Tier != types.TierHot {
		return nil
	}
	if state.Pinned && !force {
		m.logger.Debug().Str("collection_id", cid.String()).Msg("Skipping demotion: collection is pinned")
		return nil
	}

	docs, dim, err := m.host.ExtractDocuments(cid)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		m.logger.Debug().Str("collection_id", cid.String()).Msg("Skipping demotion: collection is empty")
		return nil
	}

	data, err := m.enc.Encode(docs, dim)
	if err != nil {
		return err
	}
	warmPath := WarmKey(cid)
	if err := m.obj.Put(ctx, warmPath, data); err != nil {
		return err
	}

	state.Tier = types.TierWarm
	state.WarmFilePath = warmPath
	state.SnapshotID = ""
	state.UpdatedAt = m.now().UTC()
	if err := m.rows.PutTierState(state); err != nil {
		return err
	}

	m.host.DropIndex(cid)

	m.logger.Info().
		Str("collection_id", cid.String()).
		Int("records", len(docs)).
		Msg("Demoted to warm")
	m.publishTransition(cid, types.TierHot, types.TierWarm)
	return nil
}

// DemoteToCold snapshots a warm collection to the object store, writes
// the metadata sidecar, records the snapshot id, and deletes the warm
// file.
func (m *Manager) DemoteToCold(ctx context.Context, cid types.CollectionID, force bool) error {
	mu := m.lockFor(cid)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	if state.Tier != types.TierWarm {
		return nil
	}
	if state.Pinned && !force {
		m.logger.Debug().Str("collection_id", cid.String()).Msg("Skipping demotion: collection is pinned")
		return nil
	}
	if state.WarmFilePath == "" {
		return errs.Ef(errs.Internal, "tier.demote_cold", "warm collection %s missing file path", cid)
	}

	data, err := m.obj.Get(ctx, state.WarmFilePath)
	if err != nil {
		return err
	}
	meta, err := segment.ReadMeta(data)
	if err != nil {
		return err
	}

	sid := types.NewSnapshotID()
	if err := m.obj.Put(ctx, SnapshotKey(cid, sid), data); err != nil {
		return err
	}
	sidecar, err := json.Marshal(SnapshotMeta{
		SnapshotID:  sid,
		Collection:  cid,
		RecordCount: meta.RecordCount,
		Dimension:   meta.Dimension,
		Compression: meta.Compression.String(),
		CreatedAt:   m.now().UTC(),
	})
	if err != nil {
		return errs.Wrap(errs.Internal, "tier.demote_cold", err)
	}
	if err := m.obj.Put(ctx, SnapshotMetaKey(cid, sid), sidecar); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.SnapshotCreated,
			Collection: cid,
			Snapshot:   sid,
			Docs:       int(meta.RecordCount),
		})
	}

	warmPath := state.WarmFilePath
	state.Tier = types.TierCold
	state.SnapshotID = sid
	state.WarmFilePath = ""
	state.UpdatedAt = m.now().UTC()
	if err := m.rows.PutTierState(state); err != nil {
		return err
	}

	if err := m.obj.Delete(ctx, warmPath); err != nil {
		m.logger.Warn().Err(err).Str("collection_id", cid.String()).Msg("Failed to delete warm file")
	}

	m.logger.Info().
		Str("collection_id", cid.String()).
		Str("snapshot_id", sid.String()).
		Msg("Demoted to cold")
	m.publishTransition(cid, types.TierWarm, types.TierCold)
	return nil
}

// PromoteToWarm restores a cold collection's snapshot as a warm file.
// Called on the first read against a cold collection; the read
// proceeds once promotion completes.
func (m *Manager) PromoteToWarm(ctx context.Context, cid types.CollectionID) error {
	mu := m.lockFor(cid)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	if state.Tier != types.TierCold {
		return nil
	}
	if state.SnapshotID == "" {
		return errs.Ef(errs.Internal, "tier.promote_warm", "cold collection %s missing snapshot id", cid)
	}

	data, err := m.obj.Get(ctx, SnapshotKey(cid, state.SnapshotID))
	if err != nil {
		return err
	}
	warmPath := WarmKey(cid)
	if err := m.obj.Put(ctx, warmPath, data); err != nil {
		return err
	}

	state.Tier = types.TierWarm
	state.WarmFilePath = warmPath
	state.SnapshotID = ""
	state.UpdatedAt = m.now().UTC()
	if err := m.rows.PutTierState(state); err != nil {
		return err
	}

	m.resetWindow(cid)

	m.logger.Info().Str("collection_id", cid.String()).Msg("Promoted to warm")
	m.publishTransition(cid, types.TierCold, types.TierWarm)
	return nil
}

// PromoteToHot fetches the warm file, decodes it, rebuilds the
// in-memory index, and deletes the warm file.
func (m *Manager) PromoteToHot(ctx context.Context, cid types.CollectionID) error {
	mu := m.lockFor(cid)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	if state.Tier != types.TierWarm {
		return nil
	}
	if state.WarmFilePath == "" {
		return errs.Ef(errs.Internal, "tier.promote_hot", "warm collection %s missing file path", cid)
	}

	data, err := m.obj.Get(ctx, state.WarmFilePath)
	if err != nil {
		return err
	}
	docs, err := segment.Decode(data)
	if err != nil {
		return err
	}
	if err := m.host.RebuildIndex(cid, docs); err != nil {
		return err
	}

	warmPath := state.WarmFilePath
	state.Tier = types.TierHot
	state.WarmFilePath = ""
	state.SnapshotID = ""
	state.UpdatedAt = m.now().UTC()
	if err := m.rows.PutTierState(state); err != nil {
		return err
	}

	if err := m.obj.Delete(ctx, warmPath); err != nil {
		m.logger.Warn().Err(err).Str("collection_id", cid.String()).Msg("Failed to delete warm file")
	}

	m.resetWindow(cid)

	m.logger.Info().
		Str("collection_id", cid.String()).
		Int("records", len(docs)).
		Msg("Promoted to hot")
	m.publishTransition(cid, types.TierWarm, types.TierHot)
	return nil
}

// ForcePromoteHot promotes a collection to Hot through the same
// sequence as the automatic path: Cold passes through Warm first.
func (m *Manager) ForcePromoteHot(ctx context.Context, cid types.CollectionID) error {
	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	switch state.Tier {
	case types.TierHot:
		return nil
	case types.TierWarm:
		return m.PromoteToHot(ctx, cid)
	case types.TierCold:
		if err := m.PromoteToWarm(ctx, cid); err != nil {
			return err
		}
		return m.PromoteToHot(ctx, cid)
	}
	return nil
}

// ForceDemoteCold demotes a collection to Cold, passing Hot through
// Warm first. Force skips the pin check.
func (m *Manager) ForceDemoteCold(ctx context.Context, cid types.CollectionID) error {
	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	switch state.Tier {
	case types.TierCold:
		return nil
	case types.TierWarm:
		return m.DemoteToCold(ctx, cid, true)
	case types.TierHot:
		if err := m.DemoteToWarm(ctx, cid, true); err != nil {
			return err
		}
		return m.DemoteToCold(ctx, cid, true)
	}
	return nil
}

// EnsureReadable promotes a cold collection to warm so a read can
// proceed. Hot and warm collections are readable as-is.
func (m *Manager) EnsureReadable(ctx context.Context, cid types.CollectionID) error {
	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return err
	}
	if state.Tier == types.TierCold {
		return m.PromoteToWarm(ctx, cid)
	}
	return nil
}

// LoadWarmDocuments fetches and decodes a warm collection's file so a
// query against it can be answered without changing its tier.
func (m *Manager) LoadWarmDocuments(ctx context.Context, cid types.CollectionID) ([]types.VectorDocument, error) {
	state, err := m.rows.GetTierState(cid)
	if err != nil {
		return nil, err
	}
	if state.Tier != types.TierWarm || state.WarmFilePath == "" {
		return nil, errs.Ef(errs.Internal, "tier.load_warm", "collection %s is not warm", cid)
	}
	data, err := m.obj.Get(ctx, state.WarmFilePath)
	if err != nil {
		return nil, err
	}
	return segment.Decode(data)
}
