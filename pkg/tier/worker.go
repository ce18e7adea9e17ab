package tier

import (
	"context"
	"time"

	"github.com/stratadb/strata/pkg/metrics"
	"github.com/stratadb/strata/pkg/types"
)

// Start launches the background worker that applies the tiering policy
// every worker interval.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.WorkerInterval())
		defer ticker.Stop()

		m.logger.Info().
			Dur("interval", m.cfg.WorkerInterval()).
			Msg("Tier worker started")

		for {
			select {
			case <-ticker.C:
				if err := m.Tick(context.Background()); err != nil {
					// Log error but continue
					m.logger.Error().Err(err).Msg("Tier worker cycle failed")
				}
			case <-m.stopCh:
				m.logger.Info().Msg("Tier worker stopped")
				return
			}
		}
	}()
}

// Stop terminates the background worker.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Tick runs one worker cycle over every tier-state row:
//
//   - Hot collections idle past the hot TTL demote to Warm.
//   - Warm collections whose rolling-window access count reached the
//     promotion threshold promote to Hot.
//   - Warm collections idle past the warm TTL demote to Cold.
//
// Pinned collections never demote. Per-collection failures are logged
// and do not stop the cycle.
func (m *Manager) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TierWorkerDuration)
		metrics.TierWorkerCyclesTotal.Inc()
	}()

	states, err := m.rows.ListTierStates()
	if err != nil {
		return err
	}

	now := m.now().UTC()
	for _, state := range states {
		cid := state.CollectionID

		switch state.Tier {
		case types.TierHot:
			if !state.Pinned && now.Sub(state.LastAccessedAt) > m.cfg.HotTTL() {
				if err := m.DemoteToWarm(ctx, cid, false); err != nil {
					m.logger.Error().Err(err).Str("collection_id", cid.String()).Msg("Demotion to warm failed")
				}
			}

		case types.TierWarm:
			if m.windowCount(cid) >= m.cfg.HotPromotionThreshold {
				if err := m.PromoteToHot(ctx, cid); err != nil {
					m.logger.Error().Err(err).Str("collection_id", cid.String()).Msg("Promotion to hot failed")
				}
				continue
			}
			if !state.Pinned && now.Sub(state.LastAccessedAt) > m.cfg.WarmTTL() {
				if err := m.DemoteToCold(ctx, cid, false); err != nil {
					m.logger.Error().Err(err).Str("collection_id", cid.String()).Msg("Demotion to cold failed")
				}
			}
		}
	}

	// Refresh the per-tier gauge from the authoritative rows.
	counts := map[types.Tier]int{}
	states, err = m.rows.ListTierStates()
	if err == nil {
		for _, state := range states {
			counts[state.Tier]++
		}
		for _, tier := range []types.Tier{types.TierHot, types.TierWarm, types.TierCold} {
			metrics.CollectionsTotal.WithLabelValues(string(tier)).Set(float64(counts[tier]))
		}
	}

	return nil
}
