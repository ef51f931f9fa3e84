package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/cache"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/models"
)

// strategy is one independent way of repopulating the local store.
type strategy struct {
	name string
	run  func(ctx context.Context) (map[string][]models.Record, error)
}

// tryStrategies runs the strategies in fixed priority order until one yields
// at least one record. Failures and empty results are warnings; a strategy is
// never retried within the same run.
func (e *Engine) tryStrategies(ctx context.Context, result *models.RecoveryResult) map[string][]models.Record {
	strategies := []strategy{
		{name: "remote_backup", run: e.fromRemoteBackup},
		{name: "local_snapshots", run: func(ctx context.Context) (map[string][]models.Record, error) {
			return e.fromLocalSnapshots(ctx, result.RecoveryID)
		}},
		{name: "live_sync", run: e.fromLiveSync},
		{name: "cache_scan", run: e.fromCacheScan},
	}

	for i, s := range strategies {
		if i > 0 && e.pause > 0 {
			select {
			case <-time.After(e.pause):
			case <-ctx.Done():
				result.Warnings = append(result.Warnings, "strategy cascade cancelled")
				return nil
			}
		}

		recovered, err := s.run(ctx)
		switch {
		case err != nil:
			result.Warnings = append(result.Warnings, fmt.Sprintf("strategy %s failed: %v", s.name, err))
			e.step(result, "strategy_"+s.name, func() error { return err })
		case countRecords(recovered) == 0:
			result.Warnings = append(result.Warnings, fmt.Sprintf("strategy %s yielded no data", s.name))
			e.step(result, "strategy_"+s.name, func() error { return errors.New("no data") })
		default:
			e.step(result, "strategy_"+s.name, func() error { return nil })
			e.log.Info(ctx, "recovery strategy succeeded",
				"strategy", s.name, "records", countRecords(recovered))
			return recovered
		}
	}
	return nil
}

// fromRemoteBackup restores the newest snapshot in the backup archive.
func (e *Engine) fromRemoteBackup(ctx context.Context) (map[string][]models.Record, error) {
	if e.archive == nil {
		return nil, errors.New("backup archive not configured")
	}
	owner, err := e.owners.Owner()
	if err != nil {
		return nil, errors.New("no authenticated session")
	}
	return e.archive.LatestSnapshot(ctx, owner)
}

// fromLocalSnapshots scans emergency-backup and legacy snapshot keys in the
// local store, newest first. The slot written by the current run is skipped:
// it holds the very data being recovered from.
func (e *Engine) fromLocalSnapshots(ctx context.Context, currentSlot string) (map[string][]models.Record, error) {
	for _, prefix := range []string{slotPrefix, legacySlotPrefix} {
		keys, err := e.kv.Keys(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q snapshots: %w", prefix, err)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))

		for _, key := range keys {
			if key == currentSlot {
				continue
			}
			data, err := e.kv.Read(ctx, key)
			if err != nil {
				continue
			}
			var collections map[string][]models.Record
			if err := json.Unmarshal(data, &collections); err != nil {
				e.log.Warn(ctx, "snapshot slot undecodable, skipping", "key", key, "error", err)
				continue
			}
			if countRecords(collections) > 0 {
				return collections, nil
			}
		}
	}
	return nil, nil
}

// fromLiveSync pulls a fresh copy of every collection through the sync engine
// and returns whatever landed in the local store.
func (e *Engine) fromLiveSync(ctx context.Context) (map[string][]models.Record, error) {
	if e.sync == nil {
		return nil, errors.New("sync engine not configured")
	}
	owner, err := e.owners.Owner()
	if err != nil {
		return nil, errors.New("no authenticated session")
	}
	if err := e.sync.PullOnConnect(ctx, owner); err != nil {
		return nil, fmt.Errorf("live pull failed: %w", err)
	}
	return ledger.LoadAll(ctx, e.kv)
}

// fromCacheScan salvages record arrays still sitting in the durable cache
// tier. Stale data beats no data.
func (e *Engine) fromCacheScan(ctx context.Context) (map[string][]models.Record, error) {
	return cache.Salvage(ctx, e.kv)
}
