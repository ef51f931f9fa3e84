package syncer

import "github.com/ledgerkeep/ledgerkeep/internal/models"

// ConflictEvent reports a record edited on both sides. A consumer resolves it
// by re-invoking Merge with the chosen winner in the local position.
type ConflictEvent struct {
	Key    string
	Local  models.Record
	Remote models.Record
}

// mergeByID is the deterministic union of a local and a remote collection
// snapshot: concatenate local then remote, drop later duplicates by
// identifier. Local records therefore win identifier collisions; nothing is
// ever silently dropped, though a locally-stale copy may survive a genuine
// conflict. Records whose identifier appears on both sides with differing
// update times are reported as conflicts.
func mergeByID(local, remote []models.Record) ([]models.Record, []ConflictEvent) {
	merged := make([]models.Record, 0, len(local)+len(remote))
	index := make(map[string]int, len(local)+len(remote))

	for _, r := range local {
		if _, ok := index[r.ID]; ok {
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}

	var conflicts []ConflictEvent
	for _, r := range remote {
		i, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(merged)
			merged = append(merged, r)
			continue
		}
		kept := merged[i]
		if !kept.UpdatedAt.Equal(r.UpdatedAt) {
			conflicts = append(conflicts, ConflictEvent{Local: kept, Remote: r})
		}
	}
	return merged, conflicts
}
