// Package ledger is the thin data-access layer for record collections stored
// in the local store. A collection is kept as one JSON array under its
// collection key; insertion order is preserved for display stability.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ledgerkeep/ledgerkeep/internal/models"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
)

// Load reads the collection stored under key. An absent key yields an empty
// collection.
func Load(ctx context.Context, kv store.KV, key string) ([]models.Record, error) {
	data, err := kv.Read(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load collection %q: %w", key, err)
	}

	var records []models.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode collection %q: %w", key, err)
	}
	return records, nil
}

// Save writes the collection under key as a JSON array.
func Save(ctx context.Context, kv store.KV, key string, records []models.Record) error {
	if records == nil {
		records = []models.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode collection %q: %w", key, err)
	}
	if err := kv.Write(ctx, key, data); err != nil {
		return fmt.Errorf("failed to save collection %q: %w", key, err)
	}
	return nil
}

// LoadAll reads every tracked collection. Collections that fail to load are
// returned as empty; the first error encountered is reported alongside.
func LoadAll(ctx context.Context, kv store.KV) (map[string][]models.Record, error) {
	out := make(map[string][]models.Record, len(models.TrackedCollections()))
	var firstErr error
	for _, key := range models.TrackedCollections() {
		records, err := Load(ctx, kv, key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out[key] = records
	}
	return out, firstErr
}
