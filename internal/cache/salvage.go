package cache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ledgerkeep/ledgerkeep/internal/models"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
)

// Salvage scans the durable tier for cached values that still hold record
// arrays and attributes them to tracked collections by key name. It is a
// last-resort data source for emergency recovery and deliberately ignores the
// schema version and entry TTLs: stale data beats no data.
func Salvage(ctx context.Context, kv store.KV) (map[string][]models.Record, error) {
	data, err := kv.Read(ctx, durableKey)
	if err != nil {
		return nil, err
	}

	var blob durableBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}

	out := map[string][]models.Record{}
	for key, entry := range blob.Entries {
		var records []models.Record
		if err := json.Unmarshal(entry.Data, &records); err != nil {
			continue
		}
		if len(records) == 0 || records[0].ID == "" {
			continue
		}
		for _, collection := range models.TrackedCollections() {
			if strings.Contains(key, collection) {
				out[collection] = append(out[collection], records...)
				break
			}
		}
	}
	return out, nil
}
