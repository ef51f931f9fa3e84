// Package remote defines the narrow contract for the opaque document store
// holding each owner's remote copy, and its CouchDB implementation. The wire
// protocol itself is out of scope; engines depend only on the Store port.
package remote

import (
	"context"

	"github.com/ledgerkeep/ledgerkeep/internal/models"
)

// ChangeHandler receives the new remote snapshot of one collection.
type ChangeHandler func(collection string, items []models.Record)

// Store is the document store addressed by (ownerID, collection).
type Store interface {
	// ReplaceItems merges the snapshot into the owner's remote document:
	// the document survives, its items field is fully replaced.
	ReplaceItems(ctx context.Context, ownerID, collection string, items []models.Record) error

	// FetchItems returns the remote snapshot of one collection. An absent
	// document yields an empty snapshot, not an error.
	FetchItems(ctx context.Context, ownerID, collection string) ([]models.Record, error)

	// Subscribe opens a long-lived watch on one collection; every remote
	// change invokes onChange with the new snapshot. The returned function
	// cancels the watch.
	Subscribe(ctx context.Context, ownerID, collection string, onChange ChangeHandler) (func(), error)

	// Ping reports whether the remote store is reachable.
	Ping(ctx context.Context) error
}
