// Package models holds the domain types shared by the store, sync, cache and
// recovery layers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tracked collection keys. Each key names one Collection persisted in the
// local store and mirrored to the remote document store.
const (
	CollectionTransactions = "transactions"
	CollectionAccounts     = "accounts"
	CollectionCategories   = "categories"
	CollectionBudgets      = "budgets"
)

// TrackedCollections lists every collection the sync and recovery engines
// operate on.
func TrackedCollections() []string {
	return []string{
		CollectionTransactions,
		CollectionAccounts,
		CollectionCategories,
		CollectionBudgets,
	}
}

// Record is one domain entity (transaction, account, category, budget).
// Identifiers are unique within a collection; records authored offline carry
// a locally generated UUIDv7, which is collision-resistant by construction
// and sorts by creation time.
type Record struct {
	ID        string         `json:"id" validate:"required"`
	OwnerID   string         `json:"ownerId" validate:"required"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewID returns a time-ordered unique identifier for a new Record.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
