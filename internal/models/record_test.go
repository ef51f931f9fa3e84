package models

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_TimeOrdered(t *testing.T) {
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = NewID()
		time.Sleep(2 * time.Millisecond)
	}

	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
	}

	// Creation order is lexical order, which keeps id-keyed namespaces
	// sortable by time.
	assert.True(t, sort.StringsAreSorted(ids))
	assert.NotEqual(t, ids[0], ids[1])
}

func TestTrackedCollections(t *testing.T) {
	got := TrackedCollections()

	assert.Equal(t, []string{
		CollectionTransactions,
		CollectionAccounts,
		CollectionCategories,
		CollectionBudgets,
	}, got)
}
