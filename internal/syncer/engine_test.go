package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/models"
	"github.com/ledgerkeep/ledgerkeep/internal/remote"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Write(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// fakeRemote records calls and can be told to fail.
type fakeRemote struct {
	mu           sync.Mutex
	failPush     bool
	pushCalls    int
	replaced     map[string][]models.Record
	fetchItems   map[string][]models.Record
	subscribed   []string
	unsubscribed int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		replaced:   map[string][]models.Record{},
		fetchItems: map[string][]models.Record{},
	}
}

func (f *fakeRemote) ReplaceItems(_ context.Context, _, collection string, items []models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if f.failPush {
		return errors.New("network down")
	}
	f.replaced[collection] = items
	return nil
}

func (f *fakeRemote) FetchItems(_ context.Context, _, collection string) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchItems[collection], nil
}

func (f *fakeRemote) Subscribe(_ context.Context, _, collection string, _ remote.ChangeHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, collection)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed++
	}, nil
}

func (f *fakeRemote) Ping(context.Context) error { return nil }

type fakeOwner struct {
	owner string
}

func (f fakeOwner) Owner() (string, error) {
	if f.owner == "" {
		return "", errors.New("no session")
	}
	return f.owner, nil
}

func newTestEngine(kv store.KV, rs *fakeRemote, owner string) *Engine {
	return New(kv, rs, fakeOwner{owner: owner}, nil, audit.Nop{}, logging.Discard())
}

func seedCollection(t *testing.T, kv store.KV, key string, records []models.Record) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, kv.Write(context.Background(), key, data))
}

func TestPush_NoOwnerIsNoOp(t *testing.T) {
	rs := newFakeRemote()
	e := newTestEngine(newMemKV(), rs, "")

	require.NoError(t, e.Push(context.Background(), models.CollectionTransactions, []models.Record{rec("a", 1, time.Now())}))
	assert.Zero(t, rs.pushCalls)
	assert.Zero(t, e.QueueDepth())
}

func TestPush_FailureQueuesOperation(t *testing.T) {
	rs := newFakeRemote()
	rs.failPush = true
	e := newTestEngine(newMemKV(), rs, "owner-1")

	require.NoError(t, e.Push(context.Background(), models.CollectionTransactions, []models.Record{rec("a", 1, time.Now())}))
	assert.Equal(t, 1, e.QueueDepth())
}

func TestFlushQueue_DropsAfterRetryBudget(t *testing.T) {
	rs := newFakeRemote()
	rs.failPush = true
	e := newTestEngine(newMemKV(), rs, "owner-1")
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, models.CollectionTransactions, []models.Record{rec("a", 1, time.Now())}))
	require.Equal(t, 1, e.QueueDepth())

	e.FlushQueue(ctx)

	assert.Zero(t, e.QueueDepth())
	s := e.GetStats()
	assert.Equal(t, int64(1), s.Dropped)
	// 1 immediate attempt + 3 budgeted retries.
	assert.Equal(t, 4, rs.pushCalls)
}

func TestFlushQueue_DeliversWhenBackOnline(t *testing.T) {
	rs := newFakeRemote()
	rs.failPush = true
	e := newTestEngine(newMemKV(), rs, "owner-1")
	ctx := context.Background()

	records := []models.Record{rec("a", 1, time.Now())}
	require.NoError(t, e.Push(ctx, models.CollectionTransactions, records))

	rs.mu.Lock()
	rs.failPush = false
	rs.mu.Unlock()

	e.FlushQueue(ctx)

	assert.Zero(t, e.QueueDepth())
	assert.Zero(t, e.GetStats().Dropped)
	assert.Len(t, rs.replaced[models.CollectionTransactions], 1)
}

func TestPullOnConnect_MergesNonEmptyCollections(t *testing.T) {
	kv := newMemKV()
	rs := newFakeRemote()
	now := time.Now()
	rs.fetchItems[models.CollectionAccounts] = []models.Record{rec("acc-1", 100, now)}
	e := newTestEngine(kv, rs, "owner-1")

	require.NoError(t, e.PullOnConnect(context.Background(), "owner-1"))

	data, err := kv.Read(context.Background(), models.CollectionAccounts)
	require.NoError(t, err)
	var got []models.Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "acc-1", got[0].ID)

	// Empty remote collections must not touch the store.
	_, err = kv.Read(context.Background(), models.CollectionBudgets)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMerge_LocalPrecedenceAndPersistence(t *testing.T) {
	kv := newMemKV()
	e := newTestEngine(kv, newFakeRemote(), "owner-1")
	ctx := context.Background()
	now := time.Now()

	seedCollection(t, kv, models.CollectionTransactions, []models.Record{rec("X", 10, now)})

	require.NoError(t, e.Merge(ctx, models.CollectionTransactions, []models.Record{rec("X", 20, now.Add(time.Minute))}))

	data, err := kv.Read(ctx, models.CollectionTransactions)
	require.NoError(t, err)
	var got []models.Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Fields["amount"])

	// The conflict surfaced on the hook channel.
	select {
	case ev := <-e.Conflicts():
		assert.Equal(t, models.CollectionTransactions, ev.Key)
		assert.Equal(t, 20.0, ev.Remote.Fields["amount"])
	default:
		t.Fatal("expected a conflict event")
	}
}

func TestSubscribe_TearsDownPriorSet(t *testing.T) {
	rs := newFakeRemote()
	e := newTestEngine(newMemKV(), rs, "owner-1")
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, "owner-1"))
	assert.Equal(t, "owner-1", e.SubscribedOwner())
	assert.Len(t, rs.subscribed, len(models.TrackedCollections()))

	// Switching owners closes every prior watch before opening new ones.
	require.NoError(t, e.Subscribe(ctx, "owner-2"))
	assert.Equal(t, len(models.TrackedCollections()), rs.unsubscribed)
	assert.Equal(t, "owner-2", e.SubscribedOwner())

	e.Teardown()
	assert.Equal(t, 2*len(models.TrackedCollections()), rs.unsubscribed)
	assert.Empty(t, e.SubscribedOwner())
}
