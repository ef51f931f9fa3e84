// Package syncer owns bidirectional reconciliation between the local store
// and the remote document store: push, pull-on-connect, realtime
// subscriptions and the deterministic merge joining them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/backup"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/models"
	"github.com/ledgerkeep/ledgerkeep/internal/remote"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
)

// maxRetries is the attempt ceiling for a queued operation before it is
// dropped and surfaced as a warning.
const maxRetries = 3

// OwnerSource exposes the authenticated owner; resolved at composition time
// to avoid a dependency on the session package.
type OwnerSource interface {
	Owner() (string, error)
}

// Stats counts sync activity for observability.
type Stats struct {
	Pushes    int64 `json:"pushes"`
	Pulls     int64 `json:"pulls"`
	Merges    int64 `json:"merges"`
	Conflicts int64 `json:"conflicts"`
	Queued    int   `json:"queued"`
	Dropped   int64 `json:"dropped"`
}

// Engine coordinates push, pull and merge for all tracked collections.
type Engine struct {
	kv      store.KV
	remote  remote.Store
	owners  OwnerSource
	archive backup.Archive // optional; nil disables snapshot checkpoints
	sink    audit.Sink
	log     logging.Logger

	subMu    sync.Mutex
	unsubs   []func()
	subOwner string

	queueMu sync.Mutex
	queue   []*models.SyncOperation

	conflicts chan ConflictEvent

	statsMu sync.Mutex
	stats   Stats
}

func New(kv store.KV, rs remote.Store, owners OwnerSource, archive backup.Archive, sink audit.Sink, log logging.Logger) *Engine {
	return &Engine{
		kv:        kv,
		remote:    rs,
		owners:    owners,
		archive:   archive,
		sink:      sink,
		log:       log.With("component", "syncer"),
		conflicts: make(chan ConflictEvent, 16),
	}
}

// Conflicts delivers merge conflicts to an external resolver. Events are
// dropped, not blocked on, when nobody listens.
func (e *Engine) Conflicts() <-chan ConflictEvent {
	return e.conflicts
}

// Push sends the full collection snapshot to the remote store under the
// authenticated owner. Without an owner it is a silent no-op. A delivery
// failure is non-fatal: the snapshot is queued for retry and the local copy
// stays authoritative.
func (e *Engine) Push(ctx context.Context, collection string, records []models.Record) error {
	owner, err := e.owners.Owner()
	if err != nil {
		return nil
	}

	if err := e.remote.ReplaceItems(ctx, owner, collection, records); err != nil {
		e.log.Warn(ctx, "push failed, queueing for retry", "collection", collection, "error", err)
		e.enqueue(collection, records)
		return nil
	}

	e.bump(func(s *Stats) { s.Pushes++ })
	e.sink.Log("sync.push", map[string]any{"collection": collection, "records": len(records)}, owner, audit.SeverityLow)
	e.checkpoint(ctx, owner)
	return nil
}

// checkpoint uploads a full snapshot to the backup archive, best effort.
func (e *Engine) checkpoint(ctx context.Context, owner string) {
	if e.archive == nil {
		return
	}
	collections, err := ledger.LoadAll(ctx, e.kv)
	if err != nil {
		e.log.Warn(ctx, "snapshot skipped, collections unreadable", "error", err)
		return
	}
	if _, err := e.archive.PutSnapshot(ctx, owner, collections); err != nil {
		e.log.Warn(ctx, "snapshot upload failed", "error", err)
	}
}

// PullOnConnect fetches the remote copy of every tracked collection and
// merges any non-empty snapshot. Runs once when authentication establishes.
func (e *Engine) PullOnConnect(ctx context.Context, ownerID string) error {
	var firstErr error
	for _, collection := range models.TrackedCollections() {
		items, err := e.remote.FetchItems(ctx, ownerID, collection)
		if err != nil {
			e.log.Warn(ctx, "pull failed", "collection", collection, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(items) == 0 {
			continue
		}
		if err := e.Merge(ctx, collection, items); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.bump(func(s *Stats) { s.Pulls++ })
	e.sink.Log("sync.pull", nil, ownerID, audit.SeverityLow)
	return firstErr
}

// Subscribe opens one watch per tracked collection. Exactly one subscription
// set is active per owner: any prior set is torn down first, so switching
// owners can never leak another owner's changes in.
func (e *Engine) Subscribe(ctx context.Context, ownerID string) error {
	e.Teardown()

	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, collection := range models.TrackedCollections() {
		unsub, err := e.remote.Subscribe(ctx, ownerID, collection, func(col string, items []models.Record) {
			if err := e.Merge(ctx, col, items); err != nil {
				e.log.Warn(ctx, "merge of remote change failed", "collection", col, "error", err)
			}
		})
		if err != nil {
			e.log.Warn(ctx, "subscribe failed", "collection", collection, "error", err)
			continue
		}
		e.unsubs = append(e.unsubs, unsub)
	}
	e.subOwner = ownerID
	e.sink.Log("sync.subscribe", map[string]any{"collections": len(e.unsubs)}, ownerID, audit.SeverityLow)
	return nil
}

// SubscribedOwner returns the owner of the active subscription set, or empty.
func (e *Engine) SubscribedOwner() string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.subOwner
}

// Teardown cancels all active subscriptions. Safe to call repeatedly.
func (e *Engine) Teardown() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.subOwner = ""
}

// Merge unions the incoming remote snapshot with the local collection and
// persists the result. Local records win identifier collisions; conflicts
// are emitted on the Conflicts channel for external resolution. The merge
// itself cannot fail; only the storage write can, and that is surfaced
// without automatic retry.
func (e *Engine) Merge(ctx context.Context, collection string, remoteRecords []models.Record) error {
	local, err := ledger.Load(ctx, e.kv, collection)
	if err != nil {
		e.log.Warn(ctx, "local collection unreadable, merging against empty", "collection", collection, "error", err)
		local = nil
	}

	merged, conflicts := mergeByID(local, remoteRecords)
	for _, c := range conflicts {
		c.Key = collection
		select {
		case e.conflicts <- c:
		default:
			e.log.Warn(ctx, "conflict event dropped, no listener", "collection", collection, "record_id", c.Local.ID)
		}
	}

	e.bump(func(s *Stats) {
		s.Merges++
		s.Conflicts += int64(len(conflicts))
	})
	e.sink.Log("sync.merge", map[string]any{
		"collection": collection,
		"records":    len(merged),
		"conflicts":  len(conflicts),
	}, "", audit.SeverityLow)

	if err := ledger.Save(ctx, e.kv, collection, merged); err != nil {
		if errors.Is(err, store.ErrCapacityExceeded) {
			e.log.Error(ctx, "local store full, merge result not persisted", "collection", collection)
		}
		return fmt.Errorf("failed to persist merged collection: %w", err)
	}
	return nil
}

func (e *Engine) enqueue(collection string, records []models.Record) {
	op := &models.SyncOperation{
		ID:         models.NewID(),
		EnqueuedAt: time.Now(),
		Type:       models.OpPush,
		Collection: collection,
		Records:    records,
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, op)
	e.queueMu.Unlock()
}

// QueueDepth reports how many operations await delivery.
func (e *Engine) QueueDepth() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// FlushQueue retries queued operations. Each operation gets at most
// maxRetries attempts over its lifetime; one that still fails is dropped and
// the loss surfaced as a warning and an audit event.
func (e *Engine) FlushQueue(ctx context.Context) {
	owner, err := e.owners.Owner()
	if err != nil {
		return
	}

	e.queueMu.Lock()
	pending := e.queue
	e.queue = nil
	e.queueMu.Unlock()

	var keep []*models.SyncOperation
	for i, op := range pending {
		if ctx.Err() != nil {
			keep = append(keep, pending[i:]...)
			break
		}

		remaining := maxRetries - op.RetryCount
		if remaining <= 0 {
			e.drop(ctx, op, owner)
			continue
		}

		backoff := retry.WithMaxRetries(uint64(remaining-1), retry.NewFibonacci(250*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			op.RetryCount++
			if err := e.remote.ReplaceItems(ctx, owner, op.Collection, op.Records); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		switch {
		case err == nil:
			e.bump(func(s *Stats) { s.Pushes++ })
		case op.RetryCount >= maxRetries:
			e.drop(ctx, op, owner)
		default:
			keep = append(keep, op)
		}
	}

	if len(keep) > 0 {
		e.queueMu.Lock()
		e.queue = append(keep, e.queue...)
		e.queueMu.Unlock()
	}
}

func (e *Engine) drop(ctx context.Context, op *models.SyncOperation, owner string) {
	e.log.Warn(ctx, "sync operation dropped after retry budget",
		"operation_id", op.ID, "collection", op.Collection, "retries", op.RetryCount)
	e.sink.Log("sync.drop", map[string]any{
		"operation_id": op.ID,
		"collection":   op.Collection,
		"retries":      op.RetryCount,
	}, owner, audit.SeverityHigh)
	e.bump(func(s *Stats) { s.Dropped++ })
}

// GetStats returns a snapshot of sync counters.
func (e *Engine) GetStats() Stats {
	e.statsMu.Lock()
	s := e.stats
	e.statsMu.Unlock()
	s.Queued = e.QueueDepth()
	return s
}

func (e *Engine) bump(f func(*Stats)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}
