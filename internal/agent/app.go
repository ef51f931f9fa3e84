// Package agent wires the resilience subsystem together: local store, remote
// document store, session, sync engine, result cache and emergency recovery.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/backup"
	"github.com/ledgerkeep/ledgerkeep/internal/cache"
	"github.com/ledgerkeep/ledgerkeep/internal/config"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/recovery"
	"github.com/ledgerkeep/ledgerkeep/internal/remote"
	"github.com/ledgerkeep/ledgerkeep/internal/session"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
	"github.com/ledgerkeep/ledgerkeep/internal/syncer"
)

// initializedKey marks a store that has held data before. Its presence plus
// an empty store is the data-loss signal that triggers emergency recovery.
const initializedKey = "ledger_initialized"

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type App struct {
	config   *config.Config
	log      logging.Logger
	sink     *audit.LogSink
	db       *sql.DB
	kv       store.KV
	session  *session.Manager
	remote   remote.Store
	cache    *cache.Cache
	syncer   *syncer.Engine
	recovery *recovery.Engine
	mode     Mode
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	sink := audit.NewLogSink(logger, 256)

	kv, db, err := store.Open(ctx, c.DatabaseDSN, c.MaxStoreBytes)
	if err != nil {
		return nil, fmt.Errorf("local store init error: %w", err)
	}

	client, err := kivik.New("couch", c.CouchURL)
	if err != nil {
		return nil, fmt.Errorf("remote store init error: %w", err)
	}
	rs := remote.NewCouchStore(client, c.CouchDatabase, logger)

	sess := session.NewManager([]byte(c.SessionSecret))

	var archive backup.Archive
	if c.S3Bucket != "" {
		a, err := backup.NewS3Archive(ctx, backup.Config{
			Bucket:          c.S3Bucket,
			Region:          c.S3Region,
			Prefix:          c.S3Prefix,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
		}, logger)
		if err != nil {
			logger.Warn(ctx, "snapshot archive disabled", "error", err)
		} else {
			archive = a
		}
	}

	syncEngine := syncer.New(kv, rs, sess, archive, sink, logger)
	resultCache := cache.New(kv, logger, sink, cache.Options{
		MemTTL:     c.CacheMemTTL,
		DurableTTL: c.CacheDurableTTL,
	})
	recoveryEngine := recovery.New(kv, archive, syncEngine, sess, rs, sink, logger,
		recovery.Options{StrategyPause: c.RecoveryStrategyPause})

	return &App{
		config:   c,
		log:      logger,
		sink:     sink,
		db:       db,
		kv:       kv,
		session:  sess,
		remote:   rs,
		cache:    resultCache,
		syncer:   syncEngine,
		recovery: recoveryEngine,
		mode:     ModeOffline,
	}, nil
}

// Cache is the shared result cache for derived analytics.
func (a *App) Cache() *cache.Cache { return a.cache }

// Sync exposes the sync engine to mutation paths.
func (a *App) Sync() *syncer.Engine { return a.syncer }

// Recovery exposes the emergency-recovery engine.
func (a *App) Recovery() *recovery.Engine { return a.recovery }

// Login installs a session token and, when the remote is reachable, brings
// local state up to date.
func (a *App) Login(ctx context.Context, token string) error {
	if err := a.session.SetToken(token); err != nil {
		return err
	}
	owner, err := a.session.Owner()
	if err != nil {
		return err
	}
	a.sink.Log("session.login", nil, owner, audit.SeverityMedium)

	if err := a.remote.Ping(ctx); err != nil {
		a.log.Warn(ctx, "remote unreachable at login, staying offline", "error", err)
		return nil
	}
	a.goOnline(ctx, owner)
	return nil
}

// Logout tears down subscriptions and clears the session.
func (a *App) Logout(ctx context.Context) {
	owner, _ := a.session.Owner()
	a.syncer.Teardown()
	a.session.Clear()
	a.setMode(ctx, ModeOffline)
	a.sink.Log("session.logout", nil, owner, audit.SeverityMedium)
}

func (a *App) setMode(ctx context.Context, mode Mode) {
	if a.mode != mode {
		a.mode = mode
		a.log.Info(ctx, "connectivity changed", "mode", string(mode))
	}
}

// goOnline runs the reconnect sequence: pull, subscribe, drain the offline
// queue.
func (a *App) goOnline(ctx context.Context, owner string) {
	a.setMode(ctx, ModeOnline)
	if err := a.syncer.PullOnConnect(ctx, owner); err != nil {
		a.log.Warn(ctx, "initial pull incomplete", "error", err)
	}
	if err := a.syncer.Subscribe(ctx, owner); err != nil {
		a.log.Warn(ctx, "subscriptions incomplete", "error", err)
	}
	a.syncer.FlushQueue(ctx)
}

// StartOnlineStatusWatcher probes remote reachability on a fixed interval and
// runs the reconnect sequence on each offline-to-online transition.
func (a *App) StartOnlineStatusWatcher(ctx context.Context) {
	ticker := time.NewTicker(a.config.OnlineCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := a.remote.Ping(pingCtx)
			cancel()

			if err != nil {
				a.setMode(ctx, ModeOffline)
				continue
			}
			if a.mode == ModeOnline {
				continue
			}
			owner, err := a.session.Owner()
			if err != nil {
				a.setMode(ctx, ModeOnline)
				continue
			}
			a.goOnline(ctx, owner)

		case <-ctx.Done():
			return
		}
	}
}

// startConflictListener surfaces merge conflicts while no interactive
// resolver is attached.
func (a *App) startConflictListener(ctx context.Context) {
	go func() {
		for {
			select {
			case ev := <-a.syncer.Conflicts():
				a.log.Warn(ctx, "merge conflict, local copy kept",
					"collection", ev.Key, "record_id", ev.Local.ID)
				a.sink.Log("sync.conflict", map[string]any{
					"collection": ev.Key,
					"record_id":  ev.Local.ID,
				}, "", audit.SeverityMedium)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ProbeDataLoss checks for the emergency-recovery trigger: a store that held
// data before and is now empty. A fresh install only sets the marker.
func (a *App) ProbeDataLoss(ctx context.Context) error {
	collections, err := ledger.LoadAll(ctx, a.kv)
	if err != nil {
		a.log.Warn(ctx, "data-loss probe read incomplete", "error", err)
	}
	total := 0
	for _, records := range collections {
		total += len(records)
	}

	if total > 0 {
		if err := a.kv.Write(ctx, initializedKey, []byte("1")); err != nil {
			a.log.Warn(ctx, "initialized marker write failed", "error", err)
		}
		return nil
	}

	if _, err := a.kv.Read(ctx, initializedKey); err != nil {
		// Never initialized; an empty store is expected.
		return nil
	}

	a.log.Error(ctx, "local store is empty but was initialized before, starting emergency recovery")
	result, err := a.recovery.Run(ctx)
	if err != nil {
		return fmt.Errorf("emergency recovery rejected: %w", err)
	}
	a.log.Info(ctx, "emergency recovery finished",
		"success", result.Success, "restored", result.TotalRestored(),
		"errors", len(result.Errors), "warnings", len(result.Warnings))
	return nil
}

// Run starts the background loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.log.Info(ctx, "starting agent")

	if err := a.ProbeDataLoss(ctx); err != nil {
		a.log.Error(ctx, "data-loss probe failed", "error", err)
	}

	a.startConflictListener(ctx)
	go a.StartOnlineStatusWatcher(ctx)

	<-ctx.Done()
	a.log.Info(ctx, "shutting down")
	return a.Close(ctx)
}

// Close releases all resources. Safe to call once after Run returns.
func (a *App) Close(ctx context.Context) error {
	a.syncer.Teardown()
	a.sink.Close()
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("local store close error: %w", err)
	}
	return nil
}
