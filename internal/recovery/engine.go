// Package recovery implements the cascading emergency-recovery engine. When
// primary storage is found empty or invalid it runs an ordered, audited
// sequence of independent strategies to repopulate the local store, backing up
// whatever is there first so a failed run can never make things worse.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/backup"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/models"
	"github.com/ledgerkeep/ledgerkeep/internal/store"
)

const (
	// maxAttempts is the process-lifetime budget of recovery runs. A
	// successful run resets it.
	maxAttempts = 3

	// keepSlots is how many emergency-backup slots pruning retains.
	keepSlots = 5

	// slotPrefix namespaces emergency-backup keys. The embedded zero-padded
	// epoch-millisecond timestamp makes lexical order creation order.
	slotPrefix = "recovery_"

	// legacySlotPrefix covers snapshots written by earlier builds.
	legacySlotPrefix = "backup_"

	probeKey = "__recovery_probe__"
)

var (
	ErrRecoveryInProgress    = errors.New("recovery already in progress")
	ErrAttemptBudgetExceeded = errors.New("recovery attempt budget exceeded")
)

// SyncPort is the narrow slice of the sync engine recovery depends on,
// resolved at composition time.
type SyncPort interface {
	PullOnConnect(ctx context.Context, ownerID string) error
	Push(ctx context.Context, collection string, records []models.Record) error
}

// OwnerSource exposes the authenticated owner.
type OwnerSource interface {
	Owner() (string, error)
}

// Pinger reports remote reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the engine.
type Options struct {
	// StrategyPause is slept between strategy attempts to let a flapping
	// backend settle. Zero disables the pause.
	StrategyPause time.Duration
}

// Engine runs emergency recovery. At most one run is in flight process-wide;
// a concurrent invocation is rejected, not queued.
type Engine struct {
	kv       store.KV
	archive  backup.Archive // optional; nil disables the remote-backup strategy
	sync     SyncPort
	owners   OwnerSource
	pinger   Pinger // optional
	sink     audit.Sink
	log      logging.Logger
	validate *validator.Validate
	pause    time.Duration

	mu         sync.Mutex
	recovering bool
	attempts   int
	history    []models.RecoveryResult
}

func New(kv store.KV, archive backup.Archive, syncPort SyncPort, owners OwnerSource, pinger Pinger, sink audit.Sink, log logging.Logger, opts Options) *Engine {
	return &Engine{
		kv:       kv,
		archive:  archive,
		sync:     syncPort,
		owners:   owners,
		pinger:   pinger,
		sink:     sink,
		log:      log.With("component", "recovery"),
		validate: validator.New(),
		pause:    opts.StrategyPause,
	}
}

// History returns the results of all completed runs, oldest first.
func (e *Engine) History() []models.RecoveryResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.RecoveryResult, len(e.history))
	copy(out, e.history)
	return out
}

// Run executes one full recovery pass. Only precondition violations (a run
// already in flight, attempt budget exhausted) are returned as errors; a run
// that completes without restoring data reports failure through the result.
func (e *Engine) Run(ctx context.Context) (result *models.RecoveryResult, err error) {
	e.mu.Lock()
	if e.recovering {
		e.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}
	if e.attempts >= maxAttempts {
		e.mu.Unlock()
		return nil, ErrAttemptBudgetExceeded
	}
	e.attempts++
	e.recovering = true
	e.mu.Unlock()

	result = &models.RecoveryResult{
		RecoveryID:   fmt.Sprintf("%s%013d_%s", slotPrefix, time.Now().UnixMilli(), models.NewID()),
		StartedAt:    time.Now(),
		DataRestored: map[string]int{},
	}
	e.log.Warn(ctx, "emergency recovery starting", "recovery_id", result.RecoveryID)

	defer func() {
		severity := audit.SeverityMedium
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", r))
			result.Success = false
			severity = audit.SeverityCritical
			err = fmt.Errorf("recovery panicked: %v", r)
		} else if !result.Success {
			severity = audit.SeverityHigh
		}

		e.sink.Log("recovery.complete", map[string]any{
			"recovery_id": result.RecoveryID,
			"success":     result.Success,
			"restored":    result.TotalRestored(),
			"errors":      len(result.Errors),
			"warnings":    len(result.Warnings),
		}, "", severity)

		e.mu.Lock()
		e.recovering = false
		if result.Success {
			e.attempts = 0
		}
		e.history = append(e.history, *result)
		e.mu.Unlock()
	}()

	if stepErr := e.step(result, "validate_environment", func() error {
		return e.validateEnvironment(ctx, result)
	}); stepErr != nil {
		result.Errors = append(result.Errors, stepErr.Error())
		return result, nil
	}

	e.step(result, "backup_current_state", func() error {
		if backupErr := e.backupCurrentState(ctx, result.RecoveryID); backupErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("pre-recovery backup failed: %v", backupErr))
		}
		return nil
	})

	recovered := e.tryStrategies(ctx, result)
	if countRecords(recovered) == 0 {
		result.Errors = append(result.Errors, "no recovery strategy yielded data")
		return result, nil
	}

	e.step(result, "validate_recovered_data", func() error {
		recovered = e.validateRecovered(recovered, result)
		return nil
	})

	e.step(result, "finalize", func() error {
		return e.finalize(ctx, recovered, result)
	})

	result.Success = len(result.Errors) == 0
	return result, nil
}

// step runs one stage, records it on the result and audit-logs its outcome.
func (e *Engine) step(result *models.RecoveryResult, name string, fn func() error) error {
	s := models.Step{Name: name, Status: models.StepRunning, StartedAt: time.Now()}
	err := fn()
	s.EndedAt = time.Now()
	if err != nil {
		s.Status = models.StepFailed
		s.Error = err.Error()
	} else {
		s.Status = models.StepCompleted
	}
	result.Steps = append(result.Steps, s)

	e.sink.Log("recovery.step", map[string]any{
		"recovery_id": result.RecoveryID,
		"step":        name,
		"status":      string(s.Status),
	}, "", audit.SeverityMedium)
	return err
}

// validateEnvironment confirms the local store is writable and notes, as
// warnings, conditions that limit which strategies can run.
func (e *Engine) validateEnvironment(ctx context.Context, result *models.RecoveryResult) error {
	if err := e.kv.Write(ctx, probeKey, []byte("1")); err != nil {
		return fmt.Errorf("local store not writable: %w", err)
	}
	if err := e.kv.Remove(ctx, probeKey); err != nil {
		e.log.Warn(ctx, "probe key cleanup failed", "error", err)
	}

	if _, err := e.owners.Owner(); err != nil {
		result.Warnings = append(result.Warnings, "no authenticated session; remote strategies unavailable")
	}
	if e.pinger != nil {
		if err := e.pinger.Ping(ctx); err != nil {
			result.Warnings = append(result.Warnings, "client offline; remote strategies unavailable")
		}
	}
	return nil
}

// backupCurrentState snapshots whatever the store currently holds, suspected
// corrupt or not, into the run's emergency-backup slot.
func (e *Engine) backupCurrentState(ctx context.Context, slotKey string) error {
	collections, err := ledger.LoadAll(ctx, e.kv)
	if err != nil {
		e.log.Warn(ctx, "pre-recovery snapshot is partial", "error", err)
	}
	data, err := json.Marshal(collections)
	if err != nil {
		return fmt.Errorf("failed to encode pre-recovery snapshot: %w", err)
	}
	if err := e.kv.Write(ctx, slotKey, data); err != nil {
		return fmt.Errorf("failed to write pre-recovery snapshot: %w", err)
	}
	return nil
}

// validateRecovered enforces structural invariants on the recovered data.
// Violations are warnings and the offending records are dropped; partial
// recovery beats none.
func (e *Engine) validateRecovered(recovered map[string][]models.Record, result *models.RecoveryResult) map[string][]models.Record {
	out := make(map[string][]models.Record, len(recovered))
	for collection, records := range recovered {
		seen := make(map[string]struct{}, len(records))
		kept := make([]models.Record, 0, len(records))
		for _, r := range records {
			if err := e.validate.Struct(r); err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: dropped malformed record %q: %v", collection, r.ID, err))
				continue
			}
			if _, dup := seen[r.ID]; dup {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: dropped duplicate record %q", collection, r.ID))
				continue
			}
			seen[r.ID] = struct{}{}
			kept = append(kept, r)
		}
		out[collection] = kept
	}
	return out
}

// finalize persists the recovered collections, re-syncs them to the remote
// store best effort and prunes old emergency-backup slots.
func (e *Engine) finalize(ctx context.Context, recovered map[string][]models.Record, result *models.RecoveryResult) error {
	var firstErr error
	for collection, records := range recovered {
		if len(records) == 0 {
			continue
		}
		if err := ledger.Save(ctx, e.kv, collection, records); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: restore failed: %v", collection, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.DataRestored[collection] = len(records)
	}

	if e.sync != nil {
		for collection, records := range recovered {
			if len(records) == 0 {
				continue
			}
			if err := e.sync.Push(ctx, collection, records); err != nil {
				e.log.Warn(ctx, "post-recovery re-sync failed", "collection", collection, "error", err)
			}
		}
	}

	e.pruneSlots(ctx)
	return firstErr
}

func (e *Engine) pruneSlots(ctx context.Context) {
	keys, err := e.kv.Keys(ctx, slotPrefix)
	if err != nil {
		e.log.Warn(ctx, "backup slot listing failed", "error", err)
		return
	}
	if len(keys) <= keepSlots {
		return
	}
	// Slot keys embed creation time, so lexical order is creation order.
	sort.Strings(keys)
	for _, key := range keys[:len(keys)-keepSlots] {
		if err := e.kv.Remove(ctx, key); err != nil {
			e.log.Warn(ctx, "backup slot removal failed", "key", key, "error", err)
		}
	}
}

func countRecords(collections map[string][]models.Record) int {
	total := 0
	for _, records := range collections {
		total += len(records)
	}
	return total
}
