// Package engine orchestrates backup jobs: it validates the target and selection,
// streams the archive through the transfer client and records the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/archive"
	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/history"
	"github.com/TheGojiOG/pvebackup/internal/logging"
	"github.com/TheGojiOG/pvebackup/internal/schedule"
	"github.com/TheGojiOG/pvebackup/internal/selection"
	"github.com/TheGojiOG/pvebackup/internal/settings"
	"github.com/TheGojiOG/pvebackup/internal/transfer"
)

// ArchiveBuilder produces archive streams
type ArchiveBuilder interface {
	BuildArchive(ctx context.Context, entries []selection.Entry) (*archive.Build, error)
}

// Transfer moves artifacts to targets
type Transfer interface {
	TestConnection(ctx context.Context, target transfer.Target) error
	Upload(ctx context.Context, target transfer.Target, open transfer.Opener, name string, progress func(int64)) (int64, error)
	List(ctx context.Context, target transfer.Target) ([]transfer.RemoteFile, error)
	Delete(ctx context.Context, target transfer.Target, name string) error
}

// Options wires an Engine
type Options struct {
	Builder        ArchiveBuilder
	Transfer       Transfer
	History        *history.Store
	Settings       *settings.Store
	Activity       *logging.ActivityLogger
	Catalog        []selection.Entry // used until a selection has been saved
	ArtifactPrefix string
	JobTimeout     time.Duration
	DialTimeout    time.Duration
	Schedule       schedule.Options
	Now            func() time.Time
	OnEvent        func(Progress)
}

// Engine is the public API of the backup engine
type Engine struct {
	builder     ArchiveBuilder
	transfer    Transfer
	history     *history.Store
	settings    *settings.Store
	activity    *logging.ActivityLogger
	scheduler   *schedule.Scheduler
	prefix      string
	jobTimeout  time.Duration
	dialTimeout time.Duration
	now         func() time.Time
	onEvent     func(Progress)
	log         *slog.Logger

	// Held from the settings write through the in-memory update so the stored
	// and live copies cannot diverge under concurrent edits
	targetWrite    sync.Mutex
	selectionWrite sync.Mutex

	mu      sync.Mutex
	target  transfer.Target
	arena   *selection.Arena
	current *jobRun
}

// New builds an engine and loads the persisted target, selection and schedule
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Builder == nil || opts.Transfer == nil || opts.History == nil {
		return nil, failure.Newf("engine", "new", failure.InvalidConfiguration, "builder, transfer and history are required")
	}

	e := &Engine{
		builder:     opts.Builder,
		transfer:    opts.Transfer,
		history:     opts.History,
		settings:    opts.Settings,
		activity:    opts.Activity,
		prefix:      opts.ArtifactPrefix,
		jobTimeout:  opts.JobTimeout,
		dialTimeout: opts.DialTimeout,
		now:         opts.Now,
		onEvent:     opts.OnEvent,
		log:         logging.Component("engine"),
	}
	if e.prefix == "" {
		e.prefix = "proxmox-backup"
	}
	if e.jobTimeout <= 0 {
		e.jobTimeout = 6 * time.Hour
	}
	if e.dialTimeout <= 0 {
		e.dialTimeout = 30 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}

	entries := opts.Catalog
	var scheduleDef *schedule.Definition
	if e.settings != nil {
		target, ok, err := e.settings.LoadTarget(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			e.target = target
		}

		stored, ok, err := e.settings.LoadSelection(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = stored
		}

		def, ok, err := e.settings.LoadSchedule(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			scheduleDef = &def
		}
	}

	arena, err := selection.NewArena(entries)
	if err != nil {
		return nil, err
	}
	e.arena = arena

	schedOpts := opts.Schedule
	schedOpts.Activity = e.activity
	if schedOpts.Now == nil {
		schedOpts.Now = e.now
	}
	if e.settings != nil {
		schedOpts.Persist = func(def schedule.Definition) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.settings.SaveSchedule(ctx, def)
		}
	}
	e.scheduler = schedule.New(e.scheduledRun, schedOpts)
	if scheduleDef != nil {
		if err := e.scheduler.Restore(*scheduleDef); err != nil {
			e.log.Warn("schedule_restore_failed", "error", err)
		}
	}

	e.log.Info("engine_initialized",
		"target", e.target.Describe(),
		"entries", len(entries),
		"schedule_enabled", e.scheduler.Definition().Enabled,
	)
	return e, nil
}

// Start runs the scheduler until ctx is done
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// Shutdown stops the scheduler, then cancels the active job and waits for it to
// record its outcome. A due time reached during shutdown cannot start a new job.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.scheduler.Stop()

	handle, ok := e.ActiveJob()
	if !ok {
		return nil
	}
	handle.Cancel()
	select {
	case <-handle.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfigureTarget validates and stores the target. An empty secret keeps the stored
// secret when protocol, host and username are unchanged.
func (e *Engine) ConfigureTarget(ctx context.Context, target transfer.Target) (transfer.Target, error) {
	target = target.WithDefaults()

	e.targetWrite.Lock()
	defer e.targetWrite.Unlock()

	e.mu.Lock()
	previous := e.target
	e.mu.Unlock()
	if target.Secret == "" && previous.Protocol == target.Protocol &&
		previous.Host == target.Host && previous.Username == target.Username {
		target.Secret = previous.Secret
	}

	if err := target.Validate(); err != nil {
		e.activity.LogOperatorAction(logging.ActivityTargetUpdate, "Target rejected", nil, err)
		return transfer.Target{}, err
	}

	if e.settings != nil {
		if err := e.settings.SaveTarget(ctx, target); err != nil {
			return transfer.Target{}, err
		}
	}

	e.mu.Lock()
	e.target = target
	e.mu.Unlock()

	e.log.Info("target_configured", "target", target.Describe())
	e.activity.LogOperatorAction(logging.ActivityTargetUpdate, "Target updated",
		map[string]interface{}{"target": target.Describe()}, nil)
	return target.Redacted(), nil
}

// Target returns the configured target without its secret
func (e *Engine) Target() transfer.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target.Redacted()
}

// TestConnection probes the configured target. It may run while a job is active.
func (e *Engine) TestConnection(ctx context.Context) error {
	e.mu.Lock()
	target := e.target
	e.mu.Unlock()
	return e.TestTarget(ctx, target)
}

// TestTarget probes a candidate target without storing it
func (e *Engine) TestTarget(ctx context.Context, target transfer.Target) error {
	ctx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	err := e.transfer.TestConnection(ctx, target)
	e.activity.LogOperatorAction(logging.ActivityTargetTest, "Connection test",
		map[string]interface{}{"target": target.WithDefaults().Describe()}, err)
	if err != nil {
		e.log.Warn("target_test_failed", "target", target.WithDefaults().Describe(), "kind", string(failure.KindOf(err)), "error", err.Error())
	}
	return err
}

// SetSelection replaces the selection
func (e *Engine) SetSelection(ctx context.Context, entries []selection.Entry) (selection.Summary, error) {
	candidate, err := selection.NewArena(entries)
	if err != nil {
		return selection.Summary{}, err
	}
	normalized := candidate.Entries()

	e.selectionWrite.Lock()
	defer e.selectionWrite.Unlock()

	if e.settings != nil {
		if err := e.settings.SaveSelection(ctx, normalized); err != nil {
			return selection.Summary{}, err
		}
	}
	if err := e.arena.Replace(normalized); err != nil {
		return selection.Summary{}, err
	}

	summary := e.arena.Summary()
	e.activity.LogOperatorAction(logging.ActivitySelectionUpdate, "Selection replaced",
		map[string]interface{}{"total": summary.Total, "selected": summary.Selected}, nil)
	if summary.Incomplete {
		e.log.Warn("selection_critical_incomplete", "critical_selected", summary.CriticalSelected, "critical_total", summary.CriticalTotal)
	}
	return summary, nil
}

// ToggleEntry flips one entry addressed by path
func (e *Engine) ToggleEntry(ctx context.Context, path string) (selection.Entry, error) {
	e.selectionWrite.Lock()
	defer e.selectionWrite.Unlock()

	entry, err := e.arena.Toggle(path)
	if err != nil {
		return selection.Entry{}, err
	}
	if e.settings != nil {
		if err := e.settings.SaveSelection(ctx, e.arena.Entries()); err != nil {
			// Keep memory and storage in step
			e.arena.Set(path, !entry.Selected)
			return selection.Entry{}, err
		}
	}

	e.activity.LogOperatorAction(logging.ActivitySelectionToggle, "Selection toggled",
		map[string]interface{}{"path": path, "selected": entry.Selected}, nil)
	return entry, nil
}

// Selection returns the entries in order
func (e *Engine) Selection() []selection.Entry {
	return e.arena.Entries()
}

// SelectionSummary counts the selection
func (e *Engine) SelectionSummary() selection.Summary {
	return e.arena.Summary()
}

// ConfigureSchedule replaces the schedule definition
func (e *Engine) ConfigureSchedule(ctx context.Context, def schedule.Definition) (schedule.Definition, error) {
	updated, err := e.scheduler.Configure(def)
	e.activity.LogOperatorAction(logging.ActivityScheduleUpdate, "Schedule updated",
		map[string]interface{}{"enabled": def.Enabled, "cadence": string(def.Cadence)}, err)
	return updated, err
}

// Schedule returns the scheduler status
func (e *Engine) Schedule() schedule.Status {
	return e.scheduler.Status()
}

// ListHistory returns history records, most recent first
func (e *Engine) ListHistory(ctx context.Context) ([]history.Record, error) {
	return e.history.List(ctx)
}

// JobHistory returns the records written for one job
func (e *Engine) JobHistory(ctx context.Context, jobID string) ([]history.Record, error) {
	return e.history.ListByJob(ctx, jobID)
}

// DeleteHistoryRecord removes a record. With purgeRemote the artifact it names is
// deleted from the configured target first; an artifact already gone is not an error.
func (e *Engine) DeleteHistoryRecord(ctx context.Context, id string, purgeRemote bool) error {
	record, err := e.history.Get(ctx, id)
	if err != nil {
		return err
	}

	if purgeRemote && record.Status == history.StatusSuccess && record.Filename != "" {
		e.mu.Lock()
		target := e.target
		e.mu.Unlock()

		err := e.transfer.Delete(ctx, target, record.Filename)
		if err != nil && !errors.Is(err, failure.ErrNotFound) {
			e.activity.LogOperatorAction(logging.ActivityHistoryDelete, "Remote artifact purge failed",
				map[string]interface{}{"record_id": id, "artifact": record.Filename}, err)
			return fmt.Errorf("failed to purge remote artifact: %w", err)
		}
	}

	if err := e.history.Delete(ctx, id); err != nil {
		return err
	}

	e.log.Info("history_record_deleted", "id", id, "purge_remote", purgeRemote)
	e.activity.LogOperatorAction(logging.ActivityHistoryDelete, "History record deleted",
		map[string]interface{}{"record_id": id, "purge_remote": purgeRemote, "artifact": record.Filename}, nil)
	return nil
}

// RemoteFiles lists the artifacts on the configured target
func (e *Engine) RemoteFiles(ctx context.Context) ([]transfer.RemoteFile, error) {
	e.mu.Lock()
	target := e.target
	e.mu.Unlock()
	return e.transfer.List(ctx, target)
}

// ActiveJob returns the running job, or the most recent one when none is running.
// It reports false when no job has run since startup.
func (e *Engine) ActiveJob() (*JobHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, false
	}
	return &JobHandle{run: e.current}, true
}

// CancelActive cancels the running job
func (e *Engine) CancelActive() error {
	handle, ok := e.ActiveJob()
	if !ok || !handle.Cancel() {
		return failure.Newf("engine", "cancel", failure.NotFound, "no backup job is running")
	}
	return nil
}

// Activity returns the audit trail of operator actions and job runs
func (e *Engine) Activity(ctx context.Context, filter logging.ActivityFilter) ([]*logging.Activity, error) {
	if e.activity == nil {
		return []*logging.Activity{}, nil
	}
	return e.activity.Query(ctx, filter)
}
