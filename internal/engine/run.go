package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/history"
	"github.com/TheGojiOG/pvebackup/internal/selection"
	"github.com/TheGojiOG/pvebackup/internal/transfer"
)

const artifactTimeLayout = "2006-01-02_15-04-05"

// ArtifactName builds the remote file name from the request time and the job id.
// The id suffix keeps two jobs started in the same second from sharing a file.
func ArtifactName(prefix string, requestedAt time.Time, jobID, extension string) string {
	suffix := strings.ReplaceAll(jobID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return prefix + "-" + requestedAt.UTC().Format(artifactTimeLayout) + "-" + suffix + "." + extension
}

// RunBackupNow starts a manual backup. Validation happens before it returns: an
// unusable target or an empty selection is reported here and recorded in history.
func (e *Engine) RunBackupNow() (*JobHandle, error) {
	return e.run(TriggerManual)
}

func (e *Engine) scheduledRun(ctx context.Context) (<-chan struct{}, error) {
	h, err := e.run(TriggerScheduled)
	if err != nil {
		return nil, err
	}
	return h.Done(), nil
}

func (e *Engine) run(trigger Trigger) (*JobHandle, error) {
	e.mu.Lock()
	if e.current != nil && !e.current.isDone() {
		id := e.current.job.ID
		e.mu.Unlock()
		return nil, failure.Newf("engine", "run", failure.JobAlreadyRunning, "backup job %s is still running", id)
	}

	target := e.target
	job := Job{
		ID:          uuid.NewString(),
		RequestedAt: e.now(),
		Trigger:     trigger,
		Selection:   e.arena.Entries(),
		Target:      target.Redacted(),
		State:       StatePending,
	}
	r := newJobRun(job, e.onEvent)
	e.current = r
	e.mu.Unlock()

	e.activity.LogJobStart(job.ID, string(trigger), len(selection.SelectedOf(job.Selection)))
	r.log.Info("job_started", "target", target.Describe())

	r.transition(StateValidating)
	if err := validate(target, job.Selection); err != nil {
		e.finish(r, 0, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.jobTimeout)
	r.mu.Lock()
	r.cancel = cancel
	if r.cancelRequested {
		cancel()
	}
	r.mu.Unlock()

	go func() {
		defer cancel()
		sent, err := e.execute(ctx, r, target)
		if err != nil {
			err = e.terminalError(ctx, r, err)
		}
		e.finish(r, sent, err)
	}()

	return &JobHandle{run: r}, nil
}

func validate(target transfer.Target, entries []selection.Entry) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if len(selection.SelectedOf(entries)) == 0 {
		return failure.New("engine", "validate", failure.InvalidConfiguration,
			failure.Newf("selection", "validate", failure.EmptySelection, "no entries selected"))
	}
	return nil
}

// execute builds and uploads the archive. It returns the bytes stored.
func (e *Engine) execute(ctx context.Context, r *jobRun, target transfer.Target) (int64, error) {
	r.transition(StateBuildingArchive)

	entries := r.snapshot().Selection
	build, err := e.builder.BuildArchive(ctx, entries)
	if err != nil {
		return 0, err
	}
	for _, w := range build.Warnings {
		r.log.Warn("selection_entry_skipped", "warning", w)
	}

	name := ArtifactName(e.prefix, r.job.RequestedAt, r.job.ID, build.Extension)
	r.setBuild(build.SizeEstimate, build.Warnings, name)

	// The first attempt reads the stream already built; retries build again
	var (
		mu    sync.Mutex
		first io.ReadCloser = build.Stream
		last                = build
	)
	open := func(ctx context.Context) (io.ReadCloser, error) {
		mu.Lock()
		stream := first
		first = nil
		mu.Unlock()
		if stream != nil {
			return stream, nil
		}
		rebuilt, err := e.builder.BuildArchive(ctx, entries)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		last = rebuilt
		mu.Unlock()
		return rebuilt.Stream, nil
	}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		if first != nil {
			first.Close()
		}
	}()

	r.transition(StateUploading)
	sent, err := e.transfer.Upload(ctx, target, open, name, r.progress)
	if err != nil {
		return sent, err
	}

	// Files that changed between planning and streaming the stored artifact
	mu.Lock()
	late := last.StreamWarnings()
	mu.Unlock()
	for _, w := range late {
		r.log.Warn("selection_entry_degraded", "warning", w)
	}
	r.addWarnings(late)
	return sent, nil
}

// terminalError maps how the run context ended onto the job error
func (e *Engine) terminalError(ctx context.Context, r *jobRun, err error) error {
	switch {
	case r.wasCancelled():
		if errors.Is(err, failure.ErrCancelled) {
			return err
		}
		return failure.New("engine", "run", failure.Cancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if errors.Is(err, failure.ErrTimeout) {
			return err
		}
		return failure.Newf("engine", "run", failure.Timeout, "job exceeded %s: %v", e.jobTimeout, err)
	}
	return err
}

// finish moves the job to its terminal state, writes the history record and
// releases waiters, in that order.
func (e *Engine) finish(r *jobRun, sent int64, err error) {
	state := StateCompleted
	status := history.StatusSuccess
	switch {
	case err == nil:
	case failure.KindOf(err) == failure.Cancelled:
		state = StateCancelled
		status = history.StatusCancelled
	default:
		state = StateFailed
		status = history.StatusFailed
	}

	finishedAt := e.now()
	job := r.complete(state, sent, err, finishedAt)

	record := history.Record{
		JobID:       job.ID,
		Filename:    job.ResultArtifactName,
		CompletedAt: finishedAt,
		Status:      status,
		Trigger:     string(job.Trigger),
		Warnings:    job.Warnings,
		DurationMs:  finishedAt.Sub(job.RequestedAt).Milliseconds(),
		ErrorKind:   string(job.ErrorKind),
		ErrorDetail: job.ErrorDetail,
	}
	if state == StateCompleted {
		record.SizeBytes = sent
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, herr := e.history.Append(ctx, record); herr != nil {
		r.log.Error("history_append_failed", "error", herr)
	}

	e.activity.LogJobFinish(job.ID, string(state), job.ResultArtifactName, sent, job.ErrorDetail)
	if err != nil {
		r.log.Warn("job_finished",
			"state", string(state),
			"kind", string(job.ErrorKind),
			"error", job.ErrorDetail,
		)
	} else {
		r.log.Info("job_finished",
			"state", string(state),
			"artifact", job.ResultArtifactName,
			"bytes", sent,
			"warnings", len(job.Warnings),
		)
	}

	r.close()
}
