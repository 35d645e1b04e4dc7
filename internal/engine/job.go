package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/logging"
	"github.com/TheGojiOG/pvebackup/internal/selection"
	"github.com/TheGojiOG/pvebackup/internal/transfer"
)

// State of a backup job
type State string

const (
	StatePending         State = "pending"
	StateValidating      State = "validating"
	StateBuildingArchive State = "building_archive"
	StateUploading       State = "uploading"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Trigger records who started a job
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Job is a snapshot of one backup run. Target never carries the secret.
type Job struct {
	ID                 string            `json:"id"`
	RequestedAt        time.Time         `json:"requested_at"`
	FinishedAt         time.Time         `json:"finished_at,omitempty"`
	Trigger            Trigger           `json:"trigger"`
	Selection          []selection.Entry `json:"selection"`
	Target             transfer.Target   `json:"target"`
	State              State             `json:"state"`
	ProgressFraction   float64           `json:"progress_fraction"`
	BytesSent          int64             `json:"bytes_sent"`
	SizeEstimate       int64             `json:"size_estimate"`
	ResultArtifactName string            `json:"result_artifact_name,omitempty"`
	ErrorKind          failure.Kind      `json:"error_kind,omitempty"`
	ErrorDetail        string            `json:"error_detail,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
}

// Progress is one event on a job's progress stream
type Progress struct {
	JobID            string       `json:"job_id"`
	State            State        `json:"state"`
	ProgressFraction float64      `json:"progress_fraction"`
	BytesSent        int64        `json:"bytes_sent"`
	SizeEstimate     int64        `json:"size_estimate"`
	Artifact         string       `json:"artifact,omitempty"`
	ErrorKind        failure.Kind `json:"error_kind,omitempty"`
	ErrorDetail      string       `json:"error_detail,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

const (
	subscriberBuffer = 32
	publishInterval  = 250 * time.Millisecond
)

// jobRun is the mutable state behind a JobHandle
type jobRun struct {
	mu              sync.Mutex
	job             Job
	err             error
	subscribers     []chan Progress
	lastPublish     time.Time
	cancel          func()
	cancelRequested bool
	done            chan struct{}
	onEvent         func(Progress)
	log             *slog.Logger
}

func newJobRun(job Job, onEvent func(Progress)) *jobRun {
	return &jobRun{
		job:     job,
		done:    make(chan struct{}),
		onEvent: onEvent,
		log:     logging.ForJob(job.ID, string(job.Trigger)),
	}
}

func (r *jobRun) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyJob()
}

func (r *jobRun) copyJob() Job {
	job := r.job
	job.Selection = append([]selection.Entry(nil), r.job.Selection...)
	job.Warnings = append([]string(nil), r.job.Warnings...)
	return job
}

func (r *jobRun) progressLocked() Progress {
	return Progress{
		JobID:            r.job.ID,
		State:            r.job.State,
		ProgressFraction: r.job.ProgressFraction,
		BytesSent:        r.job.BytesSent,
		SizeEstimate:     r.job.SizeEstimate,
		Artifact:         r.job.ResultArtifactName,
		ErrorKind:        r.job.ErrorKind,
		ErrorDetail:      r.job.ErrorDetail,
		Timestamp:        time.Now().UTC(),
	}
}

// transition moves the job to a non-terminal state and publishes it
func (r *jobRun) transition(state State) {
	r.mu.Lock()
	r.job.State = state
	p := r.progressLocked()
	r.publishLocked(p)
	r.mu.Unlock()
	r.emit(p)
}

func (r *jobRun) setBuild(estimate int64, warnings []string, artifact string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.SizeEstimate = estimate
	r.job.Warnings = append([]string(nil), warnings...)
	r.job.ResultArtifactName = artifact
}

func (r *jobRun) addWarnings(warnings []string) {
	if len(warnings) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Warnings = append(r.job.Warnings, warnings...)
}

// progress records bytes sent; events are rate limited
func (r *jobRun) progress(sent int64) {
	r.mu.Lock()
	if sent > r.job.BytesSent {
		r.job.BytesSent = sent
	}
	r.job.ProgressFraction = fraction(r.job.BytesSent, r.job.SizeEstimate)
	now := time.Now()
	if now.Sub(r.lastPublish) < publishInterval {
		r.mu.Unlock()
		return
	}
	r.lastPublish = now
	p := r.progressLocked()
	r.publishLocked(p)
	r.mu.Unlock()
	r.emit(p)
}

// complete sets the terminal state. It does not release waiters; see close.
func (r *jobRun) complete(state State, sent int64, err error, finishedAt time.Time) Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.State = state
	r.job.FinishedAt = finishedAt
	r.err = err
	if state == StateCompleted {
		r.job.BytesSent = sent
		r.job.ProgressFraction = 1
	} else {
		r.job.ResultArtifactName = ""
	}
	if err != nil {
		r.job.ErrorKind = failure.KindOf(err)
		r.job.ErrorDetail = err.Error()
	}
	return r.copyJob()
}

// close publishes the terminal event, closes every subscriber and releases Done
func (r *jobRun) close() {
	r.mu.Lock()
	p := r.progressLocked()
	r.publishLocked(p)
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
	close(r.done)
	r.mu.Unlock()
	r.emit(p)
}

func (r *jobRun) publishLocked(p Progress) {
	for _, ch := range r.subscribers {
		select {
		case ch <- p:
		default:
			// Drop the oldest event so the newest state is never lost
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

func (r *jobRun) emit(p Progress) {
	if r.onEvent != nil {
		r.onEvent(p)
	}
}

func (r *jobRun) subscribe() <-chan Progress {
	ch := make(chan Progress, subscriberBuffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	ch <- r.progressLocked()
	if r.job.State.Terminal() && r.isDone() {
		close(ch)
		return ch
	}
	r.subscribers = append(r.subscribers, ch)
	return ch
}

func (r *jobRun) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *jobRun) requestCancel() bool {
	r.mu.Lock()
	if r.job.State.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.cancelRequested = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (r *jobRun) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// JobHandle lets a caller follow and control one job
type JobHandle struct {
	run *jobRun
}

// ID returns the job id
func (h *JobHandle) ID() string {
	return h.run.job.ID
}

// Subscribe returns a stream of progress events. The current state is delivered
// first; the channel closes after the terminal event. Slow readers lose
// intermediate events, never the last one.
func (h *JobHandle) Subscribe() <-chan Progress {
	return h.run.subscribe()
}

// Done is closed once the job is terminal and its history record is written
func (h *JobHandle) Done() <-chan struct{} {
	return h.run.done
}

// Snapshot returns the current job state without waiting
func (h *JobHandle) Snapshot() Job {
	return h.run.snapshot()
}

// Result waits for the job to finish. The error is nil on success.
func (h *JobHandle) Result() (Job, error) {
	<-h.run.done
	h.run.mu.Lock()
	defer h.run.mu.Unlock()
	return h.run.copyJob(), h.run.err
}

// Cancel requests cancellation. It reports false when the job already finished.
func (h *JobHandle) Cancel() bool {
	return h.run.requestCancel()
}

func fraction(sent, estimate int64) float64 {
	if estimate <= 0 {
		return 0
	}
	f := float64(sent) / float64(estimate)
	if f > 1 {
		return 1
	}
	return f
}
