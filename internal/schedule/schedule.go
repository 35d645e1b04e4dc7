// Package schedule fires backups on a weekly or monthly cadence.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/logging"
)

// Cadence is how often a scheduled backup runs
type Cadence string

const (
	Weekly  Cadence = "weekly"  // Sunday 02:00
	Monthly Cadence = "monthly" // 1st of the month 02:00
)

var cadenceSpecs = map[Cadence]string{
	Weekly:  "0 2 * * 0",
	Monthly: "0 2 1 * *",
}

// State of the scheduler
type State string

const (
	StateDisabled State = "disabled"
	StateArmed    State = "armed"
	StateDue      State = "due"
	StateFired    State = "fired"
)

// Definition is the persisted schedule
type Definition struct {
	Enabled     bool      `json:"enabled"`
	Cadence     Cadence   `json:"cadence"`
	NextDueAt   time.Time `json:"next_due_at,omitempty"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
}

// Status is a snapshot for callers
type Status struct {
	Definition
	State         State     `json:"state"`
	Running       bool      `json:"running"`
	Skipped       int       `json:"skipped"`
	LastSkippedAt time.Time `json:"last_skipped_at,omitempty"`
}

// Trigger starts a scheduled backup and returns a channel closed when it ends.
// failure.ErrJobAlreadyRunning means another run holds the engine.
type Trigger func(ctx context.Context) (<-chan struct{}, error)

// Options configures a Scheduler
type Options struct {
	PollInterval time.Duration
	Location     *time.Location
	Now          func() time.Time
	Persist      func(Definition) error
	Activity     *logging.ActivityLogger
}

// Scheduler polls the definition and fires the trigger when due
type Scheduler struct {
	trigger  Trigger
	interval time.Duration
	location *time.Location
	now      func() time.Time
	persist  func(Definition) error
	activity *logging.ActivityLogger
	log      *slog.Logger

	mu            sync.Mutex
	def           Definition
	state         State
	running       <-chan struct{}
	skipped       int
	lastSkippedAt time.Time
	cancel        context.CancelFunc
	stopped       chan struct{}
}

// New creates a disabled scheduler
func New(trigger Trigger, opts Options) *Scheduler {
	s := &Scheduler{
		trigger:  trigger,
		interval: opts.PollInterval,
		location: opts.Location,
		now:      opts.Now,
		persist:  opts.Persist,
		activity: opts.Activity,
		log:      logging.Component("schedule"),
		def:      Definition{Cadence: Weekly},
		state:    StateDisabled,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ParseCadence normalises a cadence name; empty means weekly
func ParseCadence(value string) (Cadence, error) {
	c := Cadence(strings.ToLower(strings.TrimSpace(value)))
	if c == "" {
		return Weekly, nil
	}
	if _, ok := cadenceSpecs[c]; !ok {
		return "", failure.Newf("schedule", "configure", failure.InvalidConfiguration,
			"cadence must be weekly or monthly, got %q", value)
	}
	return c, nil
}

// NextDue returns the first due time strictly after from
func NextDue(cadence Cadence, from time.Time) (time.Time, error) {
	spec, ok := cadenceSpecs[cadence]
	if !ok {
		return time.Time{}, failure.Newf("schedule", "next", failure.InvalidConfiguration, "unknown cadence %q", cadence)
	}
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, failure.New("schedule", "next", failure.Internal, err)
	}
	return parsed.Next(from), nil
}

// Configure replaces the definition. NextDueAt is recomputed from now when enabled.
func (s *Scheduler) Configure(def Definition) (Definition, error) {
	cadence, err := ParseCadence(string(def.Cadence))
	if err != nil {
		return Definition{}, err
	}

	s.mu.Lock()
	next := Definition{
		Enabled:     def.Enabled,
		Cadence:     cadence,
		LastFiredAt: s.def.LastFiredAt,
	}
	if next.Enabled {
		due, err := NextDue(cadence, s.now().In(s.location))
		if err != nil {
			s.mu.Unlock()
			return Definition{}, err
		}
		next.NextDueAt = due
	}
	s.mu.Unlock()

	if err := s.save(next); err != nil {
		return Definition{}, err
	}

	s.mu.Lock()
	s.def = next
	s.state = stateFor(next)
	s.mu.Unlock()

	s.log.Info("schedule_configured",
		"enabled", next.Enabled,
		"cadence", string(next.Cadence),
		"next_due_at", next.NextDueAt,
	)
	return next, nil
}

// Restore loads a persisted definition without rewriting it. A due time that passed
// while the process was down fires on the first poll.
func (s *Scheduler) Restore(def Definition) error {
	cadence, err := ParseCadence(string(def.Cadence))
	if err != nil {
		return err
	}
	def.Cadence = cadence

	if def.Enabled && def.NextDueAt.IsZero() {
		due, err := NextDue(cadence, s.now().In(s.location))
		if err != nil {
			return err
		}
		def.NextDueAt = due
	}
	if !def.Enabled {
		def.NextDueAt = time.Time{}
	}

	s.mu.Lock()
	s.def = def
	s.state = stateFor(def)
	s.mu.Unlock()
	return nil
}

// Definition returns the current definition
func (s *Scheduler) Definition() Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.def
}

// Status returns the state and counters
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Definition:    s.def,
		State:         s.state,
		Running:       isRunning(s.running),
		Skipped:       s.skipped,
		LastSkippedAt: s.lastSkippedAt,
	}
}

// Start runs the poll loop until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.stopped = stopped
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("schedule_stopped")
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					continue
				}
				s.poll(ctx)
			}
		}
	}()
	s.log.Info("schedule_started", "poll_interval", s.interval.String())
}

// Stop ends the poll loop and waits for an in-flight poll to return. No trigger
// fires after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// poll fires the trigger when the definition is due. Fires that overlap a run still
// in progress are skipped, never queued.
func (s *Scheduler) poll(ctx context.Context) {
	now := s.now().In(s.location)

	s.mu.Lock()
	if !s.def.Enabled || now.Before(s.def.NextDueAt) {
		s.mu.Unlock()
		return
	}

	s.state = StateDue
	dueAt := s.def.NextDueAt
	next, err := NextDue(s.def.Cadence, now)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("schedule_next_due_failed", "error", err)
		return
	}

	updated := s.def
	updated.NextDueAt = next
	overlap := isRunning(s.running)
	if !overlap {
		updated.LastFiredAt = now
		s.state = StateFired
	}
	s.def = updated
	s.mu.Unlock()

	if err := s.save(updated); err != nil {
		s.log.Error("schedule_persist_failed", "error", err)
	}

	if overlap {
		s.skip(dueAt, "previous scheduled run still in progress")
		return
	}

	s.log.Info("schedule_fired", "due_at", dueAt, "next_due_at", next)
	done, err := s.trigger(ctx)

	s.mu.Lock()
	if err == nil {
		s.running = done
	}
	s.state = stateFor(s.def)
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, failure.ErrJobAlreadyRunning) {
			s.skip(dueAt, "a backup job is already running")
			return
		}
		s.log.Error("schedule_trigger_failed", "due_at", dueAt, "error", err)
	}
}

func (s *Scheduler) skip(dueAt time.Time, reason string) {
	s.mu.Lock()
	s.skipped++
	s.lastSkippedAt = s.now()
	s.state = stateFor(s.def)
	s.mu.Unlock()

	s.log.Warn("schedule_fire_skipped", "due_at", dueAt, "reason", reason)
	if err := s.activity.LogScheduleSkipped(dueAt, reason); err != nil {
		s.log.Warn("activity_log_failed", "error", err)
	}
}

func (s *Scheduler) save(def Definition) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist(def); err != nil {
		return failure.New("schedule", "persist", failure.Internal, err)
	}
	return nil
}

func stateFor(def Definition) State {
	if def.Enabled {
		return StateArmed
	}
	return StateDisabled
}

func isRunning(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
