// Package transfer moves archive streams to remote storage targets.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/config"
	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/logging"
)

// ErrSizeUnsupported is returned by Session.Size when the server cannot report
// file sizes. The upload then completes without the size check.
var ErrSizeUnsupported = errors.New("remote size not available")

// Session is one connected, authenticated connection to a target.
// Abort must be safe to call concurrently with any other method.
type Session interface {
	Probe(ctx context.Context) error
	Store(ctx context.Context, name string, r io.Reader) error
	Size(ctx context.Context, name string) (int64, error)
	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]RemoteFile, error)
	Close() error
	Abort()
}

// Driver opens sessions for one protocol
type Driver interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// RemoteFile is an entry in the target directory
type RemoteFile struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// Opener returns a fresh stream for every upload attempt
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Options controls retries and deadlines
type Options struct {
	Retries          int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	DialTimeout      time.Duration
	StallTimeout     time.Duration
	ProgressInterval time.Duration
}

// OptionsFromConfig maps the transfer section of the config
func OptionsFromConfig(cfg config.TransferConfig) Options {
	return Options{
		Retries:      cfg.Retries,
		BackoffBase:  config.ParseDuration(cfg.BackoffBase, time.Second),
		BackoffMax:   config.ParseDuration(cfg.BackoffMax, 30*time.Second),
		DialTimeout:  config.ParseDuration(cfg.DialTimeout, 30*time.Second),
		StallTimeout: config.ParseDuration(cfg.StallTimeout, 2*time.Minute),
	}
}

// Client runs uploads, probes and listings against targets
type Client struct {
	opts    Options
	mu      sync.RWMutex
	drivers map[Protocol]Driver
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
}

var errStalled = errors.New("no progress")

// NewClient creates a transfer client
func NewClient(opts Options, drivers map[Protocol]Driver) *Client {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}

	registered := make(map[Protocol]Driver, len(drivers))
	for p, d := range drivers {
		registered[p] = d
	}

	return &Client{
		opts:    opts,
		drivers: registered,
		sleep:   sleepContext,
		log:     logging.Component("transfer"),
	}
}

// RegisterDriver adds or replaces the driver for a protocol
func (c *Client) RegisterDriver(p Protocol, d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[p] = d
}

func (c *Client) driver(target Target) (Driver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.drivers[target.Protocol]
	if !ok {
		return nil, failure.Newf("transfer", "dial", failure.InvalidConfiguration, "no driver for protocol %q", target.Protocol)
	}
	return d, nil
}

// TestConnection dials, authenticates, probes and closes.
func (c *Client) TestConnection(ctx context.Context, target Target) error {
	target = target.WithDefaults()
	if err := target.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	sess, err := c.dial(ctx, target)
	if err != nil {
		return err
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, sess.Abort)
	defer stop()

	if err := sess.Probe(ctx); err != nil {
		return classify(ctx, nil, "probe", err)
	}

	c.log.Info("transfer_connection_ok", "target", target.Describe())
	return nil
}

// Upload streams to a hidden temporary name, verifies the remote size and renames
// it to name. Transient failures retry the whole upload with a fresh stream.
// progress receives a non-decreasing byte count. It returns the bytes sent by the
// successful attempt.
func (c *Client) Upload(ctx context.Context, target Target, open Opener, name string, progress func(int64)) (int64, error) {
	target = target.WithDefaults()
	if err := target.Validate(); err != nil {
		return 0, err
	}
	if err := validateName(name); err != nil {
		return 0, err
	}

	drv, err := c.driver(target)
	if err != nil {
		return 0, err
	}

	tracker := &progressTracker{callback: progress}

	for attempt := 1; ; attempt++ {
		sent, err := c.attempt(ctx, drv, target, open, name, tracker)
		if err == nil {
			c.log.Info("upload_completed",
				"target", target.Describe(),
				"artifact", name,
				"bytes", sent,
				"attempts", attempt,
			)
			return sent, nil
		}

		kind := failure.KindOf(err)
		if kind == failure.AuthRejected {
			return sent, failure.New("transfer", "upload", failure.InvalidConfiguration, err)
		}
		if !failure.Transient(kind) || ctx.Err() != nil {
			return sent, err
		}
		if attempt > c.opts.Retries {
			return sent, failure.New("transfer", "upload", failure.TransferFailed,
				fmt.Errorf("giving up after %d attempts: %w", attempt, err))
		}

		delay := Backoff(attempt, c.opts.BackoffBase, c.opts.BackoffMax)
		c.log.Warn("upload_retry",
			"target", target.Describe(),
			"artifact", name,
			"attempt", attempt,
			"kind", string(kind),
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return sent, classify(ctx, nil, "upload", err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, drv Driver, target Target, open Opener, name string, tracker *progressTracker) (int64, error) {
	tmp := TempName(name)

	sess, err := c.dial(ctx, target)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := context.AfterFunc(attemptCtx, sess.Abort)
	defer stop()

	stream, err := open(attemptCtx)
	if err != nil {
		return 0, classify(ctx, attemptCtx, "open", err)
	}
	defer stream.Close()

	reader := newCountingReader(stream, tracker)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		c.watch(attemptCtx, cancel, reader, tracker)
	}()
	defer func() {
		stop()
		cancel(nil)
		<-watchDone
	}()

	if err := sess.Store(attemptCtx, tmp, reader); err != nil {
		err = classify(ctx, attemptCtx, "store", err)
		c.discard(drv, target, sess, tmp)
		return reader.Sent(), err
	}
	sent := reader.Sent()

	size, err := sess.Size(attemptCtx, tmp)
	switch {
	case errors.Is(err, ErrSizeUnsupported):
		c.log.Warn("upload_size_unverified", "target", target.Describe(), "artifact", name, "error", err.Error())
		size = sent
	case err != nil:
		err = classify(ctx, attemptCtx, "verify", err)
		c.discard(drv, target, sess, tmp)
		return sent, err
	}
	if size != sent {
		c.discard(drv, target, sess, tmp)
		return sent, failure.Newf("transfer", "verify", failure.TransferFailed, "remote size %d does not match %d bytes sent", size, sent)
	}

	if err := sess.Rename(attemptCtx, tmp, name); err != nil {
		err = classify(ctx, attemptCtx, "rename", err)
		c.discard(drv, target, sess, tmp)
		return sent, err
	}

	tracker.report(sent)
	return sent, nil
}

// watch reports progress on every tick and aborts the attempt when bytes stop moving.
func (c *Client) watch(ctx context.Context, cancel context.CancelCauseFunc, r *countingReader, tracker *progressTracker) {
	ticker := time.NewTicker(c.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.report(r.Sent())
			if c.opts.StallTimeout > 0 && time.Since(r.LastMove()) > c.opts.StallTimeout {
				cancel(errStalled)
				return
			}
		}
	}
}

// discard removes a temporary artifact, reconnecting when the session is unusable.
func (c *Client) discard(drv Driver, target Target, sess Session, tmp string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	err := sess.Delete(ctx, tmp)
	if err == nil || errors.Is(err, failure.ErrNotFound) {
		return
	}

	fresh, dialErr := drv.Dial(ctx, target)
	if dialErr != nil {
		c.log.Warn("upload_discard_failed", "artifact", tmp, "error", dialErr.Error())
		return
	}
	defer fresh.Close()

	if err := fresh.Delete(ctx, tmp); err != nil && !errors.Is(err, failure.ErrNotFound) {
		c.log.Warn("upload_discard_failed", "artifact", tmp, "error", err.Error())
	}
}

// List returns the files in the target directory
func (c *Client) List(ctx context.Context, target Target) ([]RemoteFile, error) {
	target = target.WithDefaults()
	if err := target.Validate(); err != nil {
		return nil, err
	}

	sess, err := c.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, sess.Abort)
	defer stop()

	files, err := sess.List(ctx)
	if err != nil {
		return nil, classify(ctx, nil, "list", err)
	}

	// In-flight uploads are not artifacts
	out := files[:0]
	for _, f := range files {
		if !isTempName(f.Name) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Delete removes a remote artifact
func (c *Client) Delete(ctx context.Context, target Target, name string) error {
	target = target.WithDefaults()
	if err := target.Validate(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	sess, err := c.dial(ctx, target)
	if err != nil {
		return err
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, sess.Abort)
	defer stop()

	if err := sess.Delete(ctx, name); err != nil {
		return classify(ctx, nil, "delete", err)
	}
	c.log.Info("remote_artifact_deleted", "target", target.Describe(), "artifact", name)
	return nil
}

func (c *Client) dial(ctx context.Context, target Target) (Session, error) {
	drv, err := c.driver(target)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	sess, err := drv.Dial(dialCtx, target)
	if err != nil {
		return nil, classify(ctx, dialCtx, "dial", err)
	}
	return sess, nil
}

// TempName is the hidden name an artifact is written under before the final rename
func TempName(name string) string {
	return "." + name + ".part"
}

func isTempName(name string) bool {
	return len(name) >= len(".x.part") && strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".part")
}

// Backoff returns the wait before retry n (1-based): base doubled per retry, capped.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "invalid artifact name %q", name)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
