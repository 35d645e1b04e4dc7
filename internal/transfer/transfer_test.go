package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// fakeRemote is an in-memory target directory shared by every session of a driver
type fakeRemote struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (r *fakeRemote) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name := range r.files {
		names = append(names, name)
	}
	return names
}

type fakeDriver struct {
	remote *fakeRemote

	mu         sync.Mutex
	dials      int
	stores     int
	dialErr    error
	failStores int  // stores that fail after a partial write
	truncate   bool // stored size is one byte short
	noSize     bool // the server cannot report sizes
	block      bool // stores write a little then wait for cancellation
	started    chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{remote: &fakeRemote{files: make(map[string][]byte)}}
}

func (d *fakeDriver) Dial(ctx context.Context, target Target) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &fakeSession{driver: d}, nil
}

type fakeSession struct {
	driver *fakeDriver
}

func (s *fakeSession) Probe(ctx context.Context) error { return nil }

func (s *fakeSession) Store(ctx context.Context, name string, r io.Reader) error {
	d := s.driver
	d.mu.Lock()
	d.stores++
	attempt := d.stores
	fail := attempt <= d.failStores
	block := d.block
	started := d.started
	d.mu.Unlock()

	if fail || block {
		partial := make([]byte, 10)
		n, _ := io.ReadFull(r, partial)
		d.remote.mu.Lock()
		d.remote.files[name] = partial[:n]
		d.remote.mu.Unlock()

		if fail {
			return fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
		}
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if d.truncate {
		data = data[:len(data)-1]
	}
	d.remote.mu.Lock()
	d.remote.files[name] = data
	d.remote.mu.Unlock()
	return nil
}

func (s *fakeSession) Size(ctx context.Context, name string) (int64, error) {
	if s.driver.noSize {
		return 0, fmt.Errorf("%w: 502 SIZE not implemented", ErrSizeUnsupported)
	}
	s.driver.remote.mu.Lock()
	defer s.driver.remote.mu.Unlock()
	data, ok := s.driver.remote.files[name]
	if !ok {
		return 0, failure.Newf("transfer", "size", failure.NotFound, "%s not found", name)
	}
	return int64(len(data)), nil
}

func (s *fakeSession) Rename(ctx context.Context, from, to string) error {
	s.driver.remote.mu.Lock()
	defer s.driver.remote.mu.Unlock()
	data, ok := s.driver.remote.files[from]
	if !ok {
		return failure.Newf("transfer", "rename", failure.NotFound, "%s not found", from)
	}
	delete(s.driver.remote.files, from)
	s.driver.remote.files[to] = data
	return nil
}

func (s *fakeSession) Delete(ctx context.Context, name string) error {
	s.driver.remote.mu.Lock()
	defer s.driver.remote.mu.Unlock()
	if _, ok := s.driver.remote.files[name]; !ok {
		return failure.Newf("transfer", "delete", failure.NotFound, "%s not found", name)
	}
	delete(s.driver.remote.files, name)
	return nil
}

func (s *fakeSession) List(ctx context.Context) ([]RemoteFile, error) {
	var files []RemoteFile
	for _, name := range s.driver.remote.names() {
		files = append(files, RemoteFile{Name: name})
	}
	return files, nil
}

func (s *fakeSession) Close() error { return nil }
func (s *fakeSession) Abort()       {}

var testTarget = Target{Protocol: ProtocolLocal, RemoteDir: "/backups"}

func newTestClient(t *testing.T, opts Options, driver Driver) (*Client, *[]time.Duration) {
	t.Helper()
	client := NewClient(opts, nil)
	client.RegisterDriver(ProtocolLocal, driver)

	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return client, &delays
}

func bytesOpener(data []byte, calls *int) Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		*calls++
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.failStores = 2
	client, delays := newTestClient(t, Options{Retries: 3}, driver)

	data := []byte(strings.Repeat("config", 100))
	var opens int
	var progress []int64

	sent, err := uploadRecording(t, client, testTarget, bytesOpener(data, &opens), &progress)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if sent != int64(len(data)) {
		t.Fatalf("expected %d bytes sent, got %d", len(data), sent)
	}
	if opens != 3 {
		t.Fatalf("expected a fresh stream per attempt, got %d opens", opens)
	}

	names := driver.remote.names()
	if len(names) != 1 || names[0] != "backup.tar.gz" {
		t.Fatalf("expected exactly one artifact, got %v", names)
	}

	if len(*delays) != 2 || (*delays)[0] != time.Second || (*delays)[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays %v", *delays)
	}

	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != int64(len(data)) {
		t.Fatalf("expected final progress %d, got %d", len(data), progress[len(progress)-1])
	}
}

// uploadRecording runs Upload with the standard artifact name and records progress
func uploadRecording(t *testing.T, c *Client, target Target, open Opener, progress *[]int64) (int64, error) {
	t.Helper()
	return c.Upload(context.Background(), target, open, "backup.tar.gz", func(n int64) {
		*progress = append(*progress, n)
	})
}

func TestUploadGivesUpAfterRetries(t *testing.T) {
	driver := newFakeDriver()
	driver.failStores = 100
	client, _ := newTestClient(t, Options{Retries: 2}, driver)

	var opens int
	var progress []int64
	_, err := uploadRecording(t, client, testTarget, bytesOpener([]byte("data-data-data"), &opens), &progress)

	if failure.KindOf(err) != failure.TransferFailed {
		t.Fatalf("expected transfer_failed, got %v", err)
	}
	if opens != 3 {
		t.Fatalf("expected 3 attempts, got %d", opens)
	}
	if names := driver.remote.names(); len(names) != 0 {
		t.Fatalf("expected no files left behind, got %v", names)
	}
}

func TestUploadAuthRejectedIsInvalidConfiguration(t *testing.T) {
	driver := newFakeDriver()
	driver.dialErr = failure.Newf("transfer", "login", failure.AuthRejected, "530 Login incorrect")
	client, _ := newTestClient(t, Options{Retries: 3}, driver)

	var opens int
	var progress []int64
	_, err := uploadRecording(t, client, testTarget, bytesOpener([]byte("x"), &opens), &progress)

	if failure.KindOf(err) != failure.InvalidConfiguration {
		t.Fatalf("expected invalid_configuration, got %v", err)
	}
	if !errors.Is(err, failure.ErrAuthRejected) {
		t.Fatalf("expected auth_rejected cause, got %v", err)
	}
	if driver.dials != 1 {
		t.Fatalf("auth failures must not be retried, got %d dials", driver.dials)
	}
}

func TestUploadStallTimesOut(t *testing.T) {
	driver := newFakeDriver()
	driver.block = true
	client, _ := newTestClient(t, Options{
		StallTimeout:     50 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
	}, driver)

	var opens int
	var progress []int64
	_, err := uploadRecording(t, client, testTarget, bytesOpener([]byte(strings.Repeat("z", 100)), &opens), &progress)

	if !errors.Is(err, failure.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if names := driver.remote.names(); len(names) != 0 {
		t.Fatalf("expected the partial upload to be removed, got %v", names)
	}
}

func TestUploadCancelLeavesNoPartial(t *testing.T) {
	driver := newFakeDriver()
	driver.block = true
	driver.started = make(chan struct{})
	client, _ := newTestClient(t, Options{Retries: 3}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-driver.started
		cancel()
	}()

	var opens int
	_, err := client.Upload(ctx, testTarget, bytesOpener([]byte(strings.Repeat("c", 100)), &opens), "backup.tar.gz", nil)

	if failure.KindOf(err) != failure.Cancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if opens != 1 {
		t.Fatalf("cancellation must not retry, got %d opens", opens)
	}
	if names := driver.remote.names(); len(names) != 0 {
		t.Fatalf("expected no partial file, got %v", names)
	}
}

func TestUploadSizeMismatchFails(t *testing.T) {
	driver := newFakeDriver()
	driver.truncate = true
	client, _ := newTestClient(t, Options{}, driver)

	var opens int
	var progress []int64
	_, err := uploadRecording(t, client, testTarget, bytesOpener([]byte("0123456789"), &opens), &progress)

	if !errors.Is(err, failure.ErrTransferFailed) {
		t.Fatalf("expected transfer_failed, got %v", err)
	}
	if names := driver.remote.names(); len(names) != 0 {
		t.Fatalf("expected mismatched upload to be removed, got %v", names)
	}
}

func TestUploadWithoutSizeSupportSkipsVerification(t *testing.T) {
	driver := newFakeDriver()
	driver.noSize = true
	client, delays := newTestClient(t, Options{}, driver)

	var opens int
	var progress []int64
	sent, err := uploadRecording(t, client, testTarget, bytesOpener([]byte("0123456789"), &opens), &progress)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if sent != 10 || opens != 1 || len(*delays) != 0 {
		t.Fatalf("expected one attempt of 10 bytes, got sent=%d opens=%d retries=%d", sent, opens, len(*delays))
	}
	if names := driver.remote.names(); len(names) != 1 || strings.HasPrefix(names[0], ".") {
		t.Fatalf("expected the renamed artifact only, got %v", names)
	}
}

func TestListHidesInFlightUploads(t *testing.T) {
	driver := newFakeDriver()
	driver.remote.files["proxmox-backup-a.tar.gz"] = []byte("a")
	driver.remote.files[TempName("proxmox-backup-b.tar.gz")] = []byte("b")
	client, _ := newTestClient(t, Options{}, driver)

	files, err := client.List(context.Background(), testTarget)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(files) != 1 || files[0].Name != "proxmox-backup-a.tar.gz" {
		t.Fatalf("expected only the finished artifact, got %+v", files)
	}
}

func TestUploadRejectsBadName(t *testing.T) {
	client, _ := newTestClient(t, Options{}, newFakeDriver())
	_, err := client.Upload(context.Background(), testTarget, nil, "../escape.tar", nil)
	if !errors.Is(err, failure.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid_configuration, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.retry, time.Second, 30*time.Second); got != tc.want {
			t.Fatalf("retry %d: expected %s, got %s", tc.retry, tc.want, got)
		}
	}
}

func TestLocalDriverRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	client := NewClient(Options{}, DefaultDrivers(DriverOptions{}))
	target := Target{Protocol: ProtocolLocal, RemoteDir: dir}

	if err := client.TestConnection(context.Background(), target); err != nil {
		t.Fatalf("test connection failed: %v", err)
	}

	data := []byte("dir: local\n\tpath /var/lib/vz\n")
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	sent, err := client.Upload(context.Background(), target, open, "proxmox-backup-2024-01-07_02-00-00.tar.gz", nil)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if sent != int64(len(data)) {
		t.Fatalf("expected %d bytes, got %d", len(data), sent)
	}

	got, err := os.ReadFile(filepath.Join(dir, "proxmox-backup-2024-01-07_02-00-00.tar.gz"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("unexpected remote content %q (%v)", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, TempName("proxmox-backup-2024-01-07_02-00-00.tar.gz"))); !os.IsNotExist(err) {
		t.Fatalf("expected temporary file to be gone, got %v", err)
	}

	files, err := client.List(context.Background(), target)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(files) != 1 || files[0].SizeBytes != int64(len(data)) {
		t.Fatalf("unexpected listing %+v", files)
	}

	if err := os.WriteFile(filepath.Join(dir, TempName("proxmox-backup-2024-01-08_02-00-00.tar.gz")), []byte("x"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if files, err = client.List(context.Background(), target); err != nil || len(files) != 1 {
		t.Fatalf("expected temporary file to be hidden, got %+v (%v)", files, err)
	}

	if err := client.Delete(context.Background(), target, files[0].Name); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := client.Delete(context.Background(), target, files[0].Name); !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("expected not_found on second delete, got %v", err)
	}
}

func TestLocalDriverUnusableDirectory(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client := NewClient(Options{}, DefaultDrivers(DriverOptions{}))
	err := client.TestConnection(context.Background(), Target{Protocol: ProtocolLocal, RemoteDir: filepath.Join(blocker, "sub")})
	if !errors.Is(err, failure.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid_configuration, got %v", err)
	}
}
