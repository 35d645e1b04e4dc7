package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// LocalDriver stores artifacts in a directory on this host
type LocalDriver struct{}

// Dial prepares the target directory
func (LocalDriver) Dial(ctx context.Context, target Target) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(target.RemoteDir, 0755); err != nil {
		return nil, failure.New("transfer", "dial", failure.InvalidConfiguration,
			fmt.Errorf("failed to create backup directory: %w", err))
	}
	return &localSession{base: target.RemoteDir}, nil
}

type localSession struct {
	base string

	mu      sync.Mutex
	open    *os.File
	aborted bool
}

func (s *localSession) path(name string) string {
	return filepath.Join(s.base, name)
}

func (s *localSession) Probe(ctx context.Context) error {
	info, err := os.Stat(s.base)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return failure.Newf("transfer", "probe", failure.InvalidConfiguration, "%s is not a directory", s.base)
	}
	f, err := os.CreateTemp(s.base, ".probe-*")
	if err != nil {
		return failure.New("transfer", "probe", failure.InvalidConfiguration, fmt.Errorf("directory not writable: %w", err))
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *localSession) Store(ctx context.Context, name string, r io.Reader) error {
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		f.Close()
		return fs.ErrClosed
	}
	s.open = f
	s.mu.Unlock()

	_, copyErr := io.Copy(f, r)
	syncErr := f.Sync()

	s.mu.Lock()
	s.open = nil
	s.mu.Unlock()

	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to write backup file: %w", copyErr)
	}
	if syncErr != nil {
		return fmt.Errorf("failed to sync backup file: %w", syncErr)
	}
	return closeErr
}

func (s *localSession) Size(ctx context.Context, name string) (int64, error) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *localSession) Rename(ctx context.Context, from, to string) error {
	return os.Rename(s.path(from), s.path(to))
}

func (s *localSession) Delete(ctx context.Context, name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return failure.New("transfer", "delete", failure.NotFound, err)
	}
	return err
}

func (s *localSession) List(ctx context.Context) ([]RemoteFile, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RemoteFile{
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *localSession) Close() error {
	return nil
}

// Abort closes a file mid-write so the copy fails
func (s *localSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	if s.open != nil {
		s.open.Close()
	}
}
