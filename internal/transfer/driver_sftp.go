package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"github.com/TheGojiOG/pvebackup/internal/crypto"
	"github.com/TheGojiOG/pvebackup/internal/failure"
	sshclient "github.com/TheGojiOG/pvebackup/internal/ssh"
)

// SFTPDriver uploads over SSH
type SFTPDriver struct {
	KnownHostsPath  string
	TrustOnFirstUse bool
	Encryption      *crypto.EncryptionManager
}

// Dial opens the SSH connection and the SFTP subsystem and ensures the target directory exists
func (d SFTPDriver) Dial(ctx context.Context, target Target) (Session, error) {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	client, err := sshclient.Dial(ctx, &sshclient.ClientConfig{
		Host:            target.Host,
		Port:            target.Port,
		Username:        target.Username,
		Password:        target.Secret,
		KeyPath:         target.KeyPath,
		Timeout:         timeout,
		KnownHostsPath:  d.KnownHostsPath,
		TrustOnFirstUse: d.TrustOnFirstUse,
		Encryption:      d.Encryption,
	})
	if err != nil {
		return nil, sftpDialError(err)
	}

	sftpClient, err := client.NewSFTP(
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	dir := target.RemoteDir
	if dir == "" {
		dir = "."
	} else if err := sftpClient.MkdirAll(dir); err != nil {
		sftpClient.Close()
		client.Close()
		return nil, failure.New("transfer", "chdir", failure.InvalidConfiguration,
			fmt.Errorf("failed to create remote directory %s: %w", dir, err))
	}

	return &sftpSession{ssh: client, sftp: sftpClient, dir: dir}, nil
}

func sftpDialError(err error) error {
	switch {
	case sshclient.IsAuthError(err):
		return failure.New("transfer", "login", failure.AuthRejected, err)
	case errors.Is(err, sshclient.ErrUnknownHostKey),
		errors.Is(err, sshclient.ErrHostKeyChanged),
		errors.Is(err, sshclient.ErrInvalidKey):
		return failure.New("transfer", "dial", failure.InvalidConfiguration, err)
	}
	return err
}

type sftpSession struct {
	ssh       *sshclient.Client
	sftp      *sftp.Client
	dir       string
	abortOnce sync.Once
}

func (s *sftpSession) path(name string) string {
	return path.Join(s.dir, name)
}

func (s *sftpSession) Probe(ctx context.Context) error {
	info, err := s.sftp.Stat(s.dir)
	if err != nil {
		return sftpError("probe", err)
	}
	if !info.IsDir() {
		return failure.Newf("transfer", "probe", failure.InvalidConfiguration, "%s is not a directory", s.dir)
	}
	return nil
}

func (s *sftpSession) Store(ctx context.Context, name string, r io.Reader) error {
	f, err := s.sftp.OpenFile(s.path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return sftpError("store", fmt.Errorf("failed to create remote file: %w", err))
	}

	_, copyErr := f.ReadFrom(r)
	closeErr := f.Close()
	if copyErr != nil {
		return sftpError("store", fmt.Errorf("failed to write remote file: %w", copyErr))
	}
	if closeErr != nil {
		return sftpError("store", fmt.Errorf("failed to close remote file: %w", closeErr))
	}
	return nil
}

func (s *sftpSession) Size(ctx context.Context, name string) (int64, error) {
	info, err := s.sftp.Stat(s.path(name))
	if err != nil {
		return 0, sftpError("size", err)
	}
	return info.Size(), nil
}

// Rename replaces an existing destination. Servers without the posix-rename
// extension get remove then rename.
func (s *sftpSession) Rename(ctx context.Context, from, to string) error {
	if err := s.sftp.PosixRename(s.path(from), s.path(to)); err == nil {
		return nil
	}
	if err := s.sftp.Remove(s.path(to)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return sftpError("rename", err)
	}
	return sftpError("rename", s.sftp.Rename(s.path(from), s.path(to)))
}

func (s *sftpSession) Delete(ctx context.Context, name string) error {
	return sftpError("delete", s.sftp.Remove(s.path(name)))
}

func (s *sftpSession) List(ctx context.Context) ([]RemoteFile, error) {
	entries, err := s.sftp.ReadDirContext(ctx, s.dir)
	if err != nil {
		return nil, sftpError("list", err)
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Mode().IsRegular() {
			continue
		}
		files = append(files, RemoteFile{
			Name:      entry.Name(),
			SizeBytes: entry.Size(),
			ModTime:   entry.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *sftpSession) Close() error {
	s.sftp.Close()
	return s.ssh.Close()
}

func (s *sftpSession) Abort() {
	s.abortOnce.Do(func() {
		s.ssh.Close()
	})
}

func sftpError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return failure.New("transfer", op, failure.NotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return failure.New("transfer", op, failure.InvalidConfiguration, err)
	}
	return err
}
