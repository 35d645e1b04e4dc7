package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TheGojiOG/pvebackup/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Host key verification failures. Both mean the configured target is not trusted.
var (
	ErrUnknownHostKey = errors.New("unknown SSH host key")
	ErrHostKeyChanged = errors.New("SSH host key changed")
)

// A connection test and a backup upload may dial the same host at once;
// appends to one known_hosts file are serialized.
var knownHostsLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := knownHostsLocks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// hostKeyStore checks server keys against one known_hosts file
type hostKeyStore struct {
	path  string
	trust bool
}

// NewHostKeyCallback verifies server keys against knownHostsPath. With
// trustOnFirstUse, a host with no recorded key is accepted and recorded.
// An empty path disables verification.
func NewHostKeyCallback(knownHostsPath string, trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(knownHostsPath) == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	store := &hostKeyStore{path: knownHostsPath, trust: trustOnFirstUse}
	if err := store.ensure(); err != nil {
		return nil, err
	}
	return store.check, nil
}

func (s *hostKeyStore) ensure() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	return f.Close()
}

// check re-reads the file under the lock so a key recorded by a concurrent
// dial is seen instead of being appended twice.
func (s *hostKeyStore) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	mu := lockFor(s.path)
	mu.Lock()
	defer mu.Unlock()

	verify, err := knownhosts.New(s.path)
	if err != nil {
		return fmt.Errorf("failed to read known_hosts: %w", err)
	}

	err = verify(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &keyErr):
		return err
	case len(keyErr.Want) > 0:
		logging.Component("ssh").Warn("ssh_host_key_changed",
			"host", hostname,
			"fingerprint", ssh.FingerprintSHA256(key),
		)
		return fmt.Errorf("%w for %s", ErrHostKeyChanged, hostname)
	case !s.trust:
		return fmt.Errorf("%w for %s", ErrUnknownHostKey, hostname)
	}

	if err := s.record(hostname, remote, key); err != nil {
		return err
	}
	logging.Component("ssh").Info("ssh_host_key_accepted",
		"host", hostname,
		"fingerprint", ssh.FingerprintSHA256(key),
	)
	return nil
}

func (s *hostKeyStore) record(hostname string, remote net.Addr, key ssh.PublicKey) error {
	line := knownhosts.Line(hostPatterns(hostname, remote), key) + "\n"

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write known_hosts entry: %w", err)
	}
	return f.Close()
}

// hostPatterns lists the dialed name and, when different, the resolved address
func hostPatterns(hostname string, remote net.Addr) []string {
	var addr, port string
	if remote != nil {
		var err error
		if addr, port, err = net.SplitHostPort(remote.String()); err != nil {
			addr = remote.String()
		}
	}
	if name, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = name
	}

	patterns := make([]string, 0, 2)
	for _, h := range []string{hostname, addr} {
		if h == "" {
			continue
		}
		p := formatKnownHostsHost(h, port)
		if len(patterns) == 0 || patterns[0] != p {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

func formatKnownHostsHost(host, port string) string {
	if port == "" || port == "22" {
		return host
	}
	return "[" + host + "]:" + port
}
