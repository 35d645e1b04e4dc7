package transfer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpTestServer serves an in-memory SFTP tree over a loopback SSH listener
type sftpTestServer struct {
	listener   net.Listener
	config     *ssh.ServerConfig
	handlers   sftp.Handlers
	knownHosts string

	mu         sync.Mutex
	failWrites int // opened files whose first write fails after landing
	receiving  chan string
	wg         sync.WaitGroup
}

func newSFTPTestServer(t *testing.T) *sftpTestServer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key failed: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host key signer failed: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	s := &sftpTestServer{
		listener:   l,
		knownHosts: filepath.Join(t.TempDir(), "known_hosts"),
		receiving:  make(chan string, 1),
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "backup" && string(password) == "s3cret" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
	}
	s.config.AddHostKey(signer)

	mem := sftp.InMemHandler()
	s.handlers = sftp.Handlers{
		FileGet:  mem.FileGet,
		FilePut:  faultyWriter{server: s, next: mem.FilePut},
		FileCmd:  mem.FileCmd,
		FileList: mem.FileList,
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *sftpTestServer) driver() SFTPDriver {
	return SFTPDriver{KnownHostsPath: s.knownHosts, TrustOnFirstUse: true}
}

func (s *sftpTestServer) target() Target {
	return Target{
		Protocol:  ProtocolSFTP,
		Host:      "127.0.0.1",
		Port:      s.listener.Addr().(*net.TCPAddr).Port,
		Username:  "backup",
		Secret:    "s3cret",
		RemoteDir: "/backups",
	}
}

func (s *sftpTestServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *sftpTestServer) handle(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
			}
		}(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			server := sftp.NewRequestServer(channel, s.handlers)
			server.Serve()
			server.Close()
		}()
	}
}

// faultyWriter hands out the in-memory files, failing the first write of the
// next failWrites opens and announcing the first write of every file.
type faultyWriter struct {
	server *sftpTestServer
	next   sftp.FileWriter
}

func (w faultyWriter) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	f, err := w.next.Filewrite(r)
	if err != nil {
		return nil, err
	}

	w.server.mu.Lock()
	fail := w.server.failWrites > 0
	if fail {
		w.server.failWrites--
	}
	w.server.mu.Unlock()

	return &faultyFile{WriterAt: f, server: w.server, name: r.Filepath, fail: fail}, nil
}

type faultyFile struct {
	io.WriterAt
	server *sftpTestServer
	name   string
	fail   bool
}

func (f *faultyFile) WriteAt(b []byte, off int64) (int, error) {
	n, err := f.WriterAt.WriteAt(b, off)
	if err != nil {
		return n, err
	}
	select {
	case f.server.receiving <- f.name:
	default:
	}
	if f.fail {
		return n, errors.New("quota exceeded")
	}
	return n, nil
}
