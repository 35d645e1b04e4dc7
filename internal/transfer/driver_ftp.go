package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// FTPDriver speaks FTP, and FTP with explicit TLS for ProtocolFTPS
type FTPDriver struct {
	DataDialTimeout time.Duration
	ShutTimeout     time.Duration
}

// Dial connects, logs in and changes into the target directory
func (d FTPDriver) Dial(ctx context.Context, target Target) (Session, error) {
	conns := &connSet{}
	stop := context.AfterFunc(ctx, conns.closeAll)
	defer stop()

	dataTimeout := d.DataDialTimeout
	if dataTimeout <= 0 {
		dataTimeout = 30 * time.Second
	}

	var tlsConfig *tls.Config
	if target.Protocol == ProtocolFTPS {
		tlsConfig = &tls.Config{
			ServerName:         target.Host,
			InsecureSkipVerify: target.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12,
			// Most servers require the data channel to resume the control session
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		}
	}

	// The library calls this for the control connection first and then for each
	// data connection. Data connections are not TLS-wrapped for us when a dial
	// func is set.
	var dialed int
	var dialMu sync.Mutex
	dialFunc := func(network, address string) (net.Conn, error) {
		dialMu.Lock()
		dialed++
		first := dialed == 1
		dialMu.Unlock()

		var raw net.Conn
		var err error
		if first {
			var dialer net.Dialer
			raw, err = dialer.DialContext(ctx, network, address)
		} else {
			dialer := net.Dialer{Timeout: dataTimeout}
			raw, err = dialer.Dial(network, address)
		}
		if err != nil {
			return nil, err
		}
		if !conns.add(raw) {
			return nil, net.ErrClosed
		}
		if !first && tlsConfig != nil {
			return tls.Client(raw, tlsConfig), nil
		}
		return raw, nil
	}

	options := []ftp.DialOption{
		ftp.DialWithDialFunc(dialFunc),
		ftp.DialWithShutTimeout(d.shutTimeout()),
	}
	if tlsConfig != nil {
		options = append(options, ftp.DialWithExplicitTLS(tlsConfig))
	}

	conn, err := ftp.Dial(target.Address(), options...)
	if err != nil {
		conns.closeAll()
		return nil, ftpError("dial", err)
	}

	if err := conn.Login(target.Username, target.Secret); err != nil {
		conns.closeAll()
		return nil, ftpError("login", err)
	}
	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		conns.closeAll()
		return nil, ftpError("login", err)
	}

	if target.RemoteDir != "" {
		if err := changeOrMakeDir(conn, target.RemoteDir); err != nil {
			conns.closeAll()
			return nil, err
		}
	}

	return &ftpSession{conn: conn, conns: conns, dir: target.RemoteDir}, nil
}

func (d FTPDriver) shutTimeout() time.Duration {
	if d.ShutTimeout > 0 {
		return d.ShutTimeout
	}
	return 30 * time.Second
}

func changeOrMakeDir(conn *ftp.ServerConn, dir string) error {
	err := conn.ChangeDir(dir)
	if err == nil {
		return nil
	}
	if code := ftpCode(err); code != ftp.StatusFileUnavailable {
		return ftpError("chdir", err)
	}
	if mkErr := conn.MakeDir(dir); mkErr != nil {
		return failure.New("transfer", "chdir", failure.InvalidConfiguration,
			fmt.Errorf("remote directory %s is not accessible: %w", dir, err))
	}
	if err := conn.ChangeDir(dir); err != nil {
		return failure.New("transfer", "chdir", failure.InvalidConfiguration,
			fmt.Errorf("remote directory %s is not accessible: %w", dir, err))
	}
	return nil
}

type ftpSession struct {
	conn  *ftp.ServerConn
	conns *connSet
	dir   string
}

func (s *ftpSession) Probe(ctx context.Context) error {
	if err := s.conn.NoOp(); err != nil {
		return ftpError("probe", err)
	}
	if _, err := s.conn.CurrentDir(); err != nil {
		return ftpError("probe", err)
	}
	return nil
}

func (s *ftpSession) Store(ctx context.Context, name string, r io.Reader) error {
	return ftpError("store", s.conn.Stor(name, r))
}

// Size asks with SIZE and falls back to MLST on servers without it
func (s *ftpSession) Size(ctx context.Context, name string) (int64, error) {
	size, err := s.conn.FileSize(name)
	if err == nil {
		return size, nil
	}
	if !commandUnsupported(err) {
		return 0, ftpError("size", err)
	}

	entry, mlstErr := s.conn.GetEntry(name)
	if mlstErr == nil && entry.Type == ftp.EntryTypeFile {
		return int64(entry.Size), nil
	}
	if mlstErr != nil && !commandUnsupported(mlstErr) {
		return 0, ftpError("size", mlstErr)
	}
	return 0, fmt.Errorf("%w: %v", ErrSizeUnsupported, err)
}

// commandUnsupported reports a reply meaning the server does not implement the command
func commandUnsupported(err error) bool {
	switch ftpCode(err) {
	case ftp.StatusBadCommand, ftp.StatusBadArguments, ftp.StatusNotImplemented, ftp.StatusNotImplementedParameter:
		return true
	}
	return false
}

func (s *ftpSession) Rename(ctx context.Context, from, to string) error {
	return ftpError("rename", s.conn.Rename(from, to))
}

func (s *ftpSession) Delete(ctx context.Context, name string) error {
	return ftpError("delete", s.conn.Delete(name))
}

func (s *ftpSession) List(ctx context.Context) ([]RemoteFile, error) {
	entries, err := s.conn.List("")
	if err != nil {
		return nil, ftpError("list", err)
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		files = append(files, RemoteFile{
			Name:      entry.Name,
			SizeBytes: int64(entry.Size),
			ModTime:   entry.Time.UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *ftpSession) Close() error {
	err := s.conn.Quit()
	s.conns.closeAll()
	return err
}

func (s *ftpSession) Abort() {
	s.conns.closeAll()
}

// ftpError classifies server replies. Other errors pass through for network
// classification.
func ftpError(op string, err error) error {
	if err == nil {
		return nil
	}
	code := ftpCode(err)
	switch {
	case code == 0:
		return err
	case code == ftp.StatusNotLoggedIn:
		return failure.New("transfer", op, failure.AuthRejected, err)
	case code == ftp.StatusFileUnavailable && (op == "delete" || op == "size"):
		return failure.New("transfer", op, failure.NotFound, err)
	case code == ftp.StatusFileUnavailable || code == ftp.StatusBadFileName:
		return failure.New("transfer", op, failure.InvalidConfiguration, err)
	case code == ftp.StatusNotAvailable:
		return failure.New("transfer", op, failure.Unreachable, err)
	case commandUnsupported(err):
		return failure.New("transfer", op, failure.InvalidConfiguration, err)
	default:
		return failure.New("transfer", op, failure.TransferFailed, err)
	}
}

func ftpCode(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	return 0
}

// connSet tracks every connection of a session so Abort can unblock any call
type connSet struct {
	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func (s *connSet) add(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.Close()
		return false
	}
	s.conns = append(s.conns, c)
	return true
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}
