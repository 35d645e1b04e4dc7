package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/crypto"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrInvalidKey is returned when the configured private key cannot be used
var ErrInvalidKey = errors.New("ssh private key unusable")

// Client wraps an SSH connection
type Client struct {
	config      *ClientConfig
	client      *ssh.Client
	connectedAt time.Time
}

// ClientConfig holds SSH connection configuration
type ClientConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	KeyPath         string // key auth when set, password otherwise
	Timeout         time.Duration
	KnownHostsPath  string
	TrustOnFirstUse bool
	Encryption      *crypto.EncryptionManager // unseals sealed key files
}

// Dial establishes the SSH connection. The context bounds the TCP connect and the
// handshake; cancelling it afterwards does not close the client.
func Dial(ctx context.Context, config *ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	authMethod, err := authMethodFor(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	hostKeyCallback, err := NewHostKeyCallback(config.KnownHostsPath, config.TrustOnFirstUse)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	address := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	dialer := &net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	// The handshake has no context of its own
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	deadline := time.Now().Add(config.Timeout)
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		config:      config,
		client:      ssh.NewClient(sshConn, chans, reqs),
		connectedAt: time.Now(),
	}, nil
}

func authMethodFor(config *ClientConfig) (ssh.AuthMethod, error) {
	if strings.TrimSpace(config.KeyPath) == "" {
		return ssh.Password(config.Password), nil
	}

	signer, err := LoadSigner(config.KeyPath, config.Password, config.Encryption)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// NewSFTP opens an SFTP session over the connection
func (c *Client) NewSFTP(opts ...sftp.ClientOption) (*sftp.Client, error) {
	if c.client == nil {
		return nil, fmt.Errorf("ssh client not connected")
	}
	return sftp.NewClient(c.client, opts...)
}

// GetUptime returns how long the connection has been open
func (c *Client) GetUptime() time.Duration {
	return time.Since(c.connectedAt)
}

// IsAuthError reports whether err is a rejected SSH login
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}
