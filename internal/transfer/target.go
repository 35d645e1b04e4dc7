package transfer

import (
	"net"
	"strconv"
	"strings"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// Protocol selects the driver used for a target
type Protocol string

const (
	ProtocolFTP   Protocol = "ftp"
	ProtocolFTPS  Protocol = "ftps" // explicit TLS on the control port
	ProtocolSFTP  Protocol = "sftp"
	ProtocolS3    Protocol = "s3"
	ProtocolLocal Protocol = "local"
)

// Target is the remote storage endpoint and credentials for a job
type Target struct {
	Protocol      Protocol `json:"protocol"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Username      string   `json:"username"`
	Secret        string   `json:"secret,omitempty"`
	RemoteDir     string   `json:"remote_dir"` // upload directory, S3 key prefix or local path
	KeyPath       string   `json:"key_path,omitempty"`
	Bucket        string   `json:"bucket,omitempty"`
	Region        string   `json:"region,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
	TLSSkipVerify bool     `json:"tls_skip_verify,omitempty"`
}

// WithDefaults fills the protocol and port when unset
func (t Target) WithDefaults() Target {
	t.Protocol = Protocol(strings.ToLower(strings.TrimSpace(string(t.Protocol))))
	if t.Protocol == "" {
		t.Protocol = ProtocolFTP
	}
	t.Host = strings.TrimSpace(t.Host)
	t.Username = strings.TrimSpace(t.Username)
	if t.Port == 0 {
		switch t.Protocol {
		case ProtocolFTP, ProtocolFTPS:
			t.Port = 21
		case ProtocolSFTP:
			t.Port = 22
		}
	}
	if t.Protocol == ProtocolS3 && t.Region == "" {
		t.Region = "us-east-1"
	}
	return t
}

// Validate checks the fields the protocol needs before any connection is made
func (t Target) Validate() error {
	t = t.WithDefaults()

	switch t.Protocol {
	case ProtocolFTP, ProtocolFTPS, ProtocolSFTP:
		if t.Host == "" {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target host is empty")
		}
		if t.Username == "" {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target username is empty")
		}
		if t.Port < 1 || t.Port > 65535 {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target port %d out of range", t.Port)
		}
		if strings.ContainsAny(t.Host, "/ ") {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target host %q is not a hostname", t.Host)
		}
	case ProtocolS3:
		if strings.TrimSpace(t.Bucket) == "" {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target bucket is empty")
		}
		if t.Username == "" {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target access key is empty")
		}
	case ProtocolLocal:
		if strings.TrimSpace(t.RemoteDir) == "" {
			return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "target directory is empty")
		}
	default:
		return failure.Newf("transfer", "validate", failure.InvalidConfiguration, "unsupported protocol %q", t.Protocol)
	}
	return nil
}

// Address returns host:port
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Redacted returns a copy without the secret
func (t Target) Redacted() Target {
	t.Secret = ""
	return t
}

// Describe is a short printable form for logs
func (t Target) Describe() string {
	switch t.Protocol {
	case ProtocolS3:
		return "s3://" + t.Bucket + "/" + strings.TrimPrefix(t.RemoteDir, "/")
	case ProtocolLocal:
		return "local:" + t.RemoteDir
	default:
		return string(t.Protocol) + "://" + t.Username + "@" + t.Address() + t.RemoteDir
	}
}
