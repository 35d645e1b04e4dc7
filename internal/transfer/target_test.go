package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"syscall"
	"testing"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

func TestTargetDefaults(t *testing.T) {
	target := Target{Host: " nas.local ", Username: "backup"}.WithDefaults()
	if target.Protocol != ProtocolFTP || target.Port != 21 || target.Host != "nas.local" {
		t.Fatalf("unexpected defaults %+v", target)
	}

	sftpTarget := Target{Protocol: "SFTP"}.WithDefaults()
	if sftpTarget.Protocol != ProtocolSFTP || sftpTarget.Port != 22 {
		t.Fatalf("unexpected sftp defaults %+v", sftpTarget)
	}

	s3Target := Target{Protocol: ProtocolS3}.WithDefaults()
	if s3Target.Region != "us-east-1" {
		t.Fatalf("expected default region, got %q", s3Target.Region)
	}
}

func TestTargetValidate(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		ok     bool
	}{
		{"ftp ok", Target{Host: "nas", Username: "u"}, true},
		{"ftp missing host", Target{Username: "u"}, false},
		{"ftp missing user", Target{Host: "nas"}, false},
		{"ftp bad port", Target{Host: "nas", Username: "u", Port: 70000}, false},
		{"ftp host with path", Target{Host: "nas/share", Username: "u"}, false},
		{"s3 ok", Target{Protocol: ProtocolS3, Bucket: "b", Username: "AKIA"}, true},
		{"s3 missing bucket", Target{Protocol: ProtocolS3, Username: "AKIA"}, false},
		{"local ok", Target{Protocol: ProtocolLocal, RemoteDir: "/mnt/backup"}, true},
		{"local missing dir", Target{Protocol: ProtocolLocal}, false},
		{"unknown protocol", Target{Protocol: "smb", Host: "nas", Username: "u"}, false},
	}

	for _, tc := range cases {
		err := tc.target.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, failure.ErrInvalidConfiguration) {
			t.Fatalf("%s: expected invalid_configuration, got %v", tc.name, err)
		}
	}
}

func TestTargetRedactedAndDescribe(t *testing.T) {
	target := Target{Protocol: ProtocolSFTP, Host: "nas", Port: 22, Username: "root", Secret: "hunter2", RemoteDir: "/backups"}
	if target.Redacted().Secret != "" {
		t.Fatalf("expected secret to be removed")
	}
	if got := target.Describe(); got != "sftp://root@nas:22/backups" {
		t.Fatalf("unexpected description %s", got)
	}
}

func TestFTPErrorMapping(t *testing.T) {
	cases := []struct {
		op   string
		code int
		want failure.Kind
	}{
		{"login", 530, failure.AuthRejected},
		{"store", 550, failure.InvalidConfiguration},
		{"store", 553, failure.InvalidConfiguration},
		{"delete", 550, failure.NotFound},
		{"dial", 421, failure.Unreachable},
		{"store", 451, failure.TransferFailed},
		{"store", 502, failure.InvalidConfiguration},
		{"store", 500, failure.InvalidConfiguration},
	}
	for _, tc := range cases {
		err := ftpError(tc.op, fmt.Errorf("wrapped: %w", &textproto.Error{Code: tc.code, Msg: "reply"}))
		if got := failure.KindOf(err); got != tc.want {
			t.Fatalf("%s %d: expected %s, got %s", tc.op, tc.code, tc.want, got)
		}
	}

	plain := errors.New("connection reset")
	if ftpError("store", plain) != plain {
		t.Fatalf("expected non-reply errors to pass through")
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	ctx := context.Background()

	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	if got := failure.KindOf(classify(ctx, nil, "dial", dialErr)); got != failure.Unreachable {
		t.Fatalf("expected unreachable, got %s", got)
	}

	reset := fmt.Errorf("write: %w", syscall.ECONNRESET)
	if got := failure.KindOf(classify(ctx, nil, "store", reset)); got != failure.TransferFailed {
		t.Fatalf("expected transfer_failed, got %s", got)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if got := failure.KindOf(classify(cancelled, nil, "store", reset)); got != failure.Cancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}

	stalled, stop := context.WithCancelCause(ctx)
	stop(errStalled)
	if got := failure.KindOf(classify(ctx, stalled, "store", context.Canceled)); got != failure.Timeout {
		t.Fatalf("expected timeout, got %s", got)
	}
}
