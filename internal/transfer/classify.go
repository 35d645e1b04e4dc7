package transfer

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"syscall"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// classify maps a driver or stream error onto the failure taxonomy. parent is the
// caller's context; scope, when set, is the narrower context the operation ran under.
func classify(parent, scope context.Context, op string, err error) error {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failure.New("transfer", op, failure.Timeout, err)
		}
		return failure.New("transfer", op, failure.Cancelled, err)
	}
	if scope != nil && scope.Err() != nil {
		cause := context.Cause(scope)
		if errors.Is(cause, errStalled) {
			return failure.New("transfer", op, failure.Timeout, cause)
		}
		if errors.Is(scope.Err(), context.DeadlineExceeded) {
			return failure.New("transfer", op, failure.Timeout, err)
		}
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}

	return failure.New("transfer", op, kindOfNetError(err), err)
}

func kindOfNetError(err error) failure.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Timeout
	case errors.Is(err, context.Canceled):
		return failure.Cancelled
	case errors.Is(err, fs.ErrNotExist):
		return failure.NotFound
	case errors.Is(err, fs.ErrPermission):
		return failure.InvalidConfiguration
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.Timeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure.Unreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return failure.Unreachable
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return failure.Unreachable
	}

	return failure.TransferFailed
}
