package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := New("transfer", "upload", Timeout, errors.New("read tcp: i/o timeout"))

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout sentinel to match")
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatalf("did not expect unreachable sentinel to match")
	}

	wrapped := fmt.Errorf("job failed: %w", err)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("expected sentinel to match through fmt wrapping")
	}
}

func TestNestedKindsBothVisible(t *testing.T) {
	auth := New("transfer", "login", AuthRejected, errors.New("530 Login incorrect"))
	outer := New("transfer", "upload", InvalidConfiguration, auth)

	if KindOf(outer) != InvalidConfiguration {
		t.Fatalf("expected outer kind, got %s", KindOf(outer))
	}
	if !errors.Is(outer, ErrAuthRejected) {
		t.Fatalf("expected auth cause to stay in the chain")
	}
}

func TestErrorMessageCarriesComponent(t *testing.T) {
	err := Newf("archive", "build", NoResolvablePaths, "none of %d entries exist", 3)
	if got := err.Error(); got != "archive build: none of 3 entries exist" {
		t.Fatalf("unexpected message: %s", got)
	}

	bare := &Error{Kind: Cancelled}
	if bare.Error() != "cancelled" {
		t.Fatalf("unexpected bare message: %s", bare.Error())
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if KindOf(context.Canceled) != Cancelled {
		t.Fatalf("expected cancelled")
	}
	if KindOf(fmt.Errorf("dial: %w", context.DeadlineExceeded)) != Timeout {
		t.Fatalf("expected timeout")
	}
	if KindOf(errors.New("boom")) != Internal {
		t.Fatalf("expected internal")
	}
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil")
	}
}

func TestTransient(t *testing.T) {
	cases := map[Kind]bool{
		Unreachable:          true,
		Timeout:              true,
		TransferFailed:       true,
		AuthRejected:         false,
		InvalidConfiguration: false,
		Cancelled:            false,
	}
	for kind, want := range cases {
		if got := Transient(kind); got != want {
			t.Fatalf("Transient(%s) = %v, want %v", kind, got, want)
		}
	}
}
