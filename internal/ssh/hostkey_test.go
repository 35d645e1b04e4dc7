package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestNewHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	tempDir := t.TempDir()
	knownHostsPath := filepath.Join(tempDir, "known_hosts")

	callback, err := NewHostKeyCallback(knownHostsPath, true)
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	key1 := generateTestPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	if err := callback("example.com:22", addr, key1); err != nil {
		t.Fatalf("expected first key to be accepted, got %v", err)
	}

	if _, err := os.Stat(knownHostsPath); err != nil {
		t.Fatalf("expected known_hosts file to be created: %v", err)
	}

	callback, err = NewHostKeyCallback(knownHostsPath, true)
	if err != nil {
		t.Fatalf("failed to recreate callback: %v", err)
	}

	key2 := generateTestPublicKey(t)
	if err := callback("example.com:22", addr, key2); !errors.Is(err, ErrHostKeyChanged) {
		t.Fatalf("expected host key change to be rejected, got %v", err)
	}
}

func TestNewHostKeyCallbackRejectsUnknownWhenDisabled(t *testing.T) {
	tempDir := t.TempDir()
	knownHostsPath := filepath.Join(tempDir, "known_hosts")

	callback, err := NewHostKeyCallback(knownHostsPath, false)
	if err != nil {
		t.Fatalf("failed to create callback: %v", err)
	}

	key := generateTestPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}

	if err := callback("example.com:2222", addr, key); !errors.Is(err, ErrUnknownHostKey) {
		t.Fatalf("expected unknown host key to be rejected, got %v", err)
	}
}

func generateTestPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pubKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to create public key: %v", err)
	}

	return pubKey
}

func TestHostPatterns(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2222}
	got := hostPatterns("nas.local:2222", addr)
	if len(got) != 2 || got[0] != "[nas.local]:2222" || got[1] != "[10.0.0.5]:2222" {
		t.Fatalf("unexpected patterns %v", got)
	}

	addr = &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}
	got = hostPatterns("10.0.0.5:22", addr)
	if len(got) != 1 || got[0] != "10.0.0.5" {
		t.Fatalf("expected a single pattern, got %v", got)
	}
}

func TestTrustOnFirstUseRecordsOnce(t *testing.T) {
	knownHostsPath := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := generateTestPublicKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		callback, err := NewHostKeyCallback(knownHostsPath, true)
		if err != nil {
			t.Fatalf("failed to create callback: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := callback("pbs.local:22", addr, key); err != nil {
				t.Errorf("expected key to be accepted, got %v", err)
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(knownHostsPath)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 1 {
		t.Fatalf("expected one recorded entry, got %d", lines)
	}
}

func TestFormatKnownHostsHost(t *testing.T) {
	if got := formatKnownHostsHost("nas.local", "22"); got != "nas.local" {
		t.Fatalf("expected bare host for port 22, got %s", got)
	}
	if got := formatKnownHostsHost("nas.local", "2222"); got != "[nas.local]:2222" {
		t.Fatalf("expected bracketed host, got %s", got)
	}
}
