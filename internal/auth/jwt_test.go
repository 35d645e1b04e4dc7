package auth

import (
	"testing"
	"time"
)

func TestJWTManagerGenerateAndValidate(t *testing.T) {
	manager := NewJWTManager("test-secret-0123456789", 10*time.Minute)

	token, expiresAt, err := manager.GenerateToken("admin")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if token == "" || time.Until(expiresAt) <= 0 {
		t.Fatalf("expected a token valid in the future, expires %s", expiresAt)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.Operator != "admin" || claims.Subject != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWTManagerRejectsForeignSecret(t *testing.T) {
	issuer := NewJWTManager("first-secret-0123456789", time.Minute)
	verifier := NewJWTManager("other-secret-0123456789", time.Minute)

	token, _, err := issuer.GenerateToken("admin")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if _, err := verifier.ValidateToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestJWTManagerDisabledWithoutSecret(t *testing.T) {
	manager := NewJWTManager("", time.Minute)
	if manager.Enabled() {
		t.Fatalf("expected manager without secret to be disabled")
	}
	if _, _, err := manager.GenerateToken("admin"); err == nil {
		t.Fatalf("expected generate to fail without a secret")
	}
}
