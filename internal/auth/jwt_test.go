package auth

import (
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"), time.Hour)

	token, err := svc.Mint("ada", []string{"chat", "read"}, AuthTypePassword)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Username != "ada" {
		t.Errorf("Username = %q, want ada", id.Username)
	}
	if len(id.Scopes) != 2 || id.Scopes[0] != "chat" || id.Scopes[1] != "read" {
		t.Errorf("Scopes = %v", id.Scopes)
	}
	if id.AuthType != AuthTypePassword {
		t.Errorf("AuthType = %q", id.AuthType)
	}
}

func TestJWTExpiry(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"), time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }

	token, err := svc.Mint("ada", nil, AuthTypePassword)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	svc.now = time.Now
	if _, err := svc.Verify(token); err != ErrInvalidToken {
		t.Errorf("Verify expired token = %v, want ErrInvalidToken", err)
	}
}

func TestJWTRejectsTampering(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"), time.Hour)
	token, err := svc.Mint("ada", []string{"read"}, AuthTypePassword)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.Verify(tampered); err != ErrInvalidToken {
		t.Errorf("Verify tampered = %v, want ErrInvalidToken", err)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	minter := NewJWTService([]byte("secret-a"), time.Hour)
	verifier := NewJWTService([]byte("secret-b"), time.Hour)

	token, err := minter.Mint("ada", nil, AuthTypePassword)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(token); err != ErrInvalidToken {
		t.Errorf("Verify with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestJWTRejectsGarbage(t *testing.T) {
	svc := NewJWTService([]byte("test-secret"), time.Hour)
	for _, bad := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.Verify(bad); err != ErrInvalidToken {
			t.Errorf("Verify(%q) = %v, want ErrInvalidToken", bad, err)
		}
	}
}
