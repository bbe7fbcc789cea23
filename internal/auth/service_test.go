package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raym33/lattice/internal/permissions"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), Options{Secret: "test-secret"})
}

func TestLoginFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "ada", "correct horse", []string{permissions.ScopeChat}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, id, err := svc.Login(ctx, "ada", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if id.Username != "ada" || id.AuthType != AuthTypePassword {
		t.Errorf("identity = %+v", id)
	}

	verified, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if verified.Username != "ada" || len(verified.Scopes) != 1 || verified.Scopes[0] != permissions.ScopeChat {
		t.Errorf("verified = %+v", verified)
	}

	if _, _, err := svc.Login(ctx, "ada", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("wrong password = %v, want ErrBadCredentials", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("unknown user = %v, want ErrBadCredentials", err)
	}
}

func TestLoginDisabledUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "ada", "pw", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := svc.SetUserDisabled(ctx, "ada", true); err != nil {
		t.Fatalf("SetUserDisabled: %v", err)
	}
	if _, _, err := svc.Login(ctx, "ada", "pw"); !errors.Is(err, ErrUserDisabled) {
		t.Errorf("Login disabled = %v, want ErrUserDisabled", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "ada", "pw", []string{"not-a-scope"}); !errors.Is(err, ErrUnknownScope) {
		t.Errorf("unknown scope = %v, want ErrUnknownScope", err)
	}
	if _, err := svc.CreateUser(ctx, "ada", "pw", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "ada", "pw2", nil); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate = %v, want ErrUserExists", err)
	}
}

func TestCreateAPIKeyScopeSubset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "dev", "pw", []string{permissions.ScopeWrite}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	granter := &Identity{Username: "dev", Scopes: []string{permissions.ScopeWrite}, AuthType: AuthTypePassword}

	// read sits inside write's closure.
	raw, key, err := svc.CreateAPIKey(ctx, granter, "ci", []string{permissions.ScopeRead}, 0, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if raw == "" || key.KeyID != raw[:8] {
		t.Errorf("raw=%q key_id=%q; key id must be the display prefix", raw, key.KeyID)
	}
	if key.ExpiresAt != nil {
		t.Error("zero ttl should leave the key unexpiring")
	}

	if _, _, err := svc.CreateAPIKey(ctx, granter, "ci", []string{permissions.ScopeExecute}, 0, nil); !errors.Is(err, ErrScopeExceeded) {
		t.Errorf("escalation = %v, want ErrScopeExceeded", err)
	}
	if _, _, err := svc.CreateAPIKey(ctx, granter, "ci", []string{"junk"}, 0, nil); !errors.Is(err, ErrUnknownScope) {
		t.Errorf("junk scope = %v, want ErrUnknownScope", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "dev", "pw", []string{permissions.ScopeExecute}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	granter := &Identity{Username: "dev", Scopes: []string{permissions.ScopeExecute}}
	raw, _, err := svc.CreateAPIKey(ctx, granter, "", []string{permissions.ScopeRead, permissions.ScopeWrite}, 0, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	id, err := svc.ValidateAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if id.Username != "dev" || id.AuthType != AuthTypeAPIKey {
		t.Errorf("identity = %+v", id)
	}
	if len(id.Scopes) != 2 {
		t.Errorf("scopes = %v, want the key's two", id.Scopes)
	}

	keys, err := svc.Keys(ctx, "dev")
	if err != nil || len(keys) != 1 {
		t.Fatalf("Keys = %v, %v", keys, err)
	}
	if keys[0].LastUsedAt == nil {
		t.Error("validation must touch last_used_at")
	}

	if _, err := svc.ValidateAPIKey(ctx, "totally-bogus"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bogus key = %v, want ErrInvalidKey", err)
	}
}

func TestValidateAPIKeyExpiry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "dev", "pw", []string{permissions.ScopeRead}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	granter := &Identity{Username: "dev", Scopes: []string{permissions.ScopeRead}}
	raw, _, err := svc.CreateAPIKey(ctx, granter, "short", []string{permissions.ScopeRead}, time.Minute, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.ValidateAPIKey(ctx, raw); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expired key = %v, want ErrKeyExpired", err)
	}
}

func TestValidateAPIKeyDisabledOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "dev", "pw", []string{permissions.ScopeRead}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	granter := &Identity{Username: "dev", Scopes: []string{permissions.ScopeRead}}
	raw, _, err := svc.CreateAPIKey(ctx, granter, "", nil, 0, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	if err := svc.SetUserDisabled(ctx, "dev", true); err != nil {
		t.Fatalf("SetUserDisabled: %v", err)
	}
	if _, err := svc.ValidateAPIKey(ctx, raw); !errors.Is(err, ErrUserDisabled) {
		t.Errorf("disabled owner = %v, want ErrUserDisabled", err)
	}
}

func TestValidateAPIKeyNarrowsToOwnerGrants(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "dev", "pw", []string{permissions.ScopeWrite})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	granter := &Identity{Username: "dev", Scopes: []string{permissions.ScopeWrite}}
	raw, _, err := svc.CreateAPIKey(ctx, granter, "", []string{permissions.ScopeRead, permissions.ScopeWrite}, 0, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	// Owner loses write; the key silently narrows to what is left.
	user.Scopes = []string{permissions.ScopeChat}
	if err := svc.store.UpdateUser(ctx, user); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	id, err := svc.ValidateAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if len(id.Scopes) != 0 {
		t.Errorf("scopes = %v, want none after the owner downgrade", id.Scopes)
	}
}

func TestValidateAPIKeyMergesPolicies(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "dev", "pw", []string{permissions.ScopeExecute})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := svc.SetUserPolicy(ctx, "dev", &permissions.Policy{DeniedSkills: []string{"fs"}}); err != nil {
		t.Fatalf("SetUserPolicy: %v", err)
	}

	granter := &Identity{Username: "dev", Scopes: user.Scopes}
	raw, _, err := svc.CreateAPIKey(ctx, granter, "ci", nil, 0,
		&permissions.Policy{DeniedSkills: []string{"http"}})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	id, err := svc.ValidateAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if id.Policy == nil {
		t.Fatal("identity should carry the merged policy")
	}
	// Both the account's and the key's denials bind.
	for _, skill := range []string{"fs", "http"} {
		if ok, reason := permissions.CanUseSkill(id.Scopes, skill, id.Policy); ok {
			t.Errorf("skill %q allowed: %s", skill, reason)
		}
	}
	if ok, _ := permissions.CanUseSkill(id.Scopes, "math", id.Policy); !ok {
		t.Error("undenied skill should stay allowed")
	}
}

func TestAuthenticateRequestReflectsAccountState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "ada", "pw", []string{permissions.ScopeChat}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := svc.Login(ctx, "ada", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// A policy attached after minting binds the live token.
	if err := svc.SetUserPolicy(ctx, "ada", &permissions.Policy{DeniedSkills: []string{"shell"}}); err != nil {
		t.Fatalf("SetUserPolicy: %v", err)
	}
	r := httptest.NewRequest("GET", "/v1/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := svc.AuthenticateRequest(ctx, r)
	if err != nil {
		t.Fatalf("AuthenticateRequest: %v", err)
	}
	if id.Policy == nil || len(id.Policy.DeniedSkills) != 1 {
		t.Errorf("policy = %+v, want the account overlay", id.Policy)
	}

	// Disabling the account kills the token even though it still verifies.
	if err := svc.SetUserDisabled(ctx, "ada", true); err != nil {
		t.Fatalf("SetUserDisabled: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, r); !errors.Is(err, ErrUserDisabled) {
		t.Errorf("disabled account = %v, want ErrUserDisabled", err)
	}
}

func TestAuthenticateRequestPrecedence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "ada", "pw", []string{permissions.ScopeChat}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := svc.Login(ctx, "ada", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	granter := &Identity{Username: "ada", Scopes: []string{permissions.ScopeChat}}
	rawKey, _, err := svc.CreateAPIKey(ctx, granter, "", nil, 0, nil)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	t.Run("bearer wins over api key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/status", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set("X-API-Key", rawKey)
		id, err := svc.AuthenticateRequest(ctx, r)
		if err != nil {
			t.Fatalf("AuthenticateRequest: %v", err)
		}
		if id.AuthType != AuthTypePassword {
			t.Errorf("AuthType = %q, want the bearer path", id.AuthType)
		}
	})

	t.Run("api key alone", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/status", nil)
		r.Header.Set("X-API-Key", rawKey)
		id, err := svc.AuthenticateRequest(ctx, r)
		if err != nil {
			t.Fatalf("AuthenticateRequest: %v", err)
		}
		if id.AuthType != AuthTypeAPIKey {
			t.Errorf("AuthType = %q", id.AuthType)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/status", nil)
		if _, err := svc.AuthenticateRequest(ctx, r); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("err = %v, want ErrMissingCredentials", err)
		}
	})

	t.Run("invalid bearer does not fall back to api key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/status", nil)
		r.Header.Set("Authorization", "Bearer garbage")
		r.Header.Set("X-API-Key", rawKey)
		if _, err := svc.AuthenticateRequest(ctx, r); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})
}

func TestClientIDDerivation(t *testing.T) {
	longKey := strings.Repeat("k", 40)
	longToken := strings.Repeat("t", 40)

	t.Run("api key prefix wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-API-Key", longKey)
		r.Header.Set("Authorization", "Bearer "+longToken)
		if got := ClientID(r); got != longKey[:16] {
			t.Errorf("ClientID = %q, want 16-char key prefix", got)
		}
	})

	t.Run("token prefix next", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+longToken)
		if got := ClientID(r); got != longToken[:16] {
			t.Errorf("ClientID = %q, want 16-char token prefix", got)
		}
	})

	t.Run("forwarded head next", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		if got := ClientID(r); got != "203.0.113.9" {
			t.Errorf("ClientID = %q", got)
		}
	})

	t.Run("peer address last", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		if got := ClientID(r); got != r.RemoteAddr {
			t.Errorf("ClientID = %q, want %q", got, r.RemoteAddr)
		}
	})
}

func TestBootstrap(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	username, password, created, err := svc.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !created || username != "admin" || password == "" {
		t.Fatalf("Bootstrap = %q, %q, %v", username, password, created)
	}

	if _, _, err := svc.Login(ctx, username, password); err != nil {
		t.Errorf("Login as bootstrap admin: %v", err)
	}

	_, _, created, err = svc.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if created {
		t.Error("Bootstrap must be a no-op once users exist")
	}
}
