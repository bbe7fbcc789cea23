package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raym33/lattice/internal/permissions"
)

// Options configures the auth service.
type Options struct {
	// Secret signs JWTs. When empty a fresh random secret is generated and
	// outstanding tokens die with the process.
	Secret string

	// TokenTTL bounds token lifetime. Defaults to DefaultTokenTTL.
	TokenTTL time.Duration

	Logger *slog.Logger
}

// Service is the authentication front door: account management, login,
// token verification, and API key lifecycle.
type Service struct {
	store  Store
	jwt    *JWTService
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a service over the given store.
func NewService(store Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("auth: generate jwt secret: %v", err))
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn("no signing secret configured; generated an ephemeral one, tokens will not survive restart")
	}

	return &Service{
		store:  store,
		jwt:    NewJWTService(secret, opts.TokenTTL),
		logger: logger,
		now:    time.Now,
	}
}

// CreateUser registers an account. Scopes must come from the known
// vocabulary.
func (s *Service) CreateUser(ctx context.Context, username, password string, scopes []string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	for _, scope := range scopes {
		if !permissions.Known(scope) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
		}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Scopes:       scopes,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "username", username, "scopes", scopes)
	return user, nil
}

// Login verifies a password and mints an access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *Identity, error) {
	user, err := s.store.UserByName(ctx, username)
	if err != nil {
		// Hash anyway so missing and present users cost the same.
		VerifyPassword("$2a$10$0000000000000000000000uGZwCvaqdEkjyiDdM8sdMBLTZUG/ba2", password)
		return "", nil, ErrBadCredentials
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return "", nil, ErrBadCredentials
	}
	if user.Disabled {
		return "", nil, ErrUserDisabled
	}

	token, err := s.jwt.Mint(user.Username, user.Scopes, AuthTypePassword)
	if err != nil {
		return "", nil, fmt.Errorf("mint token: %w", err)
	}
	return token, &Identity{
		Username: user.Username,
		Scopes:   user.Scopes,
		AuthType: AuthTypePassword,
		Policy:   user.Policy,
	}, nil
}

// VerifyToken validates a JWT and returns its identity.
func (s *Service) VerifyToken(token string) (*Identity, error) {
	return s.jwt.Verify(token)
}

// CreateAPIKey issues a key owned by owner. Requested scopes must fall
// inside the closure of the granter's scopes; an empty request inherits the
// granter's raw scopes. An optional policy narrows the key below its
// scopes. The raw key is returned exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, granter *Identity, name string, scopes []string, ttl time.Duration, policy *permissions.Policy) (string, *APIKey, error) {
	owner, err := s.store.UserByName(ctx, granter.Username)
	if err != nil {
		return "", nil, err
	}
	if owner.Disabled {
		return "", nil, ErrUserDisabled
	}

	if len(scopes) == 0 {
		scopes = append([]string(nil), granter.Scopes...)
	}
	granted := permissions.Expand(granter.Scopes)
	for _, scope := range scopes {
		if !permissions.Known(scope) {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
		}
		if !granted[scope] {
			return "", nil, fmt.Errorf("%w: %q", ErrScopeExceeded, scope)
		}
	}

	raw, keyID, err := generateKey()
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{
		KeyID:     keyID,
		KeyHash:   hashKey(raw),
		OwnerID:   owner.ID,
		Scopes:    scopes,
		Policy:    policy,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	if ttl > 0 {
		expires := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &expires
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	s.logger.Info("api key created", "key_id", keyID, "owner", owner.Username, "scopes", scopes)
	return raw, key, nil
}

// ValidateAPIKey resolves a raw key to an identity: hash lookup, expiry
// check, last-used touch, disabled-owner check. Effective scopes are the
// key's scopes narrowed to what the owner can still grant today.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (*Identity, error) {
	key, err := s.store.KeyByHash(ctx, hashKey(strings.TrimSpace(raw)))
	if err != nil {
		return nil, ErrInvalidKey
	}
	now := s.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	owner, err := s.store.UserByID(ctx, key.OwnerID)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if owner.Disabled {
		return nil, ErrUserDisabled
	}

	if err := s.store.TouchKey(ctx, key.KeyHash, now.UTC()); err != nil {
		s.logger.Warn("failed to record key use", "key_id", key.KeyID, "error", err)
	}

	ownerGrants := permissions.Expand(owner.Scopes)
	effective := make([]string, 0, len(key.Scopes))
	for _, scope := range key.Scopes {
		if ownerGrants[scope] {
			effective = append(effective, scope)
		}
	}

	return &Identity{
		Username: owner.Username,
		Scopes:   effective,
		AuthType: AuthTypeAPIKey,
		Policy:   permissions.Merge(owner.Policy, key.Policy),
	}, nil
}

// RevokeKey deletes a key by its display id.
func (s *Service) RevokeKey(ctx context.Context, keyID string) error {
	return s.store.DeleteKey(ctx, keyID)
}

// Keys lists keys, optionally narrowed to one owner username.
func (s *Service) Keys(ctx context.Context, ownerUsername string) ([]*APIKey, error) {
	var ownerID string
	if ownerUsername != "" {
		owner, err := s.store.UserByName(ctx, ownerUsername)
		if err != nil {
			return nil, err
		}
		ownerID = owner.ID
	}
	return s.store.ListKeys(ctx, ownerID)
}

// Users lists all accounts.
func (s *Service) Users(ctx context.Context) ([]*User, error) {
	return s.store.ListUsers(ctx)
}

// SetUserDisabled flips an account's disabled flag.
func (s *Service) SetUserDisabled(ctx context.Context, username string, disabled bool) error {
	user, err := s.store.UserByName(ctx, username)
	if err != nil {
		return err
	}
	user.Disabled = disabled
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info("user flag updated", "username", username, "disabled", disabled)
	return nil
}

// SetUserPolicy attaches (or with nil clears) an account's skill policy.
// It binds every credential of the account from the next request on.
func (s *Service) SetUserPolicy(ctx context.Context, username string, policy *permissions.Policy) error {
	user, err := s.store.UserByName(ctx, username)
	if err != nil {
		return err
	}
	user.Policy = policy
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info("user policy updated", "username", username, "cleared", policy == nil)
	return nil
}

// Bootstrap creates an initial admin account when the store is empty. The
// generated password is returned once so the operator can record it.
func (s *Service) Bootstrap(ctx context.Context) (username, password string, created bool, err error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return "", "", false, err
	}
	if n > 0 {
		return "", "", false, nil
	}

	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", "", false, fmt.Errorf("generate password: %w", err)
	}
	password = hex.EncodeToString(buf)
	if _, err := s.CreateUser(ctx, "admin", password, []string{permissions.ScopeAdmin}); err != nil {
		return "", "", false, err
	}
	return "admin", password, true, nil
}

// AuthenticateRequest resolves the request's credentials to an identity.
// A bearer token wins over X-API-Key when both are present; neither yields
// ErrMissingCredentials.
func (s *Service) AuthenticateRequest(ctx context.Context, r *http.Request) (*Identity, error) {
	if token := bearerToken(r); token != "" {
		ident, err := s.VerifyToken(token)
		if err != nil {
			return nil, err
		}
		return s.resolveIdentity(ctx, ident)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return s.ValidateAPIKey(ctx, key)
	}
	return nil, ErrMissingCredentials
}

// resolveIdentity overlays current account state on a token identity: a
// user disabled (or deleted) after minting is rejected even though the
// token still verifies, and the account's policy comes along. Token scopes
// are kept as minted; they expire with the token.
func (s *Service) resolveIdentity(ctx context.Context, ident *Identity) (*Identity, error) {
	user, err := s.store.UserByName(ctx, ident.Username)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}
	ident.Policy = user.Policy
	return ident, nil
}

func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) >= len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

// ClientID derives the rate-limit key for a request, preferring credential
// prefixes over network position.
func ClientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return credentialPrefix(key)
	}
	if token := bearerToken(r); token != "" {
		return credentialPrefix(token)
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		head, _, _ := strings.Cut(fwd, ",")
		if head = strings.TrimSpace(head); head != "" {
			return head
		}
	}
	return r.RemoteAddr
}

func credentialPrefix(credential string) string {
	if len(credential) > ClientIDPrefixLength {
		return credential[:ClientIDPrefixLength]
	}
	return credential
}
