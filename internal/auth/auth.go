// Package auth owns accounts, API keys, and JWT minting/verification.
// Credentials resolve to an Identity that the HTTP layer threads through
// request contexts; storage is pluggable between memory and SQLite.
package auth

import (
	"errors"
	"time"

	"github.com/raym33/lattice/internal/permissions"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrKeyExpired         = errors.New("api key expired")
	ErrUserDisabled       = errors.New("user disabled")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrKeyNotFound        = errors.New("api key not found")
	ErrBadCredentials     = errors.New("invalid username or password")
	ErrScopeExceeded      = errors.New("requested scopes exceed the granter's")
	ErrUnknownScope       = errors.New("unknown scope")
)

// Auth types tag how an identity was established.
const (
	AuthTypePassword = "password"
	AuthTypeAPIKey   = "api_key"
)

// User is an account.
type User struct {
	ID           string              `json:"user_id"`
	Username     string              `json:"username"`
	PasswordHash string              `json:"-"`
	Scopes       []string            `json:"scopes"`
	Policy       *permissions.Policy `json:"policy,omitempty"`
	Disabled     bool                `json:"disabled"`
	CreatedAt    time.Time           `json:"created_at"`
}

// APIKey is the persisted derivative of an issued key. The raw secret is
// returned exactly once at creation and never stored.
type APIKey struct {
	KeyID      string              `json:"key_id"`
	KeyHash    string              `json:"-"`
	OwnerID    string              `json:"owner_user_id"`
	Scopes     []string            `json:"scopes"`
	Policy     *permissions.Policy `json:"policy,omitempty"`
	Name       string              `json:"name,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  *time.Time          `json:"expires_at,omitempty"`
	LastUsedAt *time.Time          `json:"last_used_at,omitempty"`
}

// Identity is the authenticated principal attached to a request. Policy is
// the merged account and credential overlay, never serialized into tokens.
type Identity struct {
	Username string              `json:"username"`
	Scopes   []string            `json:"scopes"`
	AuthType string              `json:"auth_type"`
	Policy   *permissions.Policy `json:"-"`
}
