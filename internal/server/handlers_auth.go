package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/permissions"
)

// loginRequest carries password credentials.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse carries a minted bearer token.
type loginResponse struct {
	Token     string   `json:"token"`
	TokenType string   `json:"token_type"`
	Username  string   `json:"username"`
	Scopes    []string `json:"scopes"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, kindInvalidRequest, "username and password are required")
		return
	}

	token, ident, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		ev := s.event(r, audit.ActionLoginFailure)
		ev.Severity = audit.SeverityWarning
		ev.Username = req.Username
		ev.Error = err.Error()
		s.audit.Log(r.Context(), ev)

		switch {
		case errors.Is(err, auth.ErrUserDisabled):
			s.writeError(w, kindAuthDisabledUser, "user is disabled")
		case errors.Is(err, auth.ErrBadCredentials):
			s.writeError(w, kindAuthInvalidToken, err.Error())
		default:
			s.writeError(w, kindInternal, "login failed")
		}
		return
	}

	ev := s.event(r, audit.ActionLoginSuccess)
	ev.Username = ident.Username
	ev.Success = true
	s.audit.Log(r.Context(), ev)

	s.writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		Username:  ident.Username,
		Scopes:    ident.Scopes,
	})
}

// introspectResponse reflects the caller's resolved identity back.
type introspectResponse struct {
	Username       string              `json:"username"`
	Scopes         []string            `json:"scopes"`
	ExpandedScopes []string            `json:"expanded_scopes"`
	AuthType       string              `json:"auth_type"`
	Policy         *permissions.Policy `json:"policy,omitempty"`
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	ident, _ := auth.IdentityFromContext(r.Context())
	s.writeJSON(w, http.StatusOK, introspectResponse{
		Username:       ident.Username,
		Scopes:         ident.Scopes,
		ExpandedScopes: permissions.ExpandSorted(ident.Scopes),
		AuthType:       ident.AuthType,
		Policy:         ident.Policy,
	})
}

// keyCreateRequest mints an API key. Empty scopes inherit the granter's.
type keyCreateRequest struct {
	Name       string              `json:"name,omitempty"`
	Scopes     []string            `json:"scopes,omitempty"`
	TTLSeconds int64               `json:"ttl_seconds,omitempty"`
	Policy     *permissions.Policy `json:"policy,omitempty"`
}

// keyCreateResponse is the only place the raw secret ever appears.
type keyCreateResponse struct {
	Key       string     `json:"key"`
	KeyID     string     `json:"key_id"`
	Name      string     `json:"name,omitempty"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listKeys(w, r)
	case http.MethodPost:
		s.createKey(w, r)
	default:
		s.writeError(w, kindInvalidRequest, "method not allowed")
	}
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	// Admins see every key, everyone else only their own.
	owner := ident.Username
	if permissions.HasScope(ident.Scopes, permissions.ScopeAdmin) {
		owner = ""
	}
	keys, err := s.auth.Keys(r.Context(), owner)
	if err != nil {
		s.writeError(w, kindInternal, "failed to list keys")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"total": len(keys),
	})
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	var req keyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	raw, key, err := s.auth.CreateAPIKey(r.Context(), ident, req.Name, req.Scopes,
		time.Duration(req.TTLSeconds)*time.Second, req.Policy)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrScopeExceeded):
			s.writeError(w, kindPermissionDenied, err.Error())
		case errors.Is(err, auth.ErrUnknownScope):
			s.writeError(w, kindInvalidRequest, err.Error())
		case errors.Is(err, auth.ErrUserDisabled):
			s.writeError(w, kindAuthDisabledUser, "user is disabled")
		default:
			s.writeError(w, kindInternal, "failed to create key")
		}
		return
	}

	ev := s.event(r, audit.ActionKeyCreated)
	ev.ResourceID = key.KeyID
	ev.Success = true
	ev.Details = map[string]any{"name": key.Name, "scopes": key.Scopes}
	s.audit.Log(r.Context(), ev)

	s.writeJSON(w, http.StatusCreated, keyCreateResponse{
		Key:       raw,
		KeyID:     key.KeyID,
		Name:      key.Name,
		Scopes:    key.Scopes,
		ExpiresAt: key.ExpiresAt,
	})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	keyID := pathParam(r.URL.Path, "/v1/auth/keys/")
	if keyID == "" {
		s.writeError(w, kindInvalidRequest, "key id is required")
		return
	}

	ident, _ := auth.IdentityFromContext(r.Context())
	if !permissions.HasScope(ident.Scopes, permissions.ScopeAdmin) {
		// Non-admins can revoke only keys they own; anything else is
		// indistinguishable from a key that does not exist.
		own, err := s.auth.Keys(r.Context(), ident.Username)
		if err != nil {
			s.writeError(w, kindInternal, "failed to list keys")
			return
		}
		found := false
		for _, k := range own {
			if k.KeyID == keyID {
				found = true
				break
			}
		}
		if !found {
			s.writeError(w, kindNotFound, "api key not found")
			return
		}
	}

	if err := s.auth.RevokeKey(r.Context(), keyID); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			s.writeError(w, kindNotFound, "api key not found")
			return
		}
		s.writeError(w, kindInternal, "failed to revoke key")
		return
	}

	ev := s.event(r, audit.ActionKeyRevoked)
	ev.ResourceID = keyID
	ev.Success = true
	s.audit.Log(r.Context(), ev)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"revoked": true,
		"key_id":  keyID,
	})
}
