package server

import (
	"errors"
	"net/http"

	"github.com/raym33/lattice/internal/auth"
)

// errorKind is the closed set of API error codes. The envelope carries the
// kind as the code; the HTTP status follows from kindStatus.
type errorKind string

const (
	kindAuthMissing         errorKind = "auth_missing"
	kindAuthInvalidToken    errorKind = "auth_invalid_token"
	kindAuthDisabledUser    errorKind = "auth_disabled_user"
	kindPermissionDenied    errorKind = "permission_denied"
	kindRateLimited         errorKind = "rate_limited"
	kindNotFound            errorKind = "not_found"
	kindInvalidRequest      errorKind = "invalid_request"
	kindModelNotLoaded      errorKind = "model_not_loaded"
	kindClusterInsufficient errorKind = "cluster_insufficient"
	kindBackendUnavailable  errorKind = "backend_unavailable"
	kindInternal            errorKind = "internal"
)

var kindStatus = map[errorKind]int{
	kindAuthMissing:         http.StatusUnauthorized,
	kindAuthInvalidToken:    http.StatusUnauthorized,
	kindAuthDisabledUser:    http.StatusForbidden,
	kindPermissionDenied:    http.StatusForbidden,
	kindRateLimited:         http.StatusTooManyRequests,
	kindNotFound:            http.StatusNotFound,
	kindInvalidRequest:      http.StatusBadRequest,
	kindModelNotLoaded:      http.StatusServiceUnavailable,
	kindClusterInsufficient: http.StatusServiceUnavailable,
	kindBackendUnavailable:  http.StatusServiceUnavailable,
	kindInternal:            http.StatusInternalServerError,
}

// errorEnvelope is the uniform error response body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authErrorKind maps an authentication failure to its error kind.
func authErrorKind(err error) errorKind {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return kindAuthMissing
	case errors.Is(err, auth.ErrUserDisabled):
		return kindAuthDisabledUser
	default:
		return kindAuthInvalidToken
	}
}
