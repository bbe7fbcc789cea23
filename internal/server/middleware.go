package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/permissions"
	"github.com/raym33/lattice/internal/ratelimit"
)

type requestIDKey struct{}

// requestID returns the id the request-id middleware assigned, or "".
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// responseWriter wraps http.ResponseWriter to capture the status code.
// Flush and Hijack pass through so streaming responses and websocket
// upgrades keep working behind the wrapper.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// recoverPanics converts handler panics into 500 responses so one bad
// request cannot take the server down.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				s.metrics.RecordError("server", "panic")
				s.writeError(w, kindInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withRequestID assigns every request an id, honoring one the client sent,
// and echoes it back in the response.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests opens a server span, times the request, and records the log
// line and metrics once the handler returns.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, metricPath(r.URL.Path), strconv.Itoa(wrapped.status), elapsed.Seconds())
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", elapsed,
			"remote_addr", r.RemoteAddr,
			"request_id", requestID(ctx),
		)
	})
}

// authenticate resolves credentials to an identity and attaches it to the
// request context. Requests without credentials pass through anonymous;
// the per-endpoint scope checks decide whether that is enough. Exempt
// paths skip authentication entirely so health checks never fail on a
// stale token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ratelimit.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ident, err := s.auth.AuthenticateRequest(r.Context(), r)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
		case errors.Is(err, auth.ErrMissingCredentials):
			next.ServeHTTP(w, r)
		default:
			ev := s.event(r, audit.ActionTokenRejected)
			ev.Severity = audit.SeverityWarning
			ev.Error = err.Error()
			s.audit.Log(r.Context(), ev)
			s.writeError(w, authErrorKind(err), err.Error())
		}
	})
}

// rateLimit admits the request through the client's token buckets. Allowed
// requests carry the X-RateLimit headers; denials answer 429 with a
// Retry-After hint and are never refunded.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ratelimit.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientID := auth.ClientID(r)
		cost, heavy := ratelimit.CostFor(r.Method, r.URL.Path)
		decision := s.limiter.Check(clientID, cost, heavy)
		if !decision.Allowed {
			retry := ceilSeconds(decision.RetryAfter)
			s.metrics.RecordRateLimited(r.URL.Path)
			ev := s.event(r, audit.ActionRateLimited)
			ev.Severity = audit.SeverityWarning
			ev.ClientID = clientID
			ev.Details = map[string]any{"retry_after_seconds": retry, "cost": cost}
			s.audit.Log(r.Context(), ev)

			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.writeError(w, kindRateLimited, fmt.Sprintf("rate limit exceeded, retry in %ds", retry))
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.Reset)))
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests that carry no identity.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.IdentityFromContext(r.Context()); !ok {
			s.writeError(w, kindAuthMissing, "authentication required")
			return
		}
		next(w, r)
	}
}

// requireScope rejects requests whose identity does not expand to the
// given scope.
func (s *Server) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			s.writeError(w, kindAuthMissing, "authentication required")
			return
		}
		if !permissions.HasScope(ident.Scopes, scope) {
			s.writeError(w, kindPermissionDenied, "requires scope "+scope)
			return
		}
		next(w, r)
	}
}

// event starts an audit record tied to this request; the caller fills in
// action-specific fields before logging it.
func (s *Server) event(r *http.Request, action audit.Action) *audit.Event {
	ev := &audit.Event{
		Action:    action,
		ClientIP:  r.RemoteAddr,
		RequestID: requestID(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	if ident, ok := auth.IdentityFromContext(r.Context()); ok {
		ev.Username = ident.Username
		ev.AuthType = ident.AuthType
	}
	return ev
}

// ceilSeconds converts a duration to whole seconds, rounding up so a
// fractional wait never reads as zero.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// metricPath collapses path parameters so metric labels stay bounded.
func metricPath(path string) string {
	switch {
	case pathParam(path, "/v1/auth/keys/") != "":
		return "/v1/auth/keys/{key_id}"
	case pathParam(path, "/v1/cluster/nodes/") != "":
		return "/v1/cluster/nodes/{id}"
	case pathParam(path, "/v1/cluster/models/") != "":
		return "/v1/cluster/models/{name}/requirements"
	case path != "/v1/skills/call" && pathParam(path, "/v1/skills/") != "":
		return "/v1/skills/{name}"
	default:
		return path
	}
}
