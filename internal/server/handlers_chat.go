package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/raym33/lattice/internal/agent"
	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/llm"
	"github.com/raym33/lattice/internal/permissions"
)

// chatRequest is one agent turn.
type chatRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
	Model   string `json:"model,omitempty"`
}

// chatResponse is the non-streaming reply. Streaming frames carry the
// same shape with delta in place of message.
type chatResponse struct {
	Message    string `json:"message"`
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// streamDelta is one streaming frame payload, shared by chat and
// cluster generation.
type streamDelta struct {
	Delta string `json:"delta"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if s.provider == nil {
		s.writeError(w, kindBackendUnavailable, "no LLM backend configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, kindInvalidRequest, "message is required")
		return
	}

	// Streaming needs its own scope; requireAuth upstream guarantees the
	// identity is present.
	ident, _ := auth.IdentityFromContext(r.Context())
	scope := permissions.ScopeChat
	if req.Stream {
		scope = permissions.ScopeChatStream
	}
	if !permissions.HasScope(ident.Scopes, scope) {
		s.writeError(w, kindPermissionDenied, "requires scope "+scope)
		return
	}

	// Conversation state is request-owned: each call gets a fresh backend
	// over the shared provider, with memory carrying context across turns.
	opts := s.llmOpts
	if req.Model != "" {
		opts.Model = req.Model
	}
	backend := llm.NewBackend(s.provider, opts)
	ag := agent.New(backend, s.registry, s.memory, agent.Options{Logger: s.logger})

	if req.Stream {
		s.streamChat(w, r, ag, req.Message)
		return
	}

	start := time.Now()
	reply := ag.Run(r.Context(), req.Message)
	elapsed := time.Since(start)

	failed := strings.HasPrefix(reply, "Error:")
	status := "success"
	if failed {
		status = "error"
	}
	s.metrics.RecordLLMRequest(s.provider.Name(), opts.Model, status, elapsed.Seconds())

	ev := s.event(r, audit.ActionChatCompleted)
	ev.Success = !failed
	ev.DurationMS = elapsed.Milliseconds()
	if failed {
		ev.Severity = audit.SeverityWarning
		ev.Error = reply
	}
	s.audit.Log(r.Context(), ev)

	s.writeJSON(w, http.StatusOK, chatResponse{
		Message:    reply,
		Provider:   s.provider.Name(),
		Model:      opts.Model,
		DurationMS: elapsed.Milliseconds(),
	})
}

// streamChat delivers one turn as SSE delta frames. A client disconnect
// cancels the request context, which stops the backend; consumed rate
// tokens are not refunded.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, ag *agent.Agent, message string) {
	sw, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, kindInternal, "connection does not support streaming")
		return
	}

	s.metrics.StreamStarted("chat")
	defer s.metrics.StreamEnded("chat")

	start := time.Now()
	chunks := 0
	for chunk := range ag.RunStream(r.Context(), message) {
		if err := sw.send(streamDelta{Delta: chunk}); err != nil {
			ev := s.event(r, audit.ActionChatStreamed)
			ev.Error = "client disconnected"
			ev.DurationMS = time.Since(start).Milliseconds()
			ev.Details = map[string]any{"chunks": chunks}
			s.audit.Log(r.Context(), ev)
			return
		}
		chunks++
	}
	sw.done()

	ev := s.event(r, audit.ActionChatStreamed)
	ev.Success = true
	ev.DurationMS = time.Since(start).Milliseconds()
	ev.Details = map[string]any{"chunks": chunks}
	s.audit.Log(r.Context(), ev)
}
