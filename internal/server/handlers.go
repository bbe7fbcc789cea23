package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/raym33/lattice/internal/version"
)

// indexResponse is the API root document.
type indexResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Docs    string `json:"docs"`
	Health  string `json:"health"`
	Metrics string `json:"metrics"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// "/" is the mux catch-all; anything it receives beyond the root is
	// an unknown route.
	if r.URL.Path != "/" {
		s.writeError(w, kindNotFound, "unknown endpoint: "+r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, indexResponse{
		Name:    "lattice",
		Version: version.Version,
		Docs:    "/docs",
		Health:  "/health",
		Metrics: "/metrics",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// endpointDoc describes one route in the docs listing.
type endpointDoc struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Scope       string `json:"scope,omitempty"`
	Description string `json:"description"`
}

var apiDocs = []endpointDoc{
	{Method: "GET", Path: "/", Description: "API root"},
	{Method: "GET", Path: "/health", Description: "liveness probe"},
	{Method: "GET", Path: "/docs", Description: "this listing"},
	{Method: "GET", Path: "/metrics", Description: "Prometheus metrics"},
	{Method: "GET", Path: "/v1/status", Description: "runtime status: uptime, backend availability, skill count"},
	{Method: "POST", Path: "/v1/chat", Scope: "chat", Description: "run one agent turn; set stream=true for SSE (scope chat:stream)"},
	{Method: "GET", Path: "/v1/skills", Scope: "read", Description: "list loaded skills"},
	{Method: "GET", Path: "/v1/skills/{name}", Scope: "read", Description: "one skill with tool schemas"},
	{Method: "POST", Path: "/v1/skills/call", Scope: "tool:call", Description: "invoke a tool directly"},
	{Method: "POST", Path: "/v1/auth/login", Description: "password login, returns a bearer token"},
	{Method: "GET", Path: "/v1/auth/introspect", Description: "inspect the calling identity"},
	{Method: "POST", Path: "/v1/auth/keys", Description: "create an API key within the caller's scopes"},
	{Method: "GET", Path: "/v1/auth/keys", Description: "list API keys (admin sees all)"},
	{Method: "DELETE", Path: "/v1/auth/keys/{key_id}", Description: "revoke an API key"},
	{Method: "GET", Path: "/v1/cluster/status", Scope: "read", Description: "cluster summary"},
	{Method: "GET", Path: "/v1/cluster/nodes", Scope: "read", Description: "list nodes"},
	{Method: "POST", Path: "/v1/cluster/nodes", Scope: "admin", Description: "register a node"},
	{Method: "DELETE", Path: "/v1/cluster/nodes/{id}", Scope: "admin", Description: "remove a node"},
	{Method: "GET", Path: "/v1/cluster/models/{name}/requirements", Scope: "read", Description: "model footprint and admission verdict"},
	{Method: "POST", Path: "/v1/cluster/load", Scope: "admin", Description: "load a model across the cluster"},
	{Method: "POST", Path: "/v1/cluster/unload", Scope: "admin", Description: "unload the current model"},
	{Method: "GET", Path: "/v1/cluster/assignments", Scope: "read", Description: "current layer assignments"},
	{Method: "POST", Path: "/v1/cluster/generate", Scope: "execute", Description: "distributed generation; set stream=true for SSE"},
	{Method: "GET", Path: "/v1/cluster/ws", Description: "peer sync websocket"},
	{Method: "POST", Path: "/v1/cluster/sync", Description: "peer sync push"},
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":      "lattice",
		"version":   version.Version,
		"endpoints": apiDocs,
	})
}

// statusResponse reports runtime health to authenticated callers.
type statusResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	LLMAvailable  bool    `json:"llm_available"`
	SkillCount    int     `json:"skill_count"`
	ToolCount     int     `json:"tool_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}

	resp := statusResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Model:         s.llmOpts.Model,
		SkillCount:    len(s.registry.Skills()),
		ToolCount:     s.registry.ToolCount(),
	}
	if s.provider != nil {
		resp.Provider = s.provider.Name()
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		resp.LLMAvailable = s.provider.Available(probeCtx)
		cancel()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// pathParam returns the first path segment after prefix, or "" when the
// path does not extend past it.
func pathParam(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, prefix), "/")
	return seg
}
