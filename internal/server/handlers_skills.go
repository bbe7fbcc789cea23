package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/permissions"
	"github.com/raym33/lattice/internal/skills"
)

// toolSummary describes one tool. Parameters is the JSON schema, included
// on single-skill lookups and omitted from the list view.
type toolSummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// skillSummary describes one skill.
type skillSummary struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Tools       []toolSummary `json:"tools"`
}

func summarize(sk *skills.Skill, withSchemas bool) skillSummary {
	out := skillSummary{
		Name:        sk.Name,
		Description: sk.Description,
		Tools:       make([]toolSummary, 0, len(sk.Tools)),
	}
	for _, t := range sk.Tools {
		ts := toolSummary{Name: t.Name(), Description: t.Description()}
		if withSchemas {
			ts.Parameters = t.Schema()
		}
		out.Tools = append(out.Tools, ts)
	}
	return out
}

func (s *Server) handleSkillList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	loaded := s.registry.Skills()
	out := make([]skillSummary, 0, len(loaded))
	for _, sk := range loaded {
		out = append(out, summarize(sk, false))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"skills": out,
		"total":  len(out),
	})
}

func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	name := pathParam(r.URL.Path, "/v1/skills/")
	if name == "" {
		s.writeError(w, kindInvalidRequest, "skill name is required")
		return
	}
	sk, ok := s.registry.Skill(name)
	if !ok {
		s.writeError(w, kindNotFound, "skill not found: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(sk, true))
}

// skillCallRequest invokes one tool directly.
type skillCallRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// skillCallResponse carries the tool output.
type skillCallResponse struct {
	Tool       string `json:"tool"`
	Skill      string `json:"skill"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handleSkillCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}

	var req skillCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		s.writeError(w, kindInvalidRequest, "tool is required")
		return
	}

	tool, ok := s.registry.Tool(req.Tool)
	if !ok {
		s.writeError(w, kindNotFound, "tool not found: "+req.Tool)
		return
	}
	skillName, _ := s.registry.SkillOf(req.Tool)

	ident, _ := auth.IdentityFromContext(r.Context())
	if allowed, reason := permissions.CanUseSkill(ident.Scopes, skillName, ident.Policy); !allowed {
		ev := s.event(r, audit.ActionSkillDenied)
		ev.Severity = audit.SeverityWarning
		ev.Resource = skillName
		ev.ResourceID = req.Tool
		ev.Error = reason
		s.audit.Log(r.Context(), ev)
		s.writeError(w, kindPermissionDenied, reason)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultToolTimeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Call(ctx, req.Args)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordToolCall(req.Tool, status, elapsed.Seconds())

	ev := s.event(r, audit.ActionSkillCalled)
	ev.Resource = skillName
	ev.ResourceID = req.Tool
	ev.Success = err == nil
	ev.DurationMS = elapsed.Milliseconds()
	if err != nil {
		ev.Error = err.Error()
	}
	s.audit.Log(r.Context(), ev)

	if err != nil {
		s.writeError(w, kindInvalidRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, skillCallResponse{
		Tool:       req.Tool,
		Skill:      skillName,
		Result:     result,
		DurationMS: elapsed.Milliseconds(),
	})
}
