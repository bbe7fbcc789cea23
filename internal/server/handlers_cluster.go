package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/cluster"
	"github.com/raym33/lattice/internal/permissions"
)

// clusterReady guards the cluster surface. Without a coordinator the
// process runs single-node and every cluster endpoint answers 503.
func (s *Server) clusterReady(w http.ResponseWriter) bool {
	if s.coordinator == nil {
		s.writeError(w, kindBackendUnavailable, "cluster mode is not enabled")
		return false
	}
	return true
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.Cluster().Snapshot())
}

// handleClusterNodes splits by method: reading the roster takes read,
// registering a node takes admin.
func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	if !s.clusterReady(w) {
		return
	}
	ident, _ := auth.IdentityFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		if !permissions.HasScope(ident.Scopes, permissions.ScopeRead) {
			s.writeError(w, kindPermissionDenied, "requires scope "+permissions.ScopeRead)
			return
		}
		nodes := s.coordinator.Cluster().Nodes()
		s.writeJSON(w, http.StatusOK, map[string]any{
			"nodes": nodes,
			"total": len(nodes),
		})
	case http.MethodPost:
		if !permissions.HasScope(ident.Scopes, permissions.ScopeAdmin) {
			s.writeError(w, kindPermissionDenied, "requires scope "+permissions.ScopeAdmin)
			return
		}
		s.addNode(w, r)
	default:
		s.writeError(w, kindInvalidRequest, "method not allowed")
	}
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	var node cluster.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if node.Host == "" {
		s.writeError(w, kindInvalidRequest, "host is required")
		return
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}

	reg := s.coordinator.Cluster()
	reg.AddNode(&node)

	ev := s.event(r, audit.ActionNodeJoined)
	ev.Resource = node.Name
	ev.ResourceID = node.ID
	ev.Success = true
	ev.Details = map[string]any{"host": node.Host, "memory_gb": node.Capabilities.AvailableMemoryGB}
	s.audit.Log(r.Context(), ev)

	record, _ := reg.Node(node.ID)
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleClusterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}
	id := pathParam(r.URL.Path, "/v1/cluster/nodes/")
	if id == "" {
		s.writeError(w, kindInvalidRequest, "node id is required")
		return
	}

	if err := s.coordinator.Cluster().RemoveNode(id); err != nil {
		switch {
		case errors.Is(err, cluster.ErrLocalNodeRemoval):
			s.writeError(w, kindInvalidRequest, err.Error())
		case errors.Is(err, cluster.ErrNodeNotFound):
			s.writeError(w, kindNotFound, "node not found: "+id)
		default:
			s.writeError(w, kindInternal, "failed to remove node")
		}
		return
	}

	ev := s.event(r, audit.ActionNodeRemoved)
	ev.ResourceID = id
	ev.Success = true
	s.audit.Log(r.Context(), ev)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"removed": true,
		"node_id": id,
	})
}

func (s *Server) handleModelRequirements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/cluster/models/")
	model, tail, ok := strings.Cut(rest, "/")
	if !ok || model == "" || tail != "requirements" {
		s.writeError(w, kindNotFound, "unknown endpoint: "+r.URL.Path)
		return
	}
	quant := r.URL.Query().Get("quantization")
	s.writeJSON(w, http.StatusOK, s.coordinator.Cluster().RequirementsFor(model, quant))
}

// loadRequest names a model to place across the cluster.
type loadRequest struct {
	Model        string `json:"model"`
	Quantization string `json:"quantization,omitempty"`
}

func (s *Server) handleClusterLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		s.writeError(w, kindInvalidRequest, "model is required")
		return
	}

	result := s.coordinator.LoadModel(r.Context(), req.Model, req.Quantization)

	ev := s.event(r, audit.ActionModelLoaded)
	ev.Resource = req.Model
	ev.Success = result.Success
	if result.Success {
		ev.Details = map[string]any{
			"quantization": result.Quantization,
			"total_layers": result.TotalLayers,
			"nodes":        len(result.Assignments),
		}
	} else {
		ev.Severity = audit.SeverityWarning
		ev.Error = result.Error
	}
	s.audit.Log(r.Context(), ev)

	// Load failures are data, not transport errors: 200 either way.
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClusterUnload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}

	model, _, _ := s.coordinator.Cluster().Loaded()
	if err := s.coordinator.Unload(r.Context()); err != nil {
		s.writeError(w, kindInternal, err.Error())
		return
	}

	ev := s.event(r, audit.ActionModelUnloaded)
	ev.Resource = model
	ev.Success = true
	s.audit.Log(r.Context(), ev)

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleClusterAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}
	reg := s.coordinator.Cluster()
	model, quant, layers := reg.Loaded()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"model":        model,
		"quantization": quant,
		"total_layers": layers,
		"assignments":  reg.Assignments(),
	})
}

func (s *Server) handleClusterGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if !s.clusterReady(w) {
		return
	}
	var req cluster.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, kindInvalidRequest, "prompt is required")
		return
	}

	// A lazy load is about to happen; surface admission failures as
	// capacity errors rather than a generic not-loaded.
	reg := s.coordinator.Cluster()
	if model, _, _ := reg.Loaded(); model == "" && req.Model != "" {
		if ok, reason := reg.CanRun(req.Model, req.Quantization); !ok {
			s.writeError(w, kindClusterInsufficient, reason)
			return
		}
	}

	if req.Stream {
		s.streamGenerate(w, r, req)
		return
	}

	result, err := s.coordinator.Generate(r.Context(), req)
	if err != nil {
		if errors.Is(err, cluster.ErrModelNotLoaded) {
			s.writeError(w, kindModelNotLoaded, err.Error())
			return
		}
		s.writeError(w, kindInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) streamGenerate(w http.ResponseWriter, r *http.Request, req cluster.GenerateRequest) {
	tokens, err := s.coordinator.GenerateStream(r.Context(), req)
	if err != nil {
		if errors.Is(err, cluster.ErrModelNotLoaded) {
			s.writeError(w, kindModelNotLoaded, err.Error())
			return
		}
		s.writeError(w, kindInternal, err.Error())
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, kindInternal, "connection does not support streaming")
		return
	}
	s.metrics.StreamStarted("generate")
	defer s.metrics.StreamEnded("generate")

	for tok := range tokens {
		if err := sw.send(streamDelta{Delta: tok}); err != nil {
			// Client went away; the request context cancels the
			// coordinator's pump.
			return
		}
	}
	sw.done()
}

// handleClusterWS is the peer channel: nodes authenticate through the
// sync handshake, not through user credentials.
func (s *Server) handleClusterWS(w http.ResponseWriter, r *http.Request) {
	if s.peerSync == nil {
		s.writeError(w, kindBackendUnavailable, "cluster mode is not enabled")
		return
	}
	s.peerSync.ServeHTTP(w, r)
}

// handleClusterSync is the HTTP fallback for websocket-less peers.
func (s *Server) handleClusterSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, kindInvalidRequest, "method not allowed")
		return
	}
	if s.peerSync == nil {
		s.writeError(w, kindBackendUnavailable, "cluster mode is not enabled")
		return
	}
	var req cluster.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	resp, err := s.peerSync.HandleSync(req)
	if err != nil {
		s.writeError(w, kindInvalidRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
