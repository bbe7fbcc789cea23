// Package cluster coordinates distributed inference across heterogeneous
// accelerator nodes. It probes local hardware, estimates model footprints
// from a built-in size table, partitions transformer layers across nodes
// in proportion to memory or throughput, and drives a local engine while
// peers exchange state over websockets.
//
// The Cluster is the shared registry: HTTP handlers mutate it through the
// admin endpoints, the Coordinator reads it on every generation, and
// PeerSync keeps remote records fresh. All access goes through one lock,
// and the loaded model, total layer count, and per-node assignments
// change together, so readers never observe a half-applied partition.
package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle state of a cluster node.
type NodeStatus string

const (
	StatusOffline NodeStatus = "offline"
	StatusOnline  NodeStatus = "online"
	StatusBusy    NodeStatus = "busy"
	StatusReady   NodeStatus = "ready"
	StatusError   NodeStatus = "error"
)

var (
	// ErrNodeNotFound reports an unknown node id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrLocalNodeRemoval reports an attempt to remove the local node.
	ErrLocalNodeRemoval = errors.New("local node cannot be removed")
)

// loadOverheadFactor pads model memory for KV cache and activations when
// deciding whether the cluster can host a model.
const loadOverheadFactor = 1.2

// Node is one member of the cluster.
type Node struct {
	ID             string       `json:"node_id"`
	Name           string       `json:"name"`
	Host           string       `json:"host"`
	Port           int          `json:"port"`
	Status         NodeStatus   `json:"status"`
	LastSeen       time.Time    `json:"last_seen"`
	Capabilities   Capabilities `json:"capabilities"`
	AssignedLayers []int        `json:"assigned_layers,omitempty"`
	CurrentModel   string       `json:"current_model,omitempty"`
	InferenceCount int64        `json:"inference_count"`
	TokensPerSec   float64      `json:"tokens_per_sec"`
}

// clone returns a deep copy so callers cannot reach registry state.
func (n *Node) clone() *Node {
	c := *n
	if n.AssignedLayers != nil {
		c.AssignedLayers = append([]int(nil), n.AssignedLayers...)
	}
	return &c
}

// available reports whether the node can take part in serving a model.
func (n *Node) available() bool {
	switch n.Status {
	case StatusOnline, StatusReady, StatusBusy:
		return true
	default:
		return false
	}
}

// NewLocalNode builds the node record for this process. An empty name
// falls back to the hostname.
func NewLocalNode(name, host string, port int, caps Capabilities) *Node {
	if name == "" {
		name, _ = os.Hostname()
	}
	return &Node{
		ID:           uuid.NewString(),
		Name:         name,
		Host:         host,
		Port:         port,
		Status:       StatusOnline,
		LastSeen:     time.Now().UTC(),
		Capabilities: caps,
	}
}

// Cluster is the node registry plus the currently loaded model state.
type Cluster struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	localID string

	currentModel string
	currentQuant string
	totalLayers  int

	logger *slog.Logger
	now    func() time.Time
}

// New creates a cluster seeded with its local node.
func New(local *Node, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cluster{
		nodes:   make(map[string]*Node),
		localID: local.ID,
		logger:  logger.With("component", "cluster"),
		now:     time.Now,
	}
	c.nodes[local.ID] = local.clone()
	return c
}

// LocalID returns the id of the node this process runs.
func (c *Cluster) LocalID() string { return c.localID }

// LocalNode returns a copy of the local node record.
func (c *Cluster) LocalNode() *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[c.localID].clone()
}

// AddNode inserts a node or replaces the record with the same id.
func (c *Cluster) AddNode(n *Node) {
	if n == nil || n.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record := n.clone()
	if record.Status == "" {
		record.Status = StatusOnline
	}
	if record.LastSeen.IsZero() {
		record.LastSeen = c.now().UTC()
	}
	_, existed := c.nodes[record.ID]
	c.nodes[record.ID] = record
	if !existed {
		c.logger.Info("node added",
			"node_id", record.ID,
			"name", record.Name,
			"memory_gb", record.Capabilities.AvailableMemoryGB,
		)
	}
}

// RemoveNode deletes a node by id. The local node cannot be removed.
func (c *Cluster) RemoveNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.localID {
		return ErrLocalNodeRemoval
	}
	if _, ok := c.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(c.nodes, id)
	c.logger.Info("node removed", "node_id", id)
	return nil
}

// Node returns a copy of the node with the given id.
func (c *Cluster) Node(id string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Nodes returns copies of every node, ordered by id for stable output.
func (c *Cluster) Nodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableNodes returns copies of the nodes that can serve, ordered by
// id.
func (c *Cluster) AvailableNodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.available() {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CanRun decides whether the available nodes together hold enough memory
// for a model at a quantization level, padding the estimate by the load
// overhead factor. A false result carries the numeric shortfall.
func (c *Cluster) CanRun(model, quantization string) (bool, string) {
	required := MemoryFor(model, quantization) * loadOverheadFactor
	var total float64
	for _, n := range c.AvailableNodes() {
		total += n.Capabilities.AvailableMemoryGB
	}
	if total >= required {
		return true, ""
	}
	return false, fmt.Sprintf("insufficient cluster memory: %s at %s needs %.1f GB, available nodes hold %.1f GB",
		model, NormalizeQuant(quantization), required, total)
}

// Loaded returns the loaded model, its quantization, and the total layer
// count as one consistent snapshot. An empty model means nothing is
// loaded.
func (c *Cluster) Loaded() (model, quantization string, totalLayers int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentModel, c.currentQuant, c.totalLayers
}

// ApplyAssignments installs a freshly computed partition. Model identity,
// the layer total, and every per-node range change under one lock so
// readers see either the previous assignment or this one in full.
func (c *Cluster) ApplyAssignments(model, quantization string, totalLayers int, assignments map[string][]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentModel = model
	c.currentQuant = quantization
	c.totalLayers = totalLayers
	for id, n := range c.nodes {
		layers, ok := assignments[id]
		if !ok {
			n.AssignedLayers = nil
			n.CurrentModel = ""
			continue
		}
		n.AssignedLayers = append([]int(nil), layers...)
		n.CurrentModel = model
		n.Status = StatusReady
	}
}

// ClearAssignments drops the loaded model and every node's layer range.
func (c *Cluster) ClearAssignments() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentModel = ""
	c.currentQuant = ""
	c.totalLayers = 0
	for _, n := range c.nodes {
		n.AssignedLayers = nil
		n.CurrentModel = ""
		if n.Status == StatusReady || n.Status == StatusBusy {
			n.Status = StatusOnline
		}
	}
}

// Assignments returns the current node-to-layers mapping as a copy.
func (c *Cluster) Assignments() map[string][]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]int)
	for id, n := range c.nodes {
		if len(n.AssignedLayers) > 0 {
			out[id] = append([]int(nil), n.AssignedLayers...)
		}
	}
	return out
}

// SetStatus updates one node's lifecycle state.
func (c *Cluster) SetStatus(id string, status NodeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		n.Status = status
	}
}

// MarkSeen refreshes a node's liveness timestamp, reviving it if a sweep
// had marked it offline.
func (c *Cluster) MarkSeen(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return
	}
	n.LastSeen = c.now().UTC()
	if n.Status == StatusOffline {
		n.Status = StatusOnline
	}
}

// RecordInference folds one generation into a node's lifetime counters,
// keeping TokensPerSec as the running mean of observed rates.
func (c *Cluster) RecordInference(id string, tokensPerSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return
	}
	n.InferenceCount++
	n.TokensPerSec += (tokensPerSec - n.TokensPerSec) / float64(n.InferenceCount)
}

// SweepOffline marks non-local nodes silent for longer than maxSilence as
// offline and returns their ids.
func (c *Cluster) SweepOffline(maxSilence time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().UTC().Add(-maxSilence)
	var swept []string
	for id, n := range c.nodes {
		if id == c.localID || n.Status == StatusOffline {
			continue
		}
		if n.LastSeen.Before(cutoff) {
			n.Status = StatusOffline
			swept = append(swept, id)
		}
	}
	sort.Strings(swept)
	if len(swept) > 0 {
		c.logger.Warn("nodes marked offline", "node_ids", swept)
	}
	return swept
}

// MergeNodes folds a peer roster into the registry. The sender's own
// record is refreshed to now; third-party records gossiped by the sender
// are taken only when newer than what we hold. The local record and
// locally owned assignment fields are never overwritten.
func (c *Cluster) MergeNodes(senderID string, roster []*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	for _, in := range roster {
		if in == nil || in.ID == "" || in.ID == c.localID {
			continue
		}
		direct := in.ID == senderID
		existing, ok := c.nodes[in.ID]
		if !ok {
			record := in.clone()
			record.AssignedLayers = nil
			record.CurrentModel = ""
			if record.Status == "" {
				record.Status = StatusOnline
			}
			if direct || record.LastSeen.IsZero() {
				record.LastSeen = now
			}
			if direct && record.Status == StatusOffline {
				record.Status = StatusOnline
			}
			c.nodes[in.ID] = record
			c.logger.Info("node discovered", "node_id", record.ID, "name", record.Name)
			continue
		}
		switch {
		case direct:
			refreshNode(existing, in, now, true)
		case in.LastSeen.After(existing.LastSeen):
			refreshNode(existing, in, in.LastSeen, false)
		}
	}
}

// refreshNode copies the peer-owned fields of in onto existing. Layer
// assignments stay ours: the coordinator writes them, gossip does not.
// A directly connected sender is never left offline.
func refreshNode(existing, in *Node, seen time.Time, direct bool) {
	existing.Name = in.Name
	existing.Host = in.Host
	existing.Port = in.Port
	existing.Capabilities = in.Capabilities
	existing.InferenceCount = in.InferenceCount
	existing.TokensPerSec = in.TokensPerSec
	existing.LastSeen = seen
	if in.Status != "" {
		existing.Status = in.Status
	}
	if direct && existing.Status == StatusOffline {
		existing.Status = StatusOnline
	}
}

// Status is a point-in-time cluster summary.
type Status struct {
	LocalNodeID       string  `json:"local_node_id"`
	TotalNodes        int     `json:"total_nodes"`
	AvailableNodes    int     `json:"available_nodes"`
	TotalMemoryGB     float64 `json:"total_memory_gb"`
	AvailableMemoryGB float64 `json:"available_memory_gb"`
	TotalTFLOPS       float64 `json:"total_tflops"`
	CurrentModel      string  `json:"current_model,omitempty"`
	Quantization      string  `json:"quantization,omitempty"`
	TotalLayers       int     `json:"total_layers,omitempty"`
}

// Snapshot summarizes the cluster for status reporting.
func (c *Cluster) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		LocalNodeID:  c.localID,
		TotalNodes:   len(c.nodes),
		CurrentModel: c.currentModel,
		Quantization: c.currentQuant,
		TotalLayers:  c.totalLayers,
	}
	for _, n := range c.nodes {
		s.TotalMemoryGB += n.Capabilities.TotalMemoryGB
		if n.available() {
			s.AvailableNodes++
			s.AvailableMemoryGB += n.Capabilities.AvailableMemoryGB
			s.TotalTFLOPS += n.Capabilities.TFLOPS
		}
	}
	return s
}
