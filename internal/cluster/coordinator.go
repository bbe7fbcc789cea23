package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raym33/lattice/internal/observability"
)

// ErrModelNotLoaded reports a generation attempt with no model resident
// and no reload name supplied.
var ErrModelNotLoaded = errors.New("model not loaded")

// Engine is the local inference runtime the coordinator drives. The
// production engine rides a configured LLM provider; tests script one.
type Engine interface {
	// Load prepares the model at a quantization level, holding the given
	// layer range. Implementations may load the full model regardless.
	Load(ctx context.Context, model, quantization string, layers []int) error

	// Unload releases the loaded weights.
	Unload(ctx context.Context) error

	// Loaded reports whether weights are resident.
	Loaded() bool

	// Generate produces a completion and its token count.
	Generate(ctx context.Context, req GenerateRequest) (text string, tokens int, err error)

	// GenerateStream produces tokens until end of generation. The channel
	// closes after the final token.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, error)
}

// GenerateRequest carries one distributed generation call.
type GenerateRequest struct {
	// Model optionally names a model to load lazily when none is resident.
	Model        string  `json:"model,omitempty"`
	Quantization string  `json:"quantization,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	TopP         float32 `json:"top_p,omitempty"`
	Stream       bool    `json:"stream,omitempty"`
}

// GenerateResult is the outcome of one distributed generation.
type GenerateResult struct {
	RequestID    string   `json:"request_id"`
	Model        string   `json:"model"`
	Text         string   `json:"text"`
	Tokens       int      `json:"tokens"`
	DurationMS   int64    `json:"duration_ms"`
	TokensPerSec float64  `json:"tokens_per_sec"`
	Nodes        []string `json:"nodes"`
}

// LoadResult is the outcome of a model load attempt. Failures are data,
// not errors: the cluster stays alive and callers report the reason.
type LoadResult struct {
	Success      bool             `json:"success"`
	Error        string           `json:"error,omitempty"`
	Model        string           `json:"model,omitempty"`
	Quantization string           `json:"quantization,omitempty"`
	TotalLayers  int              `json:"total_layers,omitempty"`
	Assignments  map[string][]int `json:"assignments,omitempty"`
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Partitioner splits layers across nodes. Defaults to RingPartitioner.
	Partitioner Partitioner

	// Logger receives coordinator diagnostics.
	Logger *slog.Logger

	// Metrics, when set, records generation counters.
	Metrics *observability.Metrics
}

// Coordinator owns the local engine and serializes model loads against
// the shared cluster. Generations run concurrently; loads and unloads
// take turns.
type Coordinator struct {
	cluster     *Cluster
	engine      Engine
	partitioner Partitioner
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	mu sync.Mutex
}

// NewCoordinator binds an engine to a cluster.
func NewCoordinator(cl *Cluster, engine Engine, opts CoordinatorOptions) *Coordinator {
	partitioner := opts.Partitioner
	if partitioner == nil {
		partitioner = RingPartitioner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cluster:     cl,
		engine:      engine,
		partitioner: partitioner,
		logger:      logger.With("component", "coordinator"),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Cluster returns the registry this coordinator drives.
func (c *Coordinator) Cluster() *Cluster { return c.cluster }

// Loaded reports whether a model is resident and generation can proceed.
func (c *Coordinator) Loaded() bool {
	model, _, _ := c.cluster.Loaded()
	return model != "" && c.engine.Loaded()
}

// LoadModel admits, partitions, and loads a model across the cluster.
// Work proceeds in order: admission check, layer partition, assignment
// write, local engine load. Any failure reports through the result and
// leaves the cluster unloaded rather than failing the call.
func (c *Coordinator) LoadModel(ctx context.Context, model, quantization string) *LoadResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	quant := NormalizeQuant(quantization)
	ok, reason := c.cluster.CanRun(model, quant)
	if !ok {
		c.logger.Warn("model admission denied", "model", model, "quantization", quant, "reason", reason)
		return &LoadResult{Error: reason}
	}

	profile, sizeClass := Requirements(model)
	nodes := c.cluster.AvailableNodes()
	assignments := c.partitioner.Partition(nodes, profile.Layers)
	c.cluster.ApplyAssignments(model, quant, profile.Layers, assignments)

	if err := c.engine.Load(ctx, model, quant, assignments[c.cluster.LocalID()]); err != nil {
		c.cluster.ClearAssignments()
		c.logger.Error("engine load failed", "model", model, "error", err)
		return &LoadResult{Error: fmt.Sprintf("load %s: %v", model, err)}
	}

	c.logger.Info("model loaded",
		"model", model,
		"quantization", quant,
		"size_class", sizeClass,
		"total_layers", profile.Layers,
		"nodes", len(assignments),
	)
	return &LoadResult{
		Success:      true,
		Model:        model,
		Quantization: quant,
		TotalLayers:  profile.Layers,
		Assignments:  assignments,
	}
}

// Unload releases the loaded model and clears every assignment.
// Unloading an idle cluster is a no-op.
func (c *Coordinator) Unload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	model, _, _ := c.cluster.Loaded()
	if model == "" {
		return nil
	}
	if err := c.engine.Unload(ctx); err != nil {
		return fmt.Errorf("unload %s: %w", model, err)
	}
	c.cluster.ClearAssignments()
	c.logger.Info("model unloaded", "model", model)
	return nil
}

// Generate runs one synchronous generation on the loaded model. When no
// model is resident and the request names one, it is loaded first; with
// no name the call fails with ErrModelNotLoaded.
func (c *Coordinator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	model, err := c.ensureLoaded(ctx, req)
	if err != nil {
		return nil, err
	}

	local := c.cluster.LocalID()
	c.cluster.SetStatus(local, StatusBusy)
	defer c.cluster.SetStatus(local, StatusReady)

	start := c.now()
	text, tokens, err := c.engine.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	elapsed := c.now().Sub(start)

	var rate float64
	if elapsed > 0 {
		rate = float64(tokens) / elapsed.Seconds()
	}
	c.cluster.RecordInference(local, rate)
	if c.metrics != nil {
		c.metrics.RecordClusterGenerate(model, tokens, elapsed.Seconds())
	}

	return &GenerateResult{
		RequestID:    uuid.NewString(),
		Model:        model,
		Text:         text,
		Tokens:       tokens,
		DurationMS:   elapsed.Milliseconds(),
		TokensPerSec: rate,
		Nodes:        c.participants(),
	}, nil
}

// GenerateStream runs one streaming generation. Tokens arrive in order
// on the returned channel, which closes after end of generation. Node
// counters and metrics are recorded before the channel closes.
func (c *Coordinator) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	model, err := c.ensureLoaded(ctx, req)
	if err != nil {
		return nil, err
	}

	tokens, err := c.engine.GenerateStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate stream: %w", err)
	}

	local := c.cluster.LocalID()
	c.cluster.SetStatus(local, StatusBusy)

	out := make(chan string)
	go func() {
		defer close(out)
		start := c.now()
		count := 0
		for tok := range tokens {
			select {
			case out <- tok:
				count++
			case <-ctx.Done():
				c.finishStream(model, local, count, c.now().Sub(start))
				return
			}
		}
		c.finishStream(model, local, count, c.now().Sub(start))
	}()
	return out, nil
}

// finishStream folds one completed stream into node stats and metrics.
func (c *Coordinator) finishStream(model, nodeID string, tokens int, elapsed time.Duration) {
	c.cluster.SetStatus(nodeID, StatusReady)
	var rate float64
	if elapsed > 0 {
		rate = float64(tokens) / elapsed.Seconds()
	}
	c.cluster.RecordInference(nodeID, rate)
	if c.metrics != nil {
		c.metrics.RecordClusterGenerate(model, tokens, elapsed.Seconds())
	}
}

// ensureLoaded resolves the model to generate with, lazily loading a
// named one.
func (c *Coordinator) ensureLoaded(ctx context.Context, req GenerateRequest) (string, error) {
	model, _, _ := c.cluster.Loaded()
	if model != "" && c.engine.Loaded() {
		return model, nil
	}
	if req.Model == "" {
		return "", ErrModelNotLoaded
	}
	res := c.LoadModel(ctx, req.Model, req.Quantization)
	if !res.Success {
		return "", fmt.Errorf("%w: %s", ErrModelNotLoaded, res.Error)
	}
	return req.Model, nil
}

// participants lists the node ids holding layers of the loaded model.
func (c *Coordinator) participants() []string {
	assignments := c.cluster.Assignments()
	if len(assignments) == 0 {
		return []string{c.cluster.LocalID()}
	}
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
