package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raym33/lattice/internal/llm"
)

// BackendEngine adapts a configured LLM provider into the local inference
// engine. This release loads the full model behind the provider endpoint
// and routes through peers opportunistically, so Load amounts to checking
// the runtime is reachable and pinning the model name.
type BackendEngine struct {
	provider llm.Provider
	logger   *slog.Logger

	mu     sync.Mutex
	model  string
	quant  string
	loaded bool
}

// NewBackendEngine wraps an LLM provider as a cluster engine.
func NewBackendEngine(p llm.Provider, logger *slog.Logger) *BackendEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendEngine{provider: p, logger: logger.With("component", "engine")}
}

// Load implements Engine.
func (e *BackendEngine) Load(ctx context.Context, model, quantization string, layers []int) error {
	probeCtx, cancel := context.WithTimeout(ctx, llm.ProbeTimeout)
	defer cancel()
	if !e.provider.Available(probeCtx) {
		return fmt.Errorf("backend %s unreachable", e.provider.Name())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = model
	e.quant = quantization
	e.loaded = true
	e.logger.Info("engine holding model",
		"model", model,
		"quantization", quantization,
		"local_layers", len(layers),
	)
	return nil
}

// Unload implements Engine.
func (e *BackendEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = ""
	e.quant = ""
	e.loaded = false
	return nil
}

// Loaded implements Engine.
func (e *BackendEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Generate implements Engine.
func (e *BackendEngine) Generate(ctx context.Context, req GenerateRequest) (string, int, error) {
	model, err := e.resident()
	if err != nil {
		return "", 0, err
	}
	reply, err := e.provider.Complete(ctx, llm.Request{
		Model:       model,
		Messages:    []llm.Message{llm.NewUserMessage(req.Prompt)},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", 0, err
	}
	return reply.Content, estimateTokens(reply.Content), nil
}

// GenerateStream implements Engine. Stream failures surface as a single
// "Error:" token, matching the chat path's contract.
func (e *BackendEngine) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	model, err := e.resident()
	if err != nil {
		return nil, err
	}
	chunks, err := e.provider.Stream(ctx, llm.Request{
		Model:       model,
		Messages:    []llm.Message{llm.NewUserMessage(req.Prompt)},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				select {
				case out <- "Error: " + chunk.Err.Error():
				case <-ctx.Done():
				}
				return
			case chunk.Text != "":
				select {
				case out <- chunk.Text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// resident returns the pinned model name or ErrModelNotLoaded.
func (e *BackendEngine) resident() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return "", ErrModelNotLoaded
	}
	return e.model, nil
}

// estimateTokens approximates the token count of generated text. The
// runtimes in play do not report usage on this path, so a
// four-bytes-per-token rule of thumb stands in.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
