package cluster

import (
	"context"
	"strings"

	"github.com/raym33/lattice/internal/llm"
)

// Provider adapts the coordinator to the llm.Provider interface so chat
// traffic can ride a distributed model like any other backend variant.
type Provider struct {
	coord *Coordinator
}

// NewProvider wraps a coordinator as an LLM backend variant.
func NewProvider(coord *Coordinator) *Provider {
	return &Provider{coord: coord}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "cluster" }

// Available implements llm.Provider: the variant can serve once a model
// is resident.
func (p *Provider) Available(ctx context.Context) bool {
	return p.coord.Loaded()
}

// Models implements llm.Provider.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	model, _, _ := p.coord.Cluster().Loaded()
	if model == "" {
		return nil, nil
	}
	return []string{model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Message, error) {
	res, err := p.coord.Generate(ctx, p.generateRequest(req))
	if err != nil {
		return llm.Message{}, err
	}
	return llm.Message{Role: llm.RoleAssistant, Content: res.Text}, nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	tokens, err := p.coord.GenerateStream(ctx, p.generateRequest(req))
	if err != nil {
		return nil, err
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for tok := range tokens {
			select {
			case out <- llm.Chunk{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// generateRequest flattens a chat request into a raw prompt. The engine
// speaks prompts, not message lists, so the conversation is rendered as
// a plain transcript with the assistant turn left open.
func (p *Provider) generateRequest(req llm.Request) GenerateRequest {
	var b strings.Builder
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant:")
	return GenerateRequest{
		Model:       req.Model,
		Prompt:      b.String(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}
