package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAICompatBaseURL is the conventional local port for
// OpenAI-compatible servers (vLLM, llama.cpp's compat mode, and friends).
const DefaultOpenAICompatBaseURL = "http://localhost:8000/v1"

// OpenAICompat is the Provider for any server speaking the OpenAI chat
// completions API, remote or local. Tool calling, streaming, and model
// listing are supported; calls are never retried, a failed request surfaces
// immediately.
//
// OpenAICompat is safe for concurrent use; each call builds an independent
// request.
type OpenAICompat struct {
	client *openai.Client
	name   string
}

// OpenAICompatConfig configures an OpenAICompat provider.
type OpenAICompatConfig struct {
	// BaseURL is the server root including the /v1 suffix. Defaults to
	// DefaultOpenAICompatBaseURL.
	BaseURL string

	// APIKey is sent as the bearer token. Local servers usually accept any
	// value; empty is allowed.
	APIKey string
}

// NewOpenAICompat creates a provider for an OpenAI-compatible server.
func NewOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAICompatBaseURL
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &OpenAICompat{
		client: openai.NewClientWithConfig(clientCfg),
		name:   "openai-compat",
	}
}

// Name implements Provider.
func (p *OpenAICompat) Name() string { return p.name }

// Available reports whether the server answers a model listing.
func (p *OpenAICompat) Available(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	return err == nil
}

// Models lists the model identifiers the server advertises.
func (p *OpenAICompat) Models(ctx context.Context) ([]string, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Complete implements Provider with a single blocking chat completion.
func (p *OpenAICompat) Complete(ctx context.Context, req Request) (Message, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return Message{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, errors.New("chat completion: empty response")
	}
	return fromOpenAIMessage(resp.Choices[0].Message)
}

// Stream implements Provider. Tool calls arrive from the server in argument
// fragments tracked by index; they are accumulated and emitted once complete.
func (p *OpenAICompat) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		pending := make(map[int]*openai.ToolCall)
		order := make([]int, 0, 4)

		flush := func() bool {
			for _, idx := range order {
				tc := pending[idx]
				if tc == nil || tc.ID == "" || tc.Function.Name == "" {
					continue
				}
				call, err := fromOpenAIToolCall(*tc)
				if err != nil {
					out <- Chunk{Err: err, Done: true}
					return false
				}
				out <- Chunk{ToolCall: &call}
			}
			pending = make(map[int]*openai.ToolCall)
			order = order[:0]
			return true
		}

		for {
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err(), Done: true}
				return
			default:
			}

			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					if flush() {
						out <- Chunk{Done: true}
					}
					return
				}
				out <- Chunk{Err: err, Done: true}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.Content != "" {
				out <- Chunk{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc := pending[idx]
				if acc == nil {
					acc = &openai.ToolCall{}
					pending[idx] = acc
					order = append(order, idx)
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				if !flush() {
					return
				}
			}
		}
	}()
	return out, nil
}

// buildRequest converts a port request to the wire format.
func (p *OpenAICompat) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.TopP > 0 {
		out.TopP = req.TopP
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		out.Tools = toOpenAITools(req.Tools)
	}
	return out
}

// toOpenAIMessages converts port messages to wire messages.
func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		wire := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.Role == RoleTool {
			wire.ToolCallID = m.ToolCallID
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wire)
	}
	return out
}

// toOpenAITools converts tool definitions to the function-calling schema.
func toOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  schema,
			},
		}
	}
	return out
}

// fromOpenAIMessage converts a wire reply to a port message. Unparseable
// tool arguments are a decode failure and error out the whole reply.
func fromOpenAIMessage(m openai.ChatCompletionMessage) (Message, error) {
	out := Message{Role: RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		call, err := fromOpenAIToolCall(tc)
		if err != nil {
			return Message{}, err
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func fromOpenAIToolCall(tc openai.ToolCall) (ToolCall, error) {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return ToolCall{}, fmt.Errorf("decode tool arguments for %s: %w", tc.Function.Name, err)
		}
	}
	return ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}, nil
}
