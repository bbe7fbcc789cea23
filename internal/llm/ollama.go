package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaBaseURL is Ollama's conventional local endpoint.
const DefaultOllamaBaseURL = "http://localhost:11434"

// Ollama is the Provider for a local Ollama daemon, talking the native
// /api/chat endpoint directly. Streaming responses are newline-delimited
// JSON objects; tool calls arrive fully formed rather than in fragments.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

// OllamaConfig configures an Ollama provider.
type OllamaConfig struct {
	// BaseURL is the daemon root. Defaults to DefaultOllamaBaseURL.
	BaseURL string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewOllama creates a provider for a local Ollama daemon.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Ollama{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: client,
	}
}

// Name implements Provider.
func (p *Ollama) Name() string { return "ollama" }

// Available reports whether the daemon answers its tag listing.
func (p *Ollama) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Models lists locally pulled model names.
func (p *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Complete implements Provider with a single non-streaming chat call.
func (p *Ollama) Complete(ctx context.Context, req Request) (Message, error) {
	resp, err := p.send(ctx, req, false)
	if err != nil {
		return Message{}, err
	}
	defer resp.Body.Close()

	var payload ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Message{}, fmt.Errorf("decode chat response: %w", err)
	}
	return fromOllamaMessage(payload.Message)
}

// Stream implements Provider by scanning the NDJSON response line by line.
func (p *Ollama) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := p.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var payload ollamaChatResponse
			if err := json.Unmarshal(line, &payload); err != nil {
				out <- Chunk{Err: fmt.Errorf("decode stream line: %w", err), Done: true}
				return
			}
			if payload.Error != "" {
				out <- Chunk{Err: fmt.Errorf("ollama: %s", payload.Error), Done: true}
				return
			}
			if payload.Message.Content != "" {
				out <- Chunk{Text: payload.Message.Content}
			}
			for i, tc := range payload.Message.ToolCalls {
				call := fromOllamaToolCall(tc, i)
				out <- Chunk{ToolCall: &call}
			}
			if payload.Done {
				out <- Chunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: fmt.Errorf("read stream: %w", err), Done: true}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

// send posts one chat request and returns the raw response after checking
// the status line.
func (p *Ollama) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   stream,
	}
	if req.Temperature > 0 {
		body.Options.Temperature = req.Temperature
	}
	if req.TopP > 0 {
		body.Options.TopP = req.TopP
	}
	if req.MaxTokens > 0 {
		body.Options.NumPredict = req.MaxTokens
	}
	for _, t := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		body.Tools = append(body.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  schema,
			},
		})
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("ollama: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return resp, nil
}

// Wire types for the native Ollama API.

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  struct {
		Temperature float32 `json:"temperature,omitempty"`
		TopP        float32 `json:"top_p,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// toOllamaMessages converts port messages to the native format. Ollama has
// no tool_call_id; tool results are plain tool-role content in order.
func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		wire := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, call := range m.ToolCalls {
			var tc ollamaToolCall
			tc.Function.Name = call.Name
			tc.Function.Arguments = call.Arguments
			wire.ToolCalls = append(wire.ToolCalls, tc)
		}
		out = append(out, wire)
	}
	return out
}

// fromOllamaMessage converts a native reply to a port message. Ollama does
// not assign call ids, so stable synthetic ids are minted per position.
func fromOllamaMessage(m ollamaMessage) (Message, error) {
	out := Message{Role: RoleAssistant, Content: m.Content}
	for i, tc := range m.ToolCalls {
		call := fromOllamaToolCall(tc, i)
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func fromOllamaToolCall(tc ollamaToolCall, position int) ToolCall {
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{
		ID:        fmt.Sprintf("call_%d_%s", position, tc.Function.Name),
		Name:      tc.Function.Name,
		Arguments: args,
	}
}
