// Package llm defines the backend port: a uniform chat, streaming, and
// tool-calling surface over heterogeneous model runtimes.
//
// A Backend binds one Provider (the wire-level adapter) to one conversation
// History and implements the shared semantics every variant must honor:
// transport failures come back as assistant messages prefixed "Error:" rather
// than as Go errors, streamed chunks concatenate to the same content a
// blocking call would return, and tool results land in history in the order
// the model emitted the calls.
//
// Provider implementations live alongside this file: OpenAICompat (any
// OpenAI-compatible server), Ollama (native API), MLX (the local MLX server,
// OpenAI-compatible), and Mock (scripted, for tests and offline use). The
// distributed cluster contributes a fifth variant from its own package.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles. The wire format follows the OpenAI chat convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
//
// A tool-role message must carry ToolCallID. An assistant message may have
// empty content only when it carries tool calls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a structured request from the model to invoke a named tool.
// ID is unique within a single assistant turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool is a callable capability the model may invoke. Implementations are
// registered by the skills layer; the backend treats them as black boxes.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description returns the human/model-readable purpose of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Call invokes the tool with parsed arguments and returns its output.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Request is the wire-level completion request handed to a Provider.
// Messages is the full conversation snapshot including the system prompt.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// Chunk is one element of a streamed completion.
//
// Text chunks arrive in generation order. Completed tool calls are delivered
// once their arguments are fully accumulated. Err terminates the stream.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Err      error
	Done     bool
}

// Provider is the wire-level half of a backend variant: one completion
// request in, one parsed reply (or chunk stream) out. Providers hold no
// conversation state.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Available reports whether the runtime answers on its endpoint. Probes
	// must respect ctx deadlines; callers cap them at two seconds.
	Available(ctx context.Context) bool

	// Models lists the model identifiers the runtime currently serves.
	Models(ctx context.Context) ([]string, error)

	// Complete performs one blocking completion.
	Complete(ctx context.Context, req Request) (Message, error)

	// Stream performs one streaming completion. The returned channel is
	// closed after the final chunk. Errors after stream start are delivered
	// as a Chunk with Err set.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// NewUserMessage returns a user-role message with the given content.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewToolMessage returns a tool-role result message for the given call.
func NewToolMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}
