package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultChatTimeout bounds a single blocking model call.
	DefaultChatTimeout = 120 * time.Second

	// DefaultMaxIterations bounds the chat-with-tools loop.
	DefaultMaxIterations = 10

	// iterationLimitMessage is returned verbatim when the tool loop runs out
	// of iterations without the model producing a final answer.
	iterationLimitMessage = "Reached maximum tool iterations without a final answer."
)

// Options configures a Backend.
type Options struct {
	// Model is the model identifier sent with every request.
	Model string

	// SystemPrompt, when non-empty, is installed into history at creation.
	SystemPrompt string

	// Temperature is forwarded to the provider.
	Temperature float32

	// MaxTokens caps the completion length (0 = provider default).
	MaxTokens int

	// MaxContextTokens bounds the history snapshot sent per request
	// (0 = unbounded). Oldest non-system turns fall off first.
	MaxContextTokens int

	// ChatTimeout bounds each blocking model call.
	ChatTimeout time.Duration

	// MaxIterations bounds the tool loop.
	MaxIterations int

	// Logger receives backend diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns the baseline backend options.
func DefaultOptions() Options {
	return Options{
		ChatTimeout:   DefaultChatTimeout,
		MaxIterations: DefaultMaxIterations,
	}
}

// Backend binds a Provider to a conversation History and implements the
// chat, streaming, and tool-loop semantics shared by every variant.
//
// A Backend is owned by a single agent or request and is not safe for
// concurrent use. Model-path failures are returned as assistant messages
// with content prefixed "Error:", never as Go errors, so loops above it
// terminate deterministically.
type Backend struct {
	provider Provider
	history  *History
	opts     Options
	logger   *slog.Logger
}

// NewBackend wraps a provider with conversation state.
func NewBackend(p Provider, opts Options) *Backend {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = DefaultChatTimeout
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		provider: p,
		history:  NewHistory(),
		opts:     opts,
		logger:   logger.With("provider", p.Name()),
	}
	if opts.SystemPrompt != "" {
		b.history.SetSystem(opts.SystemPrompt)
	}
	return b
}

// Name returns the underlying provider name.
func (b *Backend) Name() string { return b.provider.Name() }

// History returns the conversation history owned by this backend.
func (b *Backend) History() *History { return b.history }

// Available reports whether the underlying runtime is reachable.
func (b *Backend) Available(ctx context.Context) bool {
	return b.provider.Available(ctx)
}

// Models lists the model identifiers the underlying runtime serves.
func (b *Backend) Models(ctx context.Context) ([]string, error) {
	return b.provider.Models(ctx)
}

// Chat sends one user turn and returns the assistant reply.
//
// A non-empty message is appended to history before the call. On success the
// assistant message, tool calls included in emitted order, is appended to
// history and returned. On transport or decode failure the returned message
// carries "Error: ..." content and history gains nothing beyond the user
// turn.
func (b *Backend) Chat(ctx context.Context, message string, tools []Tool) Message {
	if message != "" {
		b.history.Append(NewUserMessage(message))
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.ChatTimeout)
	defer cancel()

	reply, err := b.provider.Complete(ctx, b.request(tools))
	if err != nil {
		b.logger.Warn("chat failed", "error", err)
		return Message{Role: RoleAssistant, Content: "Error: " + err.Error()}
	}
	reply.Role = RoleAssistant
	b.history.Append(reply)
	return reply
}

// ChatStream sends one user turn and streams the assistant reply as text
// chunks. The concatenation of the chunks equals the content Chat would have
// returned for the same inputs. On failure a single "Error: ..." chunk is
// emitted and the stream ends. After a clean completion the full assistant
// message is appended to history exactly once.
func (b *Backend) ChatStream(ctx context.Context, message string) <-chan string {
	if message != "" {
		b.history.Append(NewUserMessage(message))
	}
	out := make(chan string)

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, b.opts.ChatTimeout)
		defer cancel()

		chunks, err := b.provider.Stream(ctx, b.request(nil))
		if err != nil {
			b.logger.Warn("stream failed to start", "error", err)
			b.deliver(ctx, out, "Error: "+err.Error())
			return
		}

		var full strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				b.logger.Warn("stream failed", "error", chunk.Err)
				b.deliver(ctx, out, "Error: "+chunk.Err.Error())
				return
			}
			if chunk.Text == "" {
				continue
			}
			full.WriteString(chunk.Text)
			if !b.deliver(ctx, out, chunk.Text) {
				return
			}
		}
		b.history.Append(Message{Role: RoleAssistant, Content: full.String()})
	}()
	return out
}

// deliver sends one chunk unless the consumer is gone.
func (b *Backend) deliver(ctx context.Context, out chan<- string, text string) bool {
	select {
	case out <- text:
		return true
	case <-ctx.Done():
		return false
	}
}

// ExecuteTools runs the given calls in emitted order and returns the
// tool-role result messages, which are also appended to history.
//
// Unknown tool names produce a "Tool not found" result; handler errors are
// captured as result text. Execution never fails the caller: the model sees
// every outcome as a tool message and gets the chance to recover.
func (b *Backend) ExecuteTools(ctx context.Context, calls []ToolCall, tools []Tool) []Message {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	results := make([]Message, 0, len(calls))
	for _, call := range calls {
		var content string
		tool, ok := byName[call.Name]
		switch {
		case !ok:
			content = fmt.Sprintf("Tool not found: %s", call.Name)
		default:
			out, err := tool.Call(ctx, call.Arguments)
			if err != nil {
				content = "Error: " + err.Error()
			} else {
				content = out
			}
		}
		msg := NewToolMessage(call.ID, call.Name, content)
		b.history.Append(msg)
		results = append(results, msg)
	}
	return results
}

// ChatWithTools runs the iterative model/tool dialogue.
//
// The user message is sent on the first iteration only; follow-up iterations
// resend the grown history with empty input. The loop ends when the model
// answers without tool calls, or after MaxIterations model calls, in which
// case a fixed limit notice is returned.
func (b *Backend) ChatWithTools(ctx context.Context, message string, tools []Tool) string {
	input := message
	for i := 0; i < b.opts.MaxIterations; i++ {
		reply := b.Chat(ctx, input, tools)
		input = ""

		if len(reply.ToolCalls) == 0 {
			return reply.Content
		}
		b.logger.Debug("executing tool calls", "count", len(reply.ToolCalls), "iteration", i+1)
		b.ExecuteTools(ctx, reply.ToolCalls, tools)
	}
	b.logger.Warn("tool loop hit iteration limit", "max_iterations", b.opts.MaxIterations)
	return iterationLimitMessage
}

// request snapshots history and options into a provider request.
func (b *Backend) request(tools []Tool) Request {
	return Request{
		Model:       b.opts.Model,
		Messages:    b.history.Window(b.opts.MaxContextTokens),
		Tools:       tools,
		Temperature: b.opts.Temperature,
		MaxTokens:   b.opts.MaxTokens,
	}
}
