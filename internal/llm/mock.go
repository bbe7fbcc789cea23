package llm

import (
	"context"
	"strings"
	"sync"
)

// Mock is a deterministic Provider for tests and the `mock` config value.
//
// Scripted replies are consumed in order; once the script is exhausted (or
// when none was given) the provider echoes the last user message. A Mock can
// be marked unavailable or made to fail to exercise error paths.
type Mock struct {
	mu        sync.Mutex
	script    []Message
	next      int
	fail      error
	down      bool
	requests  []Request
	chunkSize int
}

// NewMock creates a mock provider with an optional scripted reply sequence.
func NewMock(script ...Message) *Mock {
	return &Mock{script: script, chunkSize: 8}
}

// FailWith makes every subsequent call return err.
func (m *Mock) FailWith(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
	return m
}

// SetAvailable toggles the availability probe result.
func (m *Mock) SetAvailable(up bool) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !up
	return m
}

// Requests returns a copy of every request the mock has served, in order.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// Available implements Provider.
func (m *Mock) Available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// Models implements Provider.
func (m *Mock) Models(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return []string{"mock-model"}, nil
}

// Complete implements Provider, returning the next scripted reply.
func (m *Mock) Complete(ctx context.Context, req Request) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.fail != nil {
		return Message{}, m.fail
	}
	return m.reply(req), nil
}

// Stream implements Provider, splitting the reply content into fixed-size
// chunks so consumers see more than one delivery.
func (m *Mock) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return nil, err
	}
	reply := m.reply(req)
	size := m.chunkSize
	m.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)
		text := reply.Content
		for len(text) > 0 {
			n := size
			if n > len(text) {
				n = len(text)
			}
			select {
			case out <- Chunk{Text: text[:n]}:
			case <-ctx.Done():
				select {
				case out <- Chunk{Err: ctx.Err(), Done: true}:
				default:
				}
				return
			}
			text = text[n:]
		}
		for i := range reply.ToolCalls {
			out <- Chunk{ToolCall: &reply.ToolCalls[i]}
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

// reply pops the next scripted message or synthesizes an echo. Caller holds
// the lock.
func (m *Mock) reply(req Request) Message {
	if m.next < len(m.script) {
		msg := m.script[m.next]
		m.next++
		if msg.Role == "" {
			msg.Role = RoleAssistant
		}
		return msg
	}
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			lastUser = req.Messages[i].Content
			break
		}
	}
	if lastUser == "" {
		return Message{Role: RoleAssistant, Content: "(mock) nothing to answer"}
	}
	return Message{Role: RoleAssistant, Content: "(mock) " + strings.TrimSpace(lastUser)}
}
