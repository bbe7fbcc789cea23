// Package agent orchestrates one conversation: user input flows through the
// backend's tool loop with a relevance-filtered tool set, prior context is
// pulled from memory, and completed turns are persisted back to it.
package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/raym33/lattice/internal/llm"
	"github.com/raym33/lattice/internal/memory"
	"github.com/raym33/lattice/internal/skills"
)

// DefaultContextTurns is the recall window handed to the memory store.
const DefaultContextTurns = 10

// Options tunes an Agent.
type Options struct {
	// ContextTurns caps how many prior turns memory contributes per run.
	ContextTurns int

	// Logger receives memory failures and run telemetry.
	Logger *slog.Logger
}

// DefaultOptions returns the baseline agent options.
func DefaultOptions() Options {
	return Options{ContextTurns: DefaultContextTurns}
}

// Agent ties a backend, a skill registry, and a memory store together.
type Agent struct {
	backend  *llm.Backend
	registry *skills.Registry
	store    memory.Store
	opts     Options
	logger   *slog.Logger
}

// New builds an agent. A nil store disables memory.
func New(backend *llm.Backend, registry *skills.Registry, store memory.Store, opts Options) *Agent {
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = DefaultContextTurns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if store == nil {
		store = memory.Noop{}
	}
	return &Agent{
		backend:  backend,
		registry: registry,
		store:    store,
		opts:     opts,
		logger:   opts.Logger.With("component", "agent"),
	}
}

// Run executes one full turn: record the input, augment it with recalled
// context, drive the tool loop, and persist the result. Backend errors come
// back as the response content, never as a Go error.
func (a *Agent) Run(ctx context.Context, input string) string {
	a.remember(ctx, llm.RoleUser, input)
	augmented := a.augment(ctx, input)

	tools := a.registry.RelevantTools(input)
	reply := a.backend.ChatWithTools(ctx, augmented, tools)

	a.remember(ctx, llm.RoleAssistant, reply)
	a.persist(ctx)
	return reply
}

// RunStream executes one streaming turn without tools. The channel yields
// text chunks; the assistant turn lands in memory once the stream ends.
func (a *Agent) RunStream(ctx context.Context, input string) <-chan string {
	a.remember(ctx, llm.RoleUser, input)
	augmented := a.augment(ctx, input)

	inner := a.backend.ChatStream(ctx, augmented)
	out := make(chan string)
	go func() {
		defer close(out)
		var full strings.Builder
		for chunk := range inner {
			full.WriteString(chunk)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		a.remember(ctx, llm.RoleAssistant, full.String())
		a.persist(ctx)
	}()
	return out
}

// augment prepends recalled context to the input. Recall failures degrade to
// the bare input.
func (a *Agent) augment(ctx context.Context, input string) string {
	lines, err := a.store.RelevantContext(ctx, input, a.opts.ContextTurns)
	if err != nil {
		a.logger.Warn("memory recall failed", "error", err)
		return input
	}
	// The input itself was just recorded; don't echo it back as context.
	if n := len(lines); n > 0 && lines[n-1] == llm.RoleUser+": "+input {
		lines = lines[:n-1]
	}
	if len(lines) == 0 {
		return input
	}
	var b strings.Builder
	b.WriteString("Relevant context from memory:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(input)
	return b.String()
}

func (a *Agent) remember(ctx context.Context, role, content string) {
	if content == "" {
		return
	}
	if err := a.store.Add(ctx, role, content); err != nil {
		a.logger.Warn("memory write failed", "role", role, "error", err)
	}
}

func (a *Agent) persist(ctx context.Context) {
	if err := a.store.SaveSession(ctx); err != nil {
		a.logger.Warn("session save failed", "error", err)
	}
}
