// Package memory holds conversational context across turns. The agent
// consumes the Store port; implementations range from a no-op to a SQLite
// store with keyword recall.
package memory

import "context"

// Store is the context port the agent talks to.
type Store interface {
	// Add records one conversation turn.
	Add(ctx context.Context, role, content string) error

	// RelevantContext returns prior turns worth prepending to the prompt
	// for the given input, oldest first, formatted as "role: content".
	RelevantContext(ctx context.Context, input string, limit int) ([]string, error)

	// SaveSession checkpoints session metadata.
	SaveSession(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Noop discards everything. Used when memory is disabled.
type Noop struct{}

func (Noop) Add(context.Context, string, string) error { return nil }

func (Noop) RelevantContext(context.Context, string, int) ([]string, error) { return nil, nil }

func (Noop) SaveSession(context.Context) error { return nil }

func (Noop) Close() error { return nil }
