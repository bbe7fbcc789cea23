// Package skills implements the capability registry: named bundles of tools
// the model may invoke, each tool carrying a JSON-schema parameter spec and
// an opaque handler.
//
// The registry is seeded at startup from the builtin set and filtered by
// configuration; there is no runtime reflection. Tool arguments are
// validated against the tool's schema before the handler runs, so handlers
// can trust their input shape.
package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes a tool call with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a registered capability. It satisfies the backend port's tool
// interface.
type Tool struct {
	name        string
	description string
	schema      json.RawMessage
	compiled    *jsonschema.Schema
	handler     Handler
}

// NewTool builds a tool and compiles its parameter schema. A nil schema
// defaults to an unconstrained object.
func NewTool(name, description string, schema json.RawMessage, handler Handler) (*Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %s: handler is required", name)
	}
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(name+".json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return &Tool{
		name:        name,
		description: description,
		schema:      schema,
		compiled:    compiled,
		handler:     handler,
	}, nil
}

// Name returns the unique tool name.
func (t *Tool) Name() string { return t.name }

// Description returns the tool's purpose.
func (t *Tool) Description() string { return t.description }

// Schema returns the JSON Schema for the tool's parameters.
func (t *Tool) Schema() json.RawMessage { return t.schema }

// Call validates args against the schema and dispatches to the handler.
// Validation failures are returned as errors without invoking the handler.
func (t *Tool) Call(ctx context.Context, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so native Go values (ints, custom types)
	// validate the same way decoded request bodies do.
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}
	return t.handler(ctx, args)
}

// Skill is a named bundle of tools. Loading a skill contributes all its
// tools to the registry.
type Skill struct {
	Name        string
	Description string
	Tools       []*Tool
}

// Config carries the runtime settings skills receive at load time.
type Config struct {
	// Mode selects the enabled set: all, minimal, or auto.
	Mode string

	// Enabled lists skill names for auto mode. Empty means every builtin.
	Enabled []string

	// Dir is an optional directory of skill manifests, watched for changes.
	Dir string

	// FSRoot confines the fs skill. Empty disables path restriction.
	FSRoot string
}
