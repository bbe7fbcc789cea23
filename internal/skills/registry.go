package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/raym33/lattice/internal/llm"
)

// Registry holds every loaded skill and a flat name index of their tools.
//
// Registration happens at startup and on manifest reloads; lookups happen on
// every tool call. A read/write mutex keeps the hot path cheap.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills: make(map[string]*Skill),
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a skill and all its tools. A duplicate skill name replaces
// the previous registration; a tool name clashing with another skill's tool
// is an error.
func (r *Registry) Register(s *Skill) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range s.Tools {
		if owner, ok := r.toolOwner(t.Name()); ok && owner != s.Name {
			return fmt.Errorf("tool %s already registered by skill %s", t.Name(), owner)
		}
	}
	if prev, ok := r.skills[s.Name]; ok {
		for _, t := range prev.Tools {
			delete(r.tools, t.Name())
		}
	}
	r.skills[s.Name] = s
	for _, t := range s.Tools {
		r.tools[t.Name()] = t
	}
	r.logger.Debug("skill registered", "skill", s.Name, "tools", len(s.Tools))
	return nil
}

// Unregister removes a skill and its tools. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.skills[name]
	if !ok {
		return
	}
	for _, t := range s.Tools {
		delete(r.tools, t.Name())
	}
	delete(r.skills, name)
}

// toolOwner reports which skill registered a tool name. Caller holds the
// lock.
func (r *Registry) toolOwner(toolName string) (string, bool) {
	for name, s := range r.skills {
		for _, t := range s.Tools {
			if t.Name() == toolName {
				return name, true
			}
		}
	}
	return "", false
}

// Skill returns a skill by name.
func (r *Registry) Skill(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Skills returns all skills sorted by name.
func (r *Registry) Skills() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tool returns a tool by name.
func (r *Registry) Tool(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SkillOf returns the skill owning the named tool.
func (r *Registry) SkillOf(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.toolOwner(toolName)
}

// Tools returns every registered tool sorted by name, typed for the
// backend port.
func (r *Registry) Tools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Call dispatches a direct tool invocation, as used by the skills/call
// endpoint and the CLI.
func (r *Registry) Call(ctx context.Context, toolName string, args map[string]any) (string, error) {
	t, ok := r.Tool(toolName)
	if !ok {
		return "", fmt.Errorf("tool not found: %s", toolName)
	}
	return t.Call(ctx, args)
}

// Factory builds one skill against the runtime config.
type Factory func(cfg Config) (*Skill, error)

// Load instantiates every builtin allowed by cfg into reg. Skills outside
// the enabled set are skipped; construction errors are recorded and skipped
// so one broken skill cannot take down the rest. It returns the loaded
// names and the per-skill errors.
func Load(reg *Registry, cfg Config, logger *slog.Logger) ([]string, map[string]error) {
	if logger == nil {
		logger = slog.Default()
	}
	enabled := enabledSet(cfg)

	var loaded []string
	errs := make(map[string]error)
	for _, name := range builtinNames() {
		if _, ok := enabled[name]; !ok {
			logger.Debug("skill disabled", "skill", name)
			continue
		}
		skill, err := builtins[name](cfg)
		if err != nil {
			logger.Warn("skill failed to load", "skill", name, "error", err)
			errs[name] = err
			continue
		}
		if err := reg.Register(skill); err != nil {
			logger.Warn("skill failed to register", "skill", name, "error", err)
			errs[name] = err
			continue
		}
		loaded = append(loaded, name)
	}
	return loaded, errs
}

// enabledSet resolves the configured mode to a concrete name set.
func enabledSet(cfg Config) map[string]struct{} {
	out := make(map[string]struct{})
	switch cfg.Mode {
	case "minimal":
		for _, name := range minimalSkills {
			out[name] = struct{}{}
		}
	case "all", "":
		for _, name := range builtinNames() {
			out[name] = struct{}{}
		}
	default: // auto
		if len(cfg.Enabled) == 0 {
			for _, name := range builtinNames() {
				out[name] = struct{}{}
			}
			break
		}
		for _, name := range cfg.Enabled {
			out[name] = struct{}{}
		}
	}
	return out
}
