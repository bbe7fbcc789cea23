// Package config defines the runtime configuration surface.
//
// The recognized options are enumerated in knownKeys; anything else in the
// file is ignored with a warning so that a typo never silently changes
// behavior. Malformed values are startup errors.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/ratelimit"
)

// DefaultConfigName is the config file looked up in the working directory
// when no --config flag is given.
const DefaultConfigName = "lattice.yaml"

// Config is the full runtime configuration tree.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Skills        SkillsConfig        `yaml:"skills"`
	API           APIConfig           `yaml:"api"`
	RateLimit     ratelimit.Config    `yaml:"rate_limit"`
	Audit         AuditConfig         `yaml:"audit"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Observability ObservabilityConfig `yaml:"observability"`
	Memory        MemoryConfig        `yaml:"memory"`
}

// LLMConfig selects and parameterizes the model backend.
type LLMConfig struct {
	// Provider is one of auto, openai-compat, ollama, mlx, mock.
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider's conventional endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// MaxContextTokens bounds the history window per request (0 = unbounded).
	MaxContextTokens int `yaml:"max_context_tokens"`

	// APIKey authenticates against OpenAI-compatible endpoints.
	APIKey string `yaml:"api_key"`
}

// SkillsConfig selects the loaded skill set.
type SkillsConfig struct {
	// Mode is one of auto, all, minimal.
	Mode string `yaml:"mode"`

	// Enabled lists skill names for auto mode.
	Enabled []string `yaml:"enabled"`

	// Dir is an optional directory of skill manifests, watched for changes.
	Dir string `yaml:"dir"`

	// FSRoot confines the fs skill to a directory subtree.
	FSRoot string `yaml:"fs_root"`
}

// APIConfig configures the HTTP service plane.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SecretKey signs JWTs. Empty means an ephemeral per-process secret:
	// tokens then die with the process, which is logged at startup.
	SecretKey string `yaml:"secret_key"`
}

// AuditConfig configures the audit trail. The rotation knobs are the audit
// package's own config so the section hands straight to audit.New.
type AuditConfig struct {
	Enabled      bool `yaml:"enabled"`
	audit.Config `yaml:",inline"`
}

// ClusterConfig configures multi-node operation.
type ClusterConfig struct {
	// Discovery is manual or p2p.
	Discovery string `yaml:"discovery"`

	// NodeName labels this node in cluster rosters. Defaults to the hostname.
	NodeName string `yaml:"node_name"`

	// Peers lists peer base URLs dialed at startup when discovery is p2p.
	Peers []string `yaml:"peers"`
}

// ObservabilityConfig configures trace export. Metrics are always on.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP/gRPC collector address. Empty disables export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	// Path is the SQLite database file. Empty disables persistent memory.
	Path string `yaml:"path"`
}

// DataDir returns the directory for runtime state (auth database, memory
// database, audit logs). LATTICE_HOME overrides; otherwise ~/.lattice.
func DataDir() string {
	if dir := os.Getenv("LATTICE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lattice"
	}
	return filepath.Join(home, ".lattice")
}

// Default returns the configuration used when no file (or an empty file) is
// present. Load decodes on top of it, so absent keys keep these values.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Provider: "auto"},
		Skills:    SkillsConfig{Mode: "auto"},
		API:       APIConfig{Host: "127.0.0.1", Port: 8090},
		RateLimit: ratelimit.DefaultConfig(),
		Audit: AuditConfig{
			Enabled: true,
			Config: audit.Config{
				Dir:       filepath.Join(DataDir(), "audit"),
				MaxFileMB: audit.DefaultConfig().MaxFileMB,
				Backups:   audit.DefaultConfig().Backups,
			},
		},
		Cluster: ClusterConfig{Discovery: "manual"},
		Memory:  MemoryConfig{Path: filepath.Join(DataDir(), "memory.db")},
	}
}

var (
	llmProviders   = map[string]bool{"auto": true, "openai-compat": true, "ollama": true, "mlx": true, "mock": true}
	skillModes     = map[string]bool{"auto": true, "all": true, "minimal": true}
	discoveryModes = map[string]bool{"manual": true, "p2p": true}
)

// Validate rejects out-of-range values. Load calls it; callers assembling a
// Config in code should too.
func (c *Config) Validate() error {
	if !llmProviders[c.LLM.Provider] {
		return fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.MaxContextTokens < 0 {
		return fmt.Errorf("llm.max_context_tokens: must not be negative")
	}
	if !skillModes[c.Skills.Mode] {
		return fmt.Errorf("skills.mode: unknown mode %q", c.Skills.Mode)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port: %d out of range", c.API.Port)
	}
	if !ratelimit.KnownTier(c.RateLimit.Tier) {
		return fmt.Errorf("rate_limit.tier: unknown tier %q", c.RateLimit.Tier)
	}
	if c.Audit.MaxFileMB <= 0 {
		return fmt.Errorf("audit.max_file_mb: must be positive")
	}
	if c.Audit.Backups < 1 {
		return fmt.Errorf("audit.backups: must be at least 1")
	}
	if !discoveryModes[c.Cluster.Discovery] {
		return fmt.Errorf("cluster.discovery: unknown mode %q", c.Cluster.Discovery)
	}
	return nil
}

// Addr returns the host:port the API server binds.
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
