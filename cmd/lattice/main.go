// Package main is the lattice command line: a local-first AI agent
// runtime with an authenticated HTTP service plane and optional
// distribution of one model across several machines.
//
// Run the server:
//
//	lattice serve --config lattice.yaml
//
// Talk to a local model, no server needed:
//
//	lattice chat "what does this stack trace mean?"
//
// # Environment Variables
//
//   - LATTICE_CONFIG: configuration file path (default: lattice.yaml)
//   - LATTICE_HOME: state directory for accounts, memory, and audit logs
//   - LATTICE_SERVER: base URL for the server-backed commands
//   - LATTICE_TOKEN: bearer token for the server-backed commands
//   - LATTICE_API_KEY: API key for the server-backed commands
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/config"
	"github.com/raym33/lattice/internal/version"
)

// configPath is the root --config flag, shared by every subcommand.
var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice - local AI agent runtime",
		Long: `Lattice runs language models on your own hardware: a tool-calling agent
over local backends (Ollama, MLX, any OpenAI-compatible server), an
authenticated HTTP API, and optional distribution of one model across
several machines.`,
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default lattice.yaml; or set LATTICE_CONFIG)")

	root.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildSkillsCmd(),
		buildLoginCmd(),
		buildKeysCmd(),
		buildUsersCmd(),
		buildClusterCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return nil
		},
	}
}

// resolveConfigPath picks the config file: the --config flag, then
// LATTICE_CONFIG, then lattice.yaml in the working directory. The second
// result reports whether the path was named explicitly.
func resolveConfigPath() (string, bool) {
	if strings.TrimSpace(configPath) != "" {
		return configPath, true
	}
	if env := strings.TrimSpace(os.Getenv("LATTICE_CONFIG")); env != "" {
		return env, true
	}
	return config.DefaultConfigName, false
}

// loadConfig reads the resolved config file. A missing file is only an
// error when something pointed at it explicitly; otherwise defaults
// apply. Unrecognized keys are logged and dropped.
func loadConfig() (config.Config, error) {
	path, explicit := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	cfg, unknown, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	for _, key := range unknown {
		slog.Warn("ignoring unknown config key", "key", key)
	}
	return cfg, nil
}

// openAudit installs the configured audit logger as the process default,
// so the mutating commands leave the same trail the server does. The
// returned closer is a no-op when auditing is disabled or unavailable.
func openAudit(cfg config.Config) func() {
	if !cfg.Audit.Enabled {
		return func() {}
	}
	logger, err := audit.New(cfg.Audit.Config, slog.Default())
	if err != nil {
		slog.Warn("audit log unavailable", "error", err)
		return func() {}
	}
	audit.SetDefault(logger)
	return func() { _ = logger.Close() }
}

// parseToolArgs converts repeated key=value flags into a tool argument
// map. Values that parse as JSON keep their type; everything else stays
// a string.
func parseToolArgs(items []string) (map[string]any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(items))
	for _, item := range items {
		key, value, err := parseKeyValue(item)
		if err != nil {
			return nil, err
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			out[key] = parsed
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func parseKeyValue(item string) (string, string, error) {
	key, value, ok := strings.Cut(item, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("invalid arg %q, expected key=value", item)
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), nil
}
