package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/config"
	"github.com/raym33/lattice/internal/skills"
)

const toolCallTimeout = 30 * time.Second

// buildRegistry loads the configured skill set, warning about (not
// failing on) individual skills that refuse to load.
func buildRegistry(cfg config.Config, logger *slog.Logger) *skills.Registry {
	registry := skills.NewRegistry(logger)
	_, errs := skills.Load(registry, skillConfig(cfg), logger)
	for name, err := range errs {
		logger.Warn("skill failed to load", "skill", name, "error", err)
	}
	return registry
}

func runSkillsList(cmd *cobra.Command, showTools bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry := buildRegistry(cfg, slog.Default())

	out := cmd.OutOrStdout()
	list := registry.Skills()
	fmt.Fprintf(out, "Skills (%d):\n", len(list))
	for _, s := range list {
		fmt.Fprintf(out, "  - %s: %s\n", s.Name, s.Description)
		if showTools {
			for _, tool := range s.Tools {
				fmt.Fprintf(out, "      %s: %s\n", tool.Name(), tool.Description())
			}
		}
	}
	return nil
}

func runSkillsCall(cmd *cobra.Command, toolName string, rawArgs []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()
	registry := buildRegistry(cfg, logger)

	if _, ok := registry.Tool(toolName); !ok {
		return fmt.Errorf("tool not found: %s", toolName)
	}
	args, err := parseToolArgs(rawArgs)
	if err != nil {
		return err
	}

	closeAudit := openAudit(cfg)
	defer closeAudit()

	ctx, cancel := context.WithTimeout(cmd.Context(), toolCallTimeout)
	defer cancel()

	result, err := audit.Audited(ctx, audit.ActionToolCalled, func() (string, error) {
		return registry.Call(ctx, toolName, args)
	})
	if err != nil {
		return fmt.Errorf("call %s: %w", toolName, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}
