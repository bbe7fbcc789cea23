package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		debug       bool
		clusterMode bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lattice server",
		Long: `Run the HTTP service plane.

The server:
1. Opens the account store and creates the initial admin on first run
2. Loads skills and watches the skills directory for manifest changes
3. Probes for a local model backend (Ollama, MLX, OpenAI-compatible)
4. Serves the authenticated API until interrupted

With --cluster the node also joins configured peers and can take a
slice of a model that is too large for any single machine.`,
		Example: `  lattice serve
  lattice serve --config lattice.yaml --debug
  lattice serve --cluster`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, debug, clusterMode)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&clusterMode, "cluster", false, "Join the configured cluster peers")
	return cmd
}
