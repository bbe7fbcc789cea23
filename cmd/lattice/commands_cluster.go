package main

import (
	"github.com/spf13/cobra"
)

func buildClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect cluster state and model fit",
	}
	cmd.AddCommand(
		buildClusterInfoCmd(),
		buildClusterCheckCmd(),
	)
	return cmd
}

func buildClusterInfoCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the cluster roster of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClusterInfo(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildClusterCheckCmd() *cobra.Command {
	var quantization string
	cmd := &cobra.Command{
		Use:   "check <model>",
		Short: "Check whether this machine could serve a model",
		Long: `Probe local hardware and report whether the model fits at the given
quantization. Works offline; no server or cluster required.`,
		Example: `  lattice cluster check llama-70b
  lattice cluster check mistral-7b -q 8bit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClusterCheck(cmd, args[0], quantization)
		},
	}
	cmd.Flags().StringVarP(&quantization, "quantization", "q", "4bit", "Quantization level")
	return cmd
}
