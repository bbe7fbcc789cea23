package main

import (
	"github.com/spf13/cobra"
)

func buildChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the local model",
		Long: `Chat with the configured model backend directly, no server required.

With a message argument the command answers once and exits; without one
it opens an interactive session. The agent may call registered tools
while composing an answer, except in streaming mode where tokens are
printed as they arrive.`,
		Example: `  lattice chat "summarize the design in three bullets"
  lattice chat --model qwen2.5:14b
  lattice chat --stream "tell me about goroutines"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model name (default from config)")
	cmd.Flags().StringVar(&opts.system, "system", "", "System prompt override")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Stream tokens as they arrive (disables tool calling)")
	cmd.Flags().BoolVar(&opts.noMemory, "no-memory", false, "Do not read or write conversation memory")
	cmd.Flags().StringVar(&opts.session, "session", "", "Memory session to continue")
	return cmd
}
