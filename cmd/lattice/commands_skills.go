package main

import (
	"github.com/spf13/cobra"
)

func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect and invoke skills",
	}
	cmd.AddCommand(
		buildSkillsListCmd(),
		buildSkillsCallCmd(),
	)
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var showTools bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the skills the configuration enables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, showTools)
		},
	}
	cmd.Flags().BoolVarP(&showTools, "tools", "t", false, "Show each skill's tools")
	return cmd
}

func buildSkillsCallCmd() *cobra.Command {
	var rawArgs []string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke one tool directly",
		Long: `Invoke a registered tool without going through the model. Arguments
are passed as repeated --arg key=value flags and validated against the
tool's schema before the handler runs.`,
		Example: `  lattice skills call datetime_now
  lattice skills call math_eval --arg expression="3*(2+1)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsCall(cmd, args[0], rawArgs)
		},
	}
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Tool argument as key=value (repeatable)")
	return cmd
}
