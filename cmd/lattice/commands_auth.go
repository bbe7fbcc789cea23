package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildLoginCmd() *cobra.Command {
	var (
		flags    clientFlags
		username string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a bearer token from a running server",
		Long: `Log in with username and password and print the bearer token.

Only the token goes to stdout, so it can feed command substitution:

  export LATTICE_TOKEN=$(lattice login -u admin)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, flags, username)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username to log in as")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func buildKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys on a running server",
	}
	cmd.AddCommand(
		buildKeysCreateCmd(),
		buildKeysListCmd(),
		buildKeysRevokeCmd(),
	)
	return cmd
}

func buildKeysCreateCmd() *cobra.Command {
	var (
		flags  clientFlags
		name   string
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key",
		Long: `Mint an API key scoped at or below the granter's own scopes. The raw
key is printed once and never stored.`,
		Example: `  lattice keys create --name ci --scope read --scope chat
  lattice keys create --name temp --scope read --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysCreate(cmd, flags, name, scopes, ttl)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Key name")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Scope to grant (repeatable; default: the granter's scopes)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (0 means no expiry)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildKeysListCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildKeysRevokeCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "revoke <key_id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRevoke(cmd, flags, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

func buildUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts in the local store",
		Long: `Manage the account store the server reads. These commands edit local
state directly; run them on the machine that hosts the server.`,
	}
	cmd.AddCommand(
		buildUsersAddCmd(),
		buildUsersListCmd(),
		buildUsersDisableCmd(),
		buildUsersEnableCmd(),
	)
	return cmd
}

func buildUsersAddCmd() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Example: `  lattice users add alice --scope read --scope chat
  lattice users add ops --scope admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersAdd(cmd, args[0], scopes)
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Scope to grant (repeatable)")
	return cmd
}

func buildUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersList(cmd)
		},
	}
}

func buildUsersDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <username>",
		Short: "Disable an account and invalidate its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersSetDisabled(cmd, args[0], true)
		},
	}
}

func buildUsersEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <username>",
		Short: "Re-enable a disabled account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersSetDisabled(cmd, args[0], false)
		},
	}
}
