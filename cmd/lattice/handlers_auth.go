package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/audit"
	"github.com/raym33/lattice/internal/auth"
	"github.com/raym33/lattice/internal/config"
)

func runLogin(cmd *cobra.Command, flags clientFlags, username string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	password, err := promptPassword(cmd, bufio.NewReader(cmd.InOrStdin()), "Password")
	if err != nil {
		return err
	}

	var resp struct {
		Token    string   `json:"token"`
		Username string   `json:"username"`
		Scopes   []string `json:"scopes"`
	}
	payload := map[string]string{"username": username, "password": password}
	if err := flags.client(cfg).postJSON(cmd.Context(), "/v1/auth/login", payload, &resp); err != nil {
		return err
	}

	// Status goes to stderr; stdout carries only the token so the command
	// composes with $(...) substitution.
	fmt.Fprintf(cmd.ErrOrStderr(), "Logged in as %s (scopes: %s)\n",
		resp.Username, strings.Join(resp.Scopes, ", "))
	fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
	return nil
}

func runKeysCreate(cmd *cobra.Command, flags clientFlags, name string, scopes []string, ttl time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payload := map[string]any{"name": name}
	if len(scopes) > 0 {
		payload["scopes"] = scopes
	}
	if ttl > 0 {
		payload["ttl_seconds"] = int64(ttl / time.Second)
	}

	var resp struct {
		Key       string     `json:"key"`
		KeyID     string     `json:"key_id"`
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := flags.client(cfg).postJSON(cmd.Context(), "/v1/auth/keys", payload, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key %s (%s) scopes: %s\n", resp.Name, resp.KeyID, strings.Join(resp.Scopes, ", "))
	if resp.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", resp.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "\n%s\n\nThis is the only time the key is shown.\n", resp.Key)
	return nil
}

func runKeysList(cmd *cobra.Command, flags clientFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var resp struct {
		Keys  []auth.APIKey `json:"keys"`
		Total int           `json:"total"`
	}
	if err := flags.client(cfg).getJSON(cmd.Context(), "/v1/auth/keys", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API keys (%d):\n", resp.Total)
	for _, key := range resp.Keys {
		line := fmt.Sprintf("  - %s (%s) scopes=%s", key.Name, key.KeyID, strings.Join(key.Scopes, ","))
		if key.ExpiresAt != nil {
			line += " expires=" + key.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runKeysRevoke(cmd *cobra.Command, flags clientFlags, keyID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := flags.client(cfg).deleteJSON(cmd.Context(), "/v1/auth/keys/"+keyID, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", keyID)
	return nil
}

// openAuthService opens the same account store the server reads. The
// second result closes the store.
func openAuthService(cfg config.Config) (*auth.Service, func() error, error) {
	if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
		return nil, nil, fmt.Errorf("state directory: %w", err)
	}
	store, err := auth.NewSQLiteStore(filepath.Join(config.DataDir(), "auth.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open account store: %w", err)
	}
	svc := auth.NewService(store, auth.Options{
		Secret: cfg.API.SecretKey,
		Logger: slog.Default(),
	})
	return svc, store.Close, nil
}

func runUsersAdd(cmd *cobra.Command, username string, scopes []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, closeStore, err := openAuthService(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// One reader for both prompts; a fresh reader per prompt could buffer
	// past the first newline and drop the confirmation line.
	reader := bufio.NewReader(cmd.InOrStdin())
	password, err := promptPassword(cmd, reader, "Password")
	if err != nil {
		return err
	}
	confirm, err := promptPassword(cmd, reader, "Confirm password")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	defer openAudit(cfg)()
	ctx := cmd.Context()
	user, err := svc.CreateUser(ctx, username, password, scopes)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	audit.Log(ctx, &audit.Event{
		Action:   audit.ActionUserCreated,
		Username: user.Username,
		Success:  true,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (scopes: %s)\n",
		user.Username, strings.Join(user.Scopes, ", "))
	return nil
}

func runUsersList(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, closeStore, err := openAuthService(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	users, err := svc.Users(cmd.Context())
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Accounts (%d):\n", len(users))
	for _, u := range users {
		marker := ""
		if u.Disabled {
			marker = " (disabled)"
		}
		fmt.Fprintf(out, "  - %s scopes=%s%s\n", u.Username, strings.Join(u.Scopes, ","), marker)
	}
	return nil
}

func runUsersSetDisabled(cmd *cobra.Command, username string, disabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, closeStore, err := openAuthService(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	defer openAudit(cfg)()

	ctx := cmd.Context()
	if err := svc.SetUserDisabled(ctx, username, disabled); err != nil {
		return err
	}
	action, verb := audit.ActionUserEnabled, "Enabled"
	if disabled {
		action, verb = audit.ActionUserDisabled, "Disabled"
	}
	audit.Log(ctx, &audit.Event{Action: action, Username: username, Success: true})
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, username)
	return nil
}

// promptPassword reads one line from reader, prompting on stderr. Plain
// line read; pipelines can feed stdin.
func promptPassword(cmd *cobra.Command, reader *bufio.Reader, label string) (string, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	return strings.TrimRight(line, "\r\n"), nil
}
