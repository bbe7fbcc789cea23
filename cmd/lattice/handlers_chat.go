package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/agent"
	"github.com/raym33/lattice/internal/llm"
	"github.com/raym33/lattice/internal/memory"
	"github.com/raym33/lattice/internal/skills"
)

type chatOptions struct {
	model    string
	system   string
	stream   bool
	noMemory bool
	session  string
}

func runChat(cmd *cobra.Command, args []string, opts chatOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := detectProvider(ctx, cfg, logger)
	if provider == nil {
		return fmt.Errorf("no model backend reachable; is Ollama or an OpenAI-compatible server running?")
	}

	registry := skills.NewRegistry(logger)
	_, errs := skills.Load(registry, skillConfig(cfg), logger)
	for name, err := range errs {
		logger.Warn("skill failed to load", "skill", name, "error", err)
	}

	var memStore memory.Store = memory.Noop{}
	if !opts.noMemory {
		memStore = openMemory(cfg, opts.session, logger)
	}
	defer memStore.Close()
	defer func() {
		if err := memStore.SaveSession(context.Background()); err != nil {
			logger.Warn("save session", "error", err)
		}
	}()

	model := opts.model
	if model == "" {
		model = cfg.LLM.Model
	}
	backend := llm.NewBackend(provider, llm.Options{
		Model:            model,
		SystemPrompt:     opts.system,
		MaxContextTokens: cfg.LLM.MaxContextTokens,
	})
	runner := agent.New(backend, registry, memStore, agent.Options{Logger: logger})

	out := cmd.OutOrStdout()
	if message := strings.TrimSpace(strings.Join(args, " ")); message != "" {
		return answer(ctx, out, runner, message, opts.stream)
	}

	fmt.Fprintf(out, "lattice chat (backend %s, /exit to quit)\n", provider.Name())
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}
		if err := answer(ctx, out, runner, line, opts.stream); err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

// answer prints one reply, streamed or whole.
func answer(ctx context.Context, out io.Writer, runner *agent.Agent, message string, stream bool) error {
	if stream {
		for chunk := range runner.RunStream(ctx, message) {
			fmt.Fprint(out, chunk)
		}
		fmt.Fprintln(out)
		return nil
	}
	fmt.Fprintln(out, runner.Run(ctx, message))
	return nil
}
