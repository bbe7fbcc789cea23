package llm

import (
	"context"
	"log/slog"
	"time"
)

// ProbeTimeout is the hard cap on a single availability probe.
const ProbeTimeout = 2 * time.Second

// DetectConfig narrows auto-detection.
type DetectConfig struct {
	// Preferred short-circuits detection to one provider name
	// (openai-compat, ollama, mlx, mock). Empty means probe all.
	Preferred string

	// BaseURL overrides the probed endpoint for the preferred provider.
	BaseURL string

	// APIKey is used for OpenAI-compatible endpoints.
	APIKey string
}

// Detect probes the known runtimes in preference order and returns the
// first one that answers: the preferred override if set, then MLX when the
// host is Apple silicon, then Ollama, then an OpenAI-compatible server on
// its conventional port. Every probe is capped at ProbeTimeout. A nil
// result with a nil error means no runtime is reachable, which is a valid
// outcome; callers decide whether that is fatal.
func Detect(ctx context.Context, cfg DetectConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Preferred != "" {
		p := providerFor(cfg.Preferred, cfg)
		if p == nil {
			logger.Warn("unknown preferred provider", "provider", cfg.Preferred)
			return nil
		}
		if probe(ctx, p) {
			logger.Info("backend selected", "provider", p.Name())
			return p
		}
		logger.Warn("preferred provider unavailable", "provider", cfg.Preferred)
		return nil
	}

	var candidates []Provider
	if onAppleSilicon() {
		candidates = append(candidates, NewMLX(cfg.BaseURL))
	}
	candidates = append(candidates,
		NewOllama(OllamaConfig{}),
		NewOpenAICompat(OpenAICompatConfig{APIKey: cfg.APIKey}),
	)

	for _, p := range candidates {
		if probe(ctx, p) {
			logger.Info("backend detected", "provider", p.Name())
			return p
		}
		logger.Debug("backend probe failed", "provider", p.Name())
	}
	logger.Warn("no backend detected")
	return nil
}

// providerFor builds the provider named by a config value.
func providerFor(name string, cfg DetectConfig) Provider {
	switch name {
	case "openai-compat":
		return NewOpenAICompat(OpenAICompatConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	case "ollama":
		return NewOllama(OllamaConfig{BaseURL: cfg.BaseURL})
	case "mlx":
		return NewMLX(cfg.BaseURL)
	case "mock":
		return NewMock()
	default:
		return nil
	}
}

// probe checks availability under the probe deadline.
func probe(ctx context.Context, p Provider) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	return p.Available(ctx)
}
