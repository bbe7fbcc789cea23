package llm

import "runtime"

// DefaultMLXBaseURL is the default endpoint of the local MLX server, which
// exposes an OpenAI-compatible API.
const DefaultMLXBaseURL = "http://localhost:8080/v1"

// MLX is the Provider for the local MLX server on Apple silicon. The server
// speaks the OpenAI chat API, so the variant rides OpenAICompat and only
// changes identity and defaults.
type MLX struct {
	*OpenAICompat
}

// NewMLX creates a provider for a local MLX server.
func NewMLX(baseURL string) *MLX {
	if baseURL == "" {
		baseURL = DefaultMLXBaseURL
	}
	inner := NewOpenAICompat(OpenAICompatConfig{BaseURL: baseURL})
	inner.name = "mlx"
	return &MLX{OpenAICompat: inner}
}

// onAppleSilicon reports whether the process runs where MLX can. Overridden
// in tests.
var onAppleSilicon = func() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}
