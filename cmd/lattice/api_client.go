package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raym33/lattice/internal/config"
)

// apiClient talks to a running lattice server. Commands that manage a
// live deployment (login, keys, cluster info) go through it; everything
// else works against local state directly.
type apiClient struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
}

// clientFlags holds the connection flags shared by server-backed
// commands. register attaches them; client resolves flag, environment,
// and config in that order.
type clientFlags struct {
	server string
	token  string
	apiKey string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "Server base URL (or set LATTICE_SERVER)")
	cmd.Flags().StringVar(&f.token, "token", "", "Bearer token (or set LATTICE_TOKEN)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (or set LATTICE_API_KEY)")
}

func (f *clientFlags) client(cfg config.Config) *apiClient {
	base := firstNonEmpty(f.server, os.Getenv("LATTICE_SERVER"), "http://"+cfg.API.Addr())
	return &apiClient{
		baseURL:    strings.TrimRight(base, "/"),
		token:      firstNonEmpty(f.token, os.Getenv("LATTICE_TOKEN")),
		apiKey:     firstNonEmpty(f.apiKey, os.Getenv("LATTICE_API_KEY")),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// do sends one request and decodes the JSON response into out (when out
// is non-nil). Server error envelopes become readable errors.
func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// apiError turns a non-2xx response into an error, preferring the
// server's error envelope over the raw status.
func (c *apiClient) apiError(path string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s: %s (%s)", path, envelope.Error.Message, envelope.Error.Code)
	}
	return fmt.Errorf("%s: %s", path, resp.Status)
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *apiClient) deleteJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}
