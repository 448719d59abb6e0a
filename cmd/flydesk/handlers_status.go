package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// healthResponse mirrors GET /healthz.
type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// llmStatus mirrors GET /api/llm/status.
type llmStatus struct {
	Provider       string   `json:"provider"`
	Type           string   `json:"type"`
	ActiveModel    string   `json:"active_model"`
	Available      bool     `json:"available"`
	LatencyMS      int64    `json:"latency_ms"`
	FallbackModels []string `json:"fallback_models"`
	Error          string   `json:"error,omitempty"`
}

// statusReport is the --json output shape.
type statusReport struct {
	Gateway  string         `json:"gateway"`
	Health   healthResponse `json:"health"`
	LLM      *llmStatus     `json:"llm,omitempty"`
	LLMError string         `json:"llm_error,omitempty"`
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
		}
		if len(body) > 0 {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// resolveHTTPBaseURL turns --addr into a base URL, falling back to the
// configured listen address. 0.0.0.0 binds everywhere but is not a
// dialable host.
func resolveHTTPBaseURL(configPath, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		port := cfg.Server.Port
		if port == 0 {
			port = 8080
		}
		addr = fmt.Sprintf("%s:%d", host, port)
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}

// runStatus implements the status command: probe the gateway's health
// and LLM endpoints and print a summary.
func runStatus(cmd *cobra.Command, configPath, serverAddr string, jsonOutput bool) error {
	baseURL, err := resolveHTTPBaseURL(configPath, serverAddr)
	if err != nil {
		return err
	}
	client := newAPIClient(baseURL)
	ctx := cmd.Context()

	var health healthResponse
	if err := client.getJSON(ctx, "/healthz", &health); err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", baseURL, err)
	}

	// The LLM probe talks to an external provider; a failure there is
	// status output, not a command failure.
	var llm llmStatus
	llmErr := client.getJSON(ctx, "/api/llm/status", &llm)

	out := cmd.OutOrStdout()
	if jsonOutput {
		report := statusReport{Gateway: baseURL, Health: health}
		if llmErr != nil {
			report.LLMError = llmErr.Error()
		} else {
			report.LLM = &llm
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintln(out, "Firefly Desk Status")
	fmt.Fprintln(out, "===================")
	fmt.Fprintf(out, "Gateway: %s\n", baseURL)
	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Version: %s\n", health.Version)
	fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "LLM Provider")
	fmt.Fprintln(out, "============")
	if llmErr != nil {
		fmt.Fprintf(out, "Error: %v\n", llmErr)
		return nil
	}
	fmt.Fprintf(out, "Provider: %s\n", llm.Provider)
	if llm.ActiveModel != "" {
		fmt.Fprintf(out, "Active Model: %s\n", llm.ActiveModel)
	}
	fmt.Fprintf(out, "Available: %t\n", llm.Available)
	if llm.LatencyMS > 0 {
		fmt.Fprintf(out, "Latency: %dms\n", llm.LatencyMS)
	}
	if len(llm.FallbackModels) > 0 {
		fmt.Fprintf(out, "Fallback Models: %s\n", strings.Join(llm.FallbackModels, ", "))
	}
	if llm.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", llm.Error)
	}
	return nil
}
