package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "status", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommandOutput(t *testing.T) {
	cmd := buildRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute version: %v", err)
	}
	if !strings.Contains(buf.String(), "flydesk") {
		t.Fatalf("version output missing binary name: %q", buf.String())
	}
}

func TestResolveHTTPBaseURL(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"bare host port", "example.com:9090", "http://example.com:9090"},
		{"explicit scheme", "https://desk.example.com", "https://desk.example.com"},
		{"trailing slash", "http://localhost:8080/", "http://localhost:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveHTTPBaseURL("", tt.addr)
			if err != nil {
				t.Fatalf("resolve %q: %v", tt.addr, err)
			}
			if got != tt.want {
				t.Fatalf("resolve %q = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestRunStatusPrintsSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ok", "uptime": "1m30s", "version": "1.2.3",
			})
		case "/api/llm/status":
			json.NewEncoder(w).Encode(map[string]any{
				"provider": "anthropic", "type": "anthropic",
				"active_model": "claude-sonnet-4-20250514", "available": true,
				"latency_ms": 42, "fallback_models": []string{},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := runStatus(cmd, "", srv.URL, false); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Status: ok", "Version: 1.2.3", "Provider: anthropic", "Available: true"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRunStatusJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok", "uptime": "5s", "version": "dev"})
		case "/api/llm/status":
			jsonError := map[string]string{"error": "no llm providers configured"}
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(jsonError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := runStatus(cmd, "", srv.URL, true); err != nil {
		t.Fatalf("runStatus: %v", err)
	}

	var report statusReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Health.Status != "ok" {
		t.Errorf("health status = %q, want ok", report.Health.Status)
	}
	if report.LLMError == "" {
		t.Errorf("expected llm_error to be set when the probe fails")
	}
	if report.LLM != nil {
		t.Errorf("expected llm to be omitted when the probe fails")
	}
}
