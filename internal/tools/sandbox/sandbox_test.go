package sandbox

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

func requireInterpreter(t *testing.T, binary string) {
	t.Helper()
	if _, err := exec.LookPath(binary); err != nil {
		t.Skipf("%s not installed", binary)
	}
}

func TestRunEcho(t *testing.T) {
	requireInterpreter(t, "sh")
	runner := NewRunner(WithBaseDir(t.TempDir()))

	tool := &models.CustomTool{
		Name:     "echo",
		Language: "sh",
		Code:     "cat -",
	}
	result, err := runner.Run(context.Background(), tool, json.RawMessage(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}

	var out map[string]string
	if err := json.Unmarshal(result.Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out["hello"] != "world" {
		t.Fatalf("output = %v", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	requireInterpreter(t, "sh")
	runner := NewRunner(WithBaseDir(t.TempDir()))

	tool := &models.CustomTool{
		Name:     "failing",
		Language: "sh",
		Code:     "echo broken >&2; exit 3",
	}
	result, err := runner.Run(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Error, "broken") {
		t.Fatalf("error = %q, want stderr surfaced", result.Error)
	}
}

func TestRunInvalidOutput(t *testing.T) {
	requireInterpreter(t, "sh")
	runner := NewRunner(WithBaseDir(t.TempDir()))

	tests := []struct {
		name string
		code string
	}{
		{"not json", "echo this is not json"},
		{"not an object", `echo '[1,2,3]'`},
		{"two objects", `echo '{} {}'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &models.CustomTool{Name: "bad_output", Language: "sh", Code: tt.code}
			result, err := runner.Run(context.Background(), tool, nil)
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if result.Success {
				t.Fatalf("expected failure, output = %s", result.Output)
			}
			if !strings.Contains(result.Error, "invalid tool output") {
				t.Fatalf("error = %q", result.Error)
			}
		})
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	requireInterpreter(t, "sh")
	runner := NewRunner(WithBaseDir(t.TempDir()))

	tool := &models.CustomTool{
		Name:        "sleeper",
		Language:    "sh",
		Code:        "sleep 30; echo '{}'",
		TimeoutSecs: 1,
	}
	start := time.Now()
	result, err := runner.Run(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s, process was not killed at the deadline", elapsed)
	}
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(result.Error, "timeout") {
		t.Fatalf("error = %q, want timeout message", result.Error)
	}
}

func TestRunUnsupportedLanguage(t *testing.T) {
	runner := NewRunner(WithBaseDir(t.TempDir()))

	tool := &models.CustomTool{Name: "exotic", Language: "cobol", Code: "DISPLAY '{}'"}
	result, err := runner.Run(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for unsupported language")
	}
	if !strings.Contains(result.Error, "unsupported language") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestDecodeSingleObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"object", `{"ok":true}`, false},
		{"object with whitespace", "\n  {\"ok\":true}\n\n", false},
		{"array", `[1]`, true},
		{"scalar", `42`, true},
		{"trailing value", `{} 1`, true},
		{"empty", ``, true},
		{"garbage", `hello`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSingleObject([]byte(tt.input))
			if tt.wantErr && err == nil {
				t.Fatalf("decodeSingleObject(%q) succeeded, want error", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("decodeSingleObject(%q) error: %v", tt.input, err)
			}
		})
	}
}

func TestTimeoutClamping(t *testing.T) {
	requireInterpreter(t, "sh")
	runner := NewRunner(WithBaseDir(t.TempDir()))

	// A tool asking for more than the cap still runs; the cap only
	// bounds the deadline, checked indirectly via a quick success.
	tool := &models.CustomTool{
		Name:        "quick",
		Language:    "sh",
		Code:        "echo '{}'",
		TimeoutSecs: 100000,
	}
	result, err := runner.Run(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
}
