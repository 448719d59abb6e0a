// Package sandbox executes user-defined tool code in a killable
// subprocess. Parameters arrive as JSON on stdin and the code must print
// exactly one JSON object on stdout; everything else (non-zero exit, bad
// output, timeout) is reported as a structured failure rather than a Go
// error so the agent can show it to the model.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

const (
	// DefaultTimeout applies when the tool does not set one.
	DefaultTimeout = 30 * time.Second
	// MaxTimeout caps what a tool may request.
	MaxTimeout = 300 * time.Second

	// maxStderrBytes bounds how much of the failure output is surfaced.
	maxStderrBytes = 2000
)

// envWhitelist is the only host environment forwarded to tool code.
var envWhitelist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// interpreters maps a tool language to the binary and script suffix used
// to run it.
var interpreters = map[string]struct {
	binary string
	suffix string
}{
	"python":     {"python3", ".py"},
	"python3":    {"python3", ".py"},
	"javascript": {"node", ".js"},
	"node":       {"node", ".js"},
	"bash":       {"bash", ".sh"},
	"sh":         {"sh", ".sh"},
}

// Result is the structured outcome of one sandboxed run.
type Result struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
}

// Runner executes custom tools. Safe for concurrent use; every run gets
// its own temp workspace.
type Runner struct {
	baseDir string
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithBaseDir places run workspaces under dir instead of the OS temp dir.
func WithBaseDir(dir string) Option {
	return func(r *Runner) { r.baseDir = dir }
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger.With("component", "sandbox")
		}
	}
}

// NewRunner builds a sandbox runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger: slog.Default().With("component", "sandbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the tool's code with params piped to stdin. The returned
// error is reserved for infrastructure failures (workspace creation);
// tool failures come back inside the Result.
func (r *Runner) Run(ctx context.Context, tool *models.CustomTool, params json.RawMessage) (*Result, error) {
	interp, ok := interpreters[strings.ToLower(tool.Language)]
	if !ok {
		if tool.Language != "" {
			return &Result{Success: false, Error: fmt.Sprintf("unsupported language %q", tool.Language)}, nil
		}
		interp = interpreters["python"]
	}

	workspace, err := os.MkdirTemp(r.baseDir, "flydesk-tool-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	script := filepath.Join(workspace, "tool"+interp.suffix)
	if err := os.WriteFile(script, []byte(tool.Code), 0o600); err != nil {
		return nil, fmt.Errorf("write tool code: %w", err)
	}

	timeout := DefaultTimeout
	if tool.TimeoutSecs > 0 {
		timeout = time.Duration(tool.TimeoutSecs) * time.Second
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	cmd := exec.CommandContext(runCtx, interp.binary, script)
	cmd.Dir = workspace
	cmd.Stdin = bytes.NewReader(params)
	cmd.Env = whitelistedEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &Result{DurationMs: duration.Milliseconds()}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("killed after %s timeout", timeout)
		r.logger.Warn("custom tool timed out", "tool", tool.Name, "timeout", timeout)
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit status %d: %s", result.ExitCode, tailOf(stderr.String()))
		} else {
			result.Error = fmt.Sprintf("execution failed: %v", runErr)
		}
		return result, nil
	}

	output, err := decodeSingleObject(stdout.Bytes())
	if err != nil {
		result.Error = fmt.Sprintf("invalid tool output: %v", err)
		return result, nil
	}

	result.Success = true
	result.Output = output
	return result, nil
}

// decodeSingleObject enforces the output contract: exactly one JSON
// object on stdout, nothing after it.
func decodeSingleObject(out []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("stdout is not JSON: %v", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("stdout must be a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("stdout holds more than one JSON value")
	}
	return trimmed, nil
}

// whitelistedEnv keeps only the benign host environment.
func whitelistedEnv() []string {
	env := make([]string, 0, len(envWhitelist))
	for _, key := range envWhitelist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrBytes {
		return s
	}
	return "... " + s[len(s)-maxStderrBytes:]
}
