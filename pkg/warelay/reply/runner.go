package reply

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ExecResult captures one external command run. Stdout holds whatever was
// written before a timeout killed the process, so partial output survives.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner executes an argv in a working directory. The context carries the
// deadline; implementations must kill the process when it expires.
type Runner interface {
	Run(ctx context.Context, argv []string, dir string) (*ExecResult, error)
}

// ProcessRunner runs commands via os/exec. The whole process group is
// killed on timeout so children of the command do not linger.
type ProcessRunner struct {
	logger *slog.Logger
}

// NewProcessRunner creates a runner.
func NewProcessRunner(logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{logger: logger.With("component", "exec")}
}

// Run executes argv and classifies the outcome. Exit errors and timeouts
// are reported in the result, not as errors; only spawn failures return an
// error.
func (r *ProcessRunner) Run(ctx context.Context, argv []string, dir string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", "binary", argv[0], "args", len(argv)-1, "dir", dir)

	err := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("spawning %s: %w", argv[0], err)
	}

	return result, nil
}

// firstLine returns the first non-empty line of s, for compact error
// reporting from stderr.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
