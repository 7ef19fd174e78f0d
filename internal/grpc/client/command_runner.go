package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

const defaultCommandTimeout = 30 * time.Second

type CommandRunner interface {
	Run(ctx context.Context, command string) fleet.CommandResult
}

// ShellRunner executes commands through the platform shell.
type ShellRunner struct {
	timeout time.Duration
}

func NewShellRunner(timeout time.Duration) *ShellRunner {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &ShellRunner{timeout: timeout}
}

func (r *ShellRunner) Run(ctx context.Context, command string) fleet.CommandResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := fleet.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		result.ReturnCode = &code
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		result.ReturnCode = &code
	default:
		result.Error = err.Error()
	}

	slog.Info("Command executed",
		"command", command,
		"duration", time.Since(start),
		"error", result.Error)

	return result
}
