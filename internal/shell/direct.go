package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"shellmind/internal/logging"
)

// DirectExecutor executes command lines on the host through a shell.
// There is no sandboxing; the confirmation prompt in front of it is the gate.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig
}

// NewDirectExecutor creates an executor with the default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates an executor with a custom config.
// Zero fields fall back to the defaults.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	def := DefaultExecutorConfig()
	if config.Shell == "" {
		config.Shell = def.Shell
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = def.MaxOutputBytes
	}
	logging.Get(logging.CategoryTools).Debug("Creating DirectExecutor: shell=%s timeout=%s maxOutput=%d bytes",
		config.Shell, config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config}
}

// Config returns the executor's configuration.
func (e *DirectExecutor) Config() ExecutorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Execute runs one command line and waits for it. Exit codes, timeouts and
// cancellation are reported in the Result; the error return is reserved for
// invalid input.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Line == "" {
		return nil, fmt.Errorf("command line is required")
	}
	cfg := e.Config()

	timer := logging.StartTimer(logging.CategoryTools, "shell command")
	defer timer.Stop()

	timeout := cfg.DefaultTimeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	maxOutput := cfg.MaxOutputBytes
	if cmd.MaxOutputBytes > 0 {
		maxOutput = cmd.MaxOutputBytes
	}
	dir := cfg.WorkingDirectory
	if cmd.WorkingDirectory != "" {
		dir = cmd.WorkingDirectory
	}

	logging.ToolsDebug("Executing: %q (dir=%s, timeout=%s)", cmd.Line, dir, timeout)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cfg.Shell, ShellArgs(cfg.Shell, cmd.Line)...)
	execCmd.Dir = dir
	execCmd.Env = BuildEnvironment(cfg.AllowedEnvironment, cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result := &Result{ExitCode: -1, StartedAt: time.Now()}
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Combined = result.Stdout
	if result.Stderr != "" {
		if result.Combined != "" && result.Combined[len(result.Combined)-1] != '\n' {
			result.Combined += "\n"
		}
		result.Combined += result.Stderr
	}

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.Get(logging.CategoryTools).Warn("Command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		logging.Get(logging.CategoryTools).Warn("Command killed (timeout): %q after %s", cmd.Line, timeout)
	case errors.Is(execCtx.Err(), context.Canceled):
		result.Killed = true
		result.KillReason = "context canceled"
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		logging.ToolsDebug("Command exited non-zero: %q -> %d", cmd.Line, result.ExitCode)
	default:
		result.Error = err.Error()
		logging.Get(logging.CategoryTools).Error("Command failed: %q - %v", cmd.Line, err)
	}

	logging.Tools("Command completed: %q -> exit=%d, duration=%s, output=%d bytes",
		cmd.Line, result.ExitCode, result.Duration, len(result.Combined))
	return result, nil
}

// BuildEnvironment creates the child environment. With no allow-list the
// whole parent environment is inherited.
func BuildEnvironment(allowed []string, extra []string) []string {
	var env []string
	if len(allowed) == 0 {
		env = os.Environ()
	} else {
		env = make([]string, 0, len(allowed)+len(extra))
		for _, key := range allowed {
			if val, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+val)
			}
		}
	}
	return append(env, extra...)
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		// report the full length so exec does not fail with a short write
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
