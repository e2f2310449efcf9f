// Package shell runs foreground shell commands on the host and provides the
// platform process helpers used by the background launcher.
package shell

import (
	"strconv"
	"time"
)

// Command is one shell command line to execute.
type Command struct {
	// Line is passed verbatim to the configured shell with -c.
	Line string `json:"line"`

	// WorkingDirectory overrides the executor default when set.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to add (KEY=VALUE).
	Environment []string `json:"environment,omitempty"`

	// Timeout overrides the executor default when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxOutputBytes overrides the executor default when positive.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// Result is the outcome of one command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Combined string `json:"combined"`

	// ExitCode is -1 when the process never produced one.
	ExitCode int `json:"exit_code"`

	// Killed is set when the timeout or the caller's context stopped the command.
	Killed     bool   `json:"killed,omitempty"`
	KillReason string `json:"kill_reason,omitempty"`

	// Error holds an infrastructure failure (shell missing, bad directory).
	Error string `json:"error,omitempty"`

	Truncated      bool  `json:"truncated,omitempty"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded reports a zero exit without a kill.
func (r *Result) Succeeded() bool {
	return r != nil && r.Error == "" && !r.Killed && r.ExitCode == 0
}

// Output returns the text handed back to the model: combined output, plus a
// status line when the command did not exit cleanly.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	out := r.Combined
	var status string
	switch {
	case r.Error != "":
		status = "error: " + r.Error
	case r.Killed:
		status = "killed: " + r.KillReason
	case r.ExitCode != 0:
		status = "exit code: " + strconv.Itoa(r.ExitCode)
	}
	if status == "" {
		return out
	}
	if out != "" && out[len(out)-1] != '\n' {
		out += "\n"
	}
	return out + "[" + status + "]"
}

// ExecutorConfig configures a DirectExecutor.
type ExecutorConfig struct {
	// Shell is the interpreter invoked as `<Shell> -c <line>`.
	Shell string

	DefaultTimeout time.Duration
	MaxOutputBytes int64

	// WorkingDirectory is the default directory; empty means the current one.
	WorkingDirectory string

	// AllowedEnvironment lists variables passed through from the parent
	// process. Empty passes the whole environment.
	AllowedEnvironment []string
}

// DefaultExecutorConfig returns a config suitable for interactive use.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Shell:          defaultShell(),
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 1 << 20,
	}
}
