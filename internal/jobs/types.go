// Package jobs tracks background shell commands.
//
// The Registry is the single owner of AsyncCommand records and the only writer
// of their status. Status changes fan out to subscribers in the order SetStatus
// was called, which is what the interruptible Wait races against its timer.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a background command.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a finished state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrDuplicateID is returned by Register when the id is already tracked.
	ErrDuplicateID = errors.New("command id already registered")

	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("registry is shut down")
)

// CommandError describes why a background command failed.
type CommandError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("exit %d: %s", e.Code, e.Message)
}

// AsyncCommand is one background command as seen by the registry.
type AsyncCommand struct {
	ID           string        `json:"id"`
	Command      string        `json:"command"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt,omitzero"`
	Status       Status        `json:"status"`
	StdoutPath   string        `json:"stdoutPath"`
	StderrPath   string        `json:"stderrPath"`
	CombinedPath string        `json:"combinedPath"`
	PID          int           `json:"pid,omitempty"`
	Error        *CommandError `json:"error,omitempty"`
}

func (c AsyncCommand) clone() AsyncCommand {
	if c.Error != nil {
		e := *c.Error
		c.Error = &e
	}
	return c
}

// StatusEvent is published on every genuine status change.
type StatusEvent struct {
	Command  AsyncCommand
	Previous Status
}
