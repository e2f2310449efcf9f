package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shellmind/internal/jobs"
)

// RunBackground starts a long-running command tracked by the process registry.
type RunBackground struct {
	launcher *jobs.Launcher
	confirm  Confirmer
}

// NewRunBackground creates the run_background tool. A nil confirmer approves
// everything.
func NewRunBackground(launcher *jobs.Launcher, confirm Confirmer) *RunBackground {
	if confirm == nil {
		confirm = AutoApprove
	}
	return &RunBackground{launcher: launcher, confirm: confirm}
}

// Spec implements Tool.
func (t *RunBackground) Spec() Spec {
	return Spec{
		Name: "run_background",
		Description: "Start a long-running shell command in the background. Output is written to files; " +
			"use wait with interruptOn to be woken when it finishes.",
		Schema: ToolSchema{
			Required: []string{"id", "command"},
			Properties: map[string]Property{
				"id":      {Type: "string", Description: "Unique identifier for the command (no slashes)"},
				"command": {Type: "string", Description: "The shell command line to run"},
			},
		},
	}
}

type backgroundOutput struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	PID          int    `json:"pid"`
	StdoutPath   string `json:"stdoutPath"`
	StderrPath   string `json:"stderrPath"`
	CombinedPath string `json:"combinedPath"`
}

// Call implements Tool.
func (t *RunBackground) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ID      string `json:"id"`
		Command string `json:"command"`
	}
	if err := decode(args, &in); err != nil {
		return "", err
	}

	ok, err := t.confirm.Confirm(ctx, in.Command)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return "", err
		}
		return "", fmt.Errorf("confirmation failed: %w", err)
	}
	if !ok {
		return CancelledOutput, nil
	}

	cmd, err := t.launcher.Launch(ctx, in.ID, in.Command)
	if err != nil {
		return "", err
	}
	return marshal(backgroundOutput{
		ID:           cmd.ID,
		Status:       string(cmd.Status),
		PID:          cmd.PID,
		StdoutPath:   cmd.StdoutPath,
		StderrPath:   cmd.StderrPath,
		CombinedPath: cmd.CombinedPath,
	})
}

// CommandStatus reports the state of background commands.
type CommandStatus struct {
	registry *jobs.Registry
}

// NewCommandStatus creates the command_status tool.
func NewCommandStatus(registry *jobs.Registry) *CommandStatus {
	return &CommandStatus{registry: registry}
}

// Spec implements Tool.
func (t *CommandStatus) Spec() Spec {
	return Spec{
		Name:        "command_status",
		Description: "Report the status of a background command by id, or of every tracked command when id is omitted.",
		Schema: ToolSchema{
			Properties: map[string]Property{
				"id": {Type: "string", Description: "Background command id"},
			},
		},
	}
}

// Call implements Tool.
func (t *CommandStatus) Call(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decode(args, &in); err != nil {
		return "", err
	}

	if in.ID == "" {
		return marshal(t.registry.List())
	}
	cmd, ok := t.registry.Probe(in.ID)
	if !ok {
		return "", fmt.Errorf("no background command with id %q", in.ID)
	}
	return marshal(cmd)
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool output: %w", err)
	}
	return string(b), nil
}
