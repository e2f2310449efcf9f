package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shellmind/internal/logging"
	"shellmind/internal/shell"
)

// CancelledOutput is returned to the model when the user rejects a command.
const CancelledOutput = "Command cancelled by user."

// ExecuteCommand runs a shell command in the foreground after confirmation.
type ExecuteCommand struct {
	executor *shell.DirectExecutor
	confirm  Confirmer
}

// NewExecuteCommand creates the execute_command tool. A nil confirmer
// approves everything.
func NewExecuteCommand(executor *shell.DirectExecutor, confirm Confirmer) *ExecuteCommand {
	if confirm == nil {
		confirm = AutoApprove
	}
	return &ExecuteCommand{executor: executor, confirm: confirm}
}

// Spec implements Tool.
func (t *ExecuteCommand) Spec() Spec {
	return Spec{
		Name:        "execute_command",
		Description: "Execute a shell command and return its combined output and exit status. The user must approve each command.",
		Schema: ToolSchema{
			Required: []string{"command"},
			Properties: map[string]Property{
				"command": {Type: "string", Description: "The shell command line to run"},
			},
		},
	}
}

// Call implements Tool.
func (t *ExecuteCommand) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := decode(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", fmt.Errorf("%w: command is empty", ErrInvalidArgs)
	}

	ok, err := t.confirm.Confirm(ctx, in.Command)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return "", err
		}
		return "", fmt.Errorf("confirmation failed: %w", err)
	}
	if !ok {
		logging.Tools("Command rejected by user: %s", in.Command)
		return CancelledOutput, nil
	}

	res, err := t.executor.Execute(ctx, shell.Command{Line: in.Command})
	if err != nil {
		return "", err
	}
	logging.Tools("Executed %q (exit=%d, %v)", in.Command, res.ExitCode, res.Duration)
	return res.Output(), nil
}
