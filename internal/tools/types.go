// Package tools defines the surfaces the model can call during a run.
//
// Each tool describes itself with a Spec (name, description, JSON schema of
// its arguments) and is invoked through the Registry with raw JSON arguments.
//
//	model function call → Registry.Call → argument repair/validation → Tool.Call
package tools

import (
	"context"
	"encoding/json"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// Spec is what the model sees of a tool.
type Spec struct {
	Name        string
	Description string
	Schema      ToolSchema
}

// Tool is one callable surface. Call receives the (repaired) JSON arguments
// and returns the text handed back to the model.
type Tool interface {
	Spec() Spec
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Confirmer gates side-effecting commands. Returning false rejects the command;
// returning ErrInterrupted aborts the whole run.
type Confirmer interface {
	Confirm(ctx context.Context, command string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, command string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, command string) (bool, error) {
	return f(ctx, command)
}

// AutoApprove accepts every command.
var AutoApprove Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })
