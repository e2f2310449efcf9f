package tools

import "errors"

// Tool registry errors.
var (
	// ErrUnknownTool is returned when a tool is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")

	// ErrInvalidArgs is returned when arguments cannot be decoded even after repair.
	ErrInvalidArgs = errors.New("invalid tool arguments")

	// ErrInterrupted is returned when the user interrupts a confirmation.
	// The agent loop treats it as an abort.
	ErrInterrupted = errors.New("interrupted by user")
)
