// Package agent drives a task through a step producer with bounded retries,
// persisting every step and tool invocation of the run.
package agent

import (
	"context"
	"errors"
	"iter"
	"time"

	"shellmind/internal/steps"
	"shellmind/internal/store"
)

// ErrUserAbort is returned by producers (or an Asker) when the user cancels
// the run. The loop turns it into an aborted Result.
var ErrUserAbort = errors.New("task aborted by user")

// AbortedResponse is the final response text of an aborted run.
const AbortedResponse = "Task aborted by user."

// CorrectiveInstruction is pushed into the dialogue after an attempt that
// produced no final answer.
const CorrectiveInstruction = "Your last response did not contain a final answer. " +
	"Continue by calling a tool, give your answer inside <final_result></final_result> " +
	"(with optional <final_result_details></final_result_details>), or start a new task if this one cannot progress."

// ToolInvocation is one tool call made while producing a step.
type ToolInvocation struct {
	Name      string
	Input     string
	Output    string
	StartedAt time.Time
	Duration  time.Duration
}

// Step is one unit of producer output.
type Step struct {
	Content   string
	ToolCalls []ToolInvocation
}

// Producer yields the steps of one attempt. The producer owns the dialogue:
// a later Run continues the conversation started by the first one. A yielded
// error ends the attempt.
type Producer interface {
	Run(ctx context.Context, input string) iter.Seq2[Step, error]
}

// Notifier receives inform-user notices. Calls come from a single goroutine
// in emission order.
type Notifier interface {
	Inform(text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(text string)

// Inform implements Notifier.
func (f NotifierFunc) Inform(text string) { f(text) }

// Asker puts a question to the user and returns the answer. Returning
// ErrUserAbort aborts the run.
type Asker interface {
	Ask(ctx context.Context, q steps.Question) (string, error)
}

// Recorder is the transcript side of the conversation store.
type Recorder interface {
	AppendMessage(ctx context.Context, conversationID int64, stepNumber int, content string, duration time.Duration, role store.Role) error
	AppendToolCall(ctx context.Context, conversationID int64, toolCallID, toolName, input, output string, duration time.Duration, timestamp time.Time) error
}

// Result is the outcome of Loop.Execute.
type Result struct {
	FinalResponseText    string `json:"finalResponseText"`
	FinalResponseDetails string `json:"finalResponseDetails"`

	// Success is set when a final answer (or an exit marker) was produced.
	Success bool `json:"success"`
	Aborted bool `json:"aborted"`
	Exited  bool `json:"exited"`

	Attempts int `json:"attempts"`
	Steps    int `json:"steps"`
}

// Outcome labels.
const (
	OutcomeAborted   = "aborted"
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
)

// Outcome labels the result for metrics and logs.
func (r Result) Outcome() string {
	switch {
	case r.Aborted:
		return OutcomeAborted
	case r.Success:
		return OutcomeSuccess
	default:
		return OutcomeExhausted
	}
}
