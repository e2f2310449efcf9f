package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"shellmind/internal/logging"
	"shellmind/internal/metrics"
	"shellmind/internal/steps"
	"shellmind/internal/store"
)

// DefaultMaxAttempts bounds the attempts of one run.
const DefaultMaxAttempts = 3

// Loop runs a task against a Producer.
type Loop struct {
	recorder    Recorder
	producer    Producer
	notifier    Notifier
	asker       Asker
	maxAttempts int
	metrics     *metrics.Metrics

	newID func() string
	now   func() time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithNotifier receives inform-user notices.
func WithNotifier(n Notifier) LoopOption {
	return func(l *Loop) { l.notifier = n }
}

// WithAsker answers questions the producer puts to the user. Without one,
// a question is treated like any other attempt without a final answer.
func WithAsker(a Asker) LoopOption {
	return func(l *Loop) { l.asker = a }
}

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) LoopOption {
	return func(l *Loop) {
		if n >= 1 {
			l.maxAttempts = n
		}
	}
}

// WithLoopMetrics records attempts, steps and corrective retries.
func WithLoopMetrics(m *metrics.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates a loop that persists through recorder.
func NewLoop(recorder Recorder, producer Producer, opts ...LoopOption) *Loop {
	l := &Loop{
		recorder:    recorder,
		producer:    producer,
		notifier:    NotifierFunc(func(string) {}),
		maxAttempts: DefaultMaxAttempts,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Execute drives task to a final answer in at most maxAttempts attempts.
//
// Every step is persisted as an assistant message (and its tool invocations
// as tool calls) before the next one is pulled. A user abort yields an
// aborted Result with no error; any other producer or persistence failure is
// returned. Running out of attempts is not an error: the Result carries the
// last attempt's raw content with Success false.
func (l *Loop) Execute(ctx context.Context, conversationID int64, task string) (Result, error) {
	timer := logging.StartTimer(logging.CategoryAgent, "agent.Execute")
	defer timer.Stop()

	notices := newDispatcher(l.notifier)
	defer notices.close()

	var res Result
	input := task
	stepNumber := 1
	followUps := 0

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		res.Attempts = attempt
		l.metrics.IncAttempt()
		logging.Agent("Conversation %d: attempt %d/%d", conversationID, attempt, l.maxAttempts)

		content, err := l.runAttempt(ctx, conversationID, input, &stepNumber, notices)
		res.Steps = stepNumber - 1 - followUps
		if errors.Is(err, ErrUserAbort) {
			logging.Agent("Conversation %d: aborted by user", conversationID)
			return Result{
				FinalResponseText: AbortedResponse,
				Aborted:           true,
				Attempts:          res.Attempts,
				Steps:             res.Steps,
			}, nil
		}
		if err != nil {
			return res, err
		}

		parsed := steps.Parse(content)
		if parsed.ResponseText != "" {
			res.FinalResponseText = parsed.ResponseText
			res.FinalResponseDetails = parsed.ResponseDetails
			res.Success = true
			logging.Agent("Conversation %d: final answer after %d attempts", conversationID, attempt)
			return res, nil
		}
		if parsed.Exit {
			res.FinalResponseText = content
			res.Success = true
			res.Exited = true
			logging.Agent("Conversation %d: exit marker after %d attempts", conversationID, attempt)
			return res, nil
		}

		res.FinalResponseText = content
		res.FinalResponseDetails = ""
		if attempt == l.maxAttempts {
			break
		}

		next, role, err := l.followUp(ctx, parsed)
		if errors.Is(err, ErrUserAbort) {
			return Result{FinalResponseText: AbortedResponse, Aborted: true, Attempts: res.Attempts, Steps: res.Steps}, nil
		}
		if err != nil {
			return res, err
		}
		if err := l.recorder.AppendMessage(ctx, conversationID, stepNumber, next, 0, role); err != nil {
			return res, fmt.Errorf("persist follow-up: %w", err)
		}
		stepNumber++
		followUps++
		input = next
	}

	logging.Get(logging.CategoryAgent).Warn("Conversation %d: no final answer after %d attempts", conversationID, l.maxAttempts)
	return res, nil
}

// followUp picks the next input: the user's answer when the attempt asked a
// question and an Asker is available, otherwise the corrective instruction.
func (l *Loop) followUp(ctx context.Context, parsed steps.Result) (string, store.Role, error) {
	if parsed.Question != nil && l.asker != nil {
		answer, err := l.asker.Ask(ctx, *parsed.Question)
		if err != nil {
			return "", "", err
		}
		logging.AgentDebug("User answered question %q", parsed.Question.Text)
		return answer, store.RoleUser, nil
	}
	l.metrics.IncCorrective()
	return CorrectiveInstruction, store.RoleSystem, nil
}

// runAttempt drains one producer sequence and returns the accumulated step
// content.
func (l *Loop) runAttempt(ctx context.Context, conversationID int64, input string, stepNumber *int, notices *dispatcher) (string, error) {
	var content strings.Builder
	last := l.now()

	for step, err := range l.producer.Run(ctx, input) {
		if err != nil {
			if errors.Is(err, ErrUserAbort) {
				return content.String(), err
			}
			return content.String(), fmt.Errorf("step producer failed: %w", err)
		}

		elapsed := l.now().Sub(last)
		if err := l.handleStep(ctx, conversationID, stepNumber, step, elapsed, notices); err != nil {
			return content.String(), err
		}
		last = l.now()

		if content.Len() > 0 && step.Content != "" {
			content.WriteString("\n")
		}
		content.WriteString(step.Content)
	}
	return content.String(), nil
}

// handleStep persists one step and forwards its notices. The step counter
// advances on every exit path.
func (l *Loop) handleStep(ctx context.Context, conversationID int64, counter *int, step Step, elapsed time.Duration, notices *dispatcher) error {
	stepNumber := *counter
	defer func() { *counter++ }()
	l.metrics.IncStep()

	for _, inv := range step.ToolCalls {
		ts := inv.StartedAt
		if ts.IsZero() {
			ts = l.now()
		}
		if err := l.recorder.AppendToolCall(ctx, conversationID, l.newID(), inv.Name, inv.Input, inv.Output, inv.Duration, ts); err != nil {
			return fmt.Errorf("persist tool call %s: %w", inv.Name, err)
		}
	}

	parsed := steps.Parse(step.Content)
	if err := l.recorder.AppendMessage(ctx, conversationID, stepNumber, step.Content, elapsed, store.RoleAssistant); err != nil {
		return fmt.Errorf("persist step %d: %w", stepNumber, err)
	}
	for _, text := range parsed.Informs {
		notices.send(text)
	}
	logging.AgentDebug("Step %d: %d bytes, %d tool calls, %d notices", stepNumber, len(step.Content), len(step.ToolCalls), len(parsed.Informs))
	return nil
}
