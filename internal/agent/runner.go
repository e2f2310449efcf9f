package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"shellmind/internal/logging"
	"shellmind/internal/memory"
	"shellmind/internal/metrics"
	"shellmind/internal/store"
)

// ConversationStore is what a Runner needs from the conversation store.
type ConversationStore interface {
	Recorder
	CreateConversation(ctx context.Context, query string, startTime time.Time) (int64, error)
	Finalize(ctx context.Context, conversationID int64, scores store.Scores, title, response string, totalTime time.Duration) error
}

// Memory retrieves context for a new run and indexes finished ones.
type Memory interface {
	Query(ctx context.Context, text string) []memory.Snippet
	Index(ctx context.Context, conversationID int64) error
}

// RunResult is the outcome of one Runner.Run.
type RunResult struct {
	ConversationID int64
	Result
	Duration time.Duration
}

// Runner wires a Loop to conversation bookkeeping and memory.
type Runner struct {
	store   ConversationStore
	loop    *Loop
	memory  Memory
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRunner creates a runner. mem and m may be nil.
func NewRunner(s ConversationStore, loop *Loop, mem Memory, m *metrics.Metrics) *Runner {
	return &Runner{store: s, loop: loop, memory: mem, metrics: m, now: time.Now}
}

// Run executes query as a new conversation. Memory failures are logged and
// never fail the run; store failures do.
func (r *Runner) Run(ctx context.Context, query string) (RunResult, error) {
	start := r.now()

	id, err := r.store.CreateConversation(ctx, query, start)
	if err != nil {
		return RunResult{}, err
	}
	if err := r.store.AppendMessage(ctx, id, 0, query, 0, store.RoleUser); err != nil {
		return RunResult{ConversationID: id}, fmt.Errorf("persist query: %w", err)
	}
	logging.Agent("Run started: conversation %d", id)

	task := query
	if r.memory != nil {
		if preamble := memory.FormatContext(r.memory.Query(ctx, query)); preamble != "" {
			task = preamble + "\nTask: " + query
		}
	}

	res, err := r.loop.Execute(ctx, id, task)
	if err != nil {
		r.metrics.ObserveRun("error", r.now().Sub(start))
		return RunResult{ConversationID: id, Result: res}, err
	}

	total := r.now().Sub(start)
	response := res.FinalResponseText
	if res.FinalResponseDetails != "" {
		response += "\n\n" + res.FinalResponseDetails
	}
	if err := r.store.Finalize(ctx, id, store.DefaultScores(), Title(query), response, total); err != nil {
		return RunResult{ConversationID: id, Result: res}, err
	}
	r.metrics.ObserveRun(res.Outcome(), total)

	if r.memory != nil {
		if err := r.memory.Index(ctx, id); err != nil {
			logging.MemoryWarn("Indexing conversation %d failed: %v", id, err)
		}
	}

	logging.Agent("Run finished: conversation %d outcome=%s attempts=%d steps=%d total=%v",
		id, res.Outcome(), res.Attempts, res.Steps, total)
	return RunResult{ConversationID: id, Result: res, Duration: total}, nil
}

// maxTitleRunes bounds conversation titles.
const maxTitleRunes = 60

// Title derives a conversation title from the query: its first line, cut at a
// word boundary.
func Title(query string) string {
	title := strings.TrimSpace(query)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}

	runes := []rune(title)[:maxTitleRunes]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > maxTitleRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}
