package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("conversation not found")

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Scores are the evaluation fields attached to a finished conversation.
type Scores struct {
	Correctness  float64 `json:"correctness"`
	Faithfulness float64 `json:"faithfulness"`
	Relevancy    float64 `json:"relevancy"`
	UserFeedback float64 `json:"userFeedback"`
}

// DefaultScores returns every score at 1.
func DefaultScores() Scores {
	return Scores{Correctness: 1, Faithfulness: 1, Relevancy: 1, UserFeedback: 1}
}

// Conversation is one user request and its run.
type Conversation struct {
	ID        int64
	Query     string
	Title     string
	CreatedAt time.Time

	// Response is empty and Finalized false until Finalize runs.
	Response  string
	Finalized bool

	Scores         Scores
	RetrievalCount int
	LastRetrieved  *time.Time
	TotalTime      time.Duration
}

// Message is one persisted step or instruction.
type Message struct {
	ConversationID int64
	Role           Role
	Content        string
	StepNumber     int
	Timestamp      time.Time
	Duration       time.Duration
}

// ToolCall is one persisted tool invocation.
type ToolCall struct {
	ConversationID int64
	ToolCallID     string
	ToolName       string
	Input          string
	Output         string
	Timestamp      time.Time
	Duration       time.Duration
}

// EntryKind tags a transcript Entry.
type EntryKind string

const (
	EntryMessage  EntryKind = "message"
	EntryToolCall EntryKind = "toolCall"
)

// Entry is one element of the ordered transcript. Exactly one of Message and
// ToolCall is set, matching Kind.
type Entry struct {
	Kind     EntryKind
	Seq      int64
	Message  *Message
	ToolCall *ToolCall
}

// Timestamp returns the entry's write time.
func (e Entry) Timestamp() time.Time {
	switch {
	case e.Message != nil:
		return e.Message.Timestamp
	case e.ToolCall != nil:
		return e.ToolCall.Timestamp
	default:
		return time.Time{}
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
