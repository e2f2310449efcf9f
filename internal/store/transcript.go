package store

import (
	"context"
	"fmt"
	"time"

	"shellmind/internal/logging"
)

// nextSeq numbers a new transcript row after every existing message and tool
// call of the conversation. It is evaluated inside the INSERT so numbering and
// write are one statement.
const nextSeq = `(SELECT COALESCE(MAX(seq), 0) + 1 FROM (
	SELECT seq FROM messages WHERE conversation_id = ?
	UNION ALL
	SELECT seq FROM tool_calls WHERE conversation_id = ?
))`

// AppendMessage appends a message stamped with the store clock.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, stepNumber int, content string, duration time.Duration, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid message role %q", role)
	}
	if err := s.conversationExists(ctx, conversationID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, step_number, timestamp, duration, seq)
		VALUES (?, ?, ?, ?, ?, ?, `+nextSeq+`)`,
		conversationID, string(role), content, stepNumber, toMillis(s.now()), duration.Milliseconds(),
		conversationID, conversationID)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append message to conversation %d: %v", conversationID, err)
		return fmt.Errorf("failed to append message: %w", err)
	}
	logging.StoreDebug("Appended %s message (step %d) to conversation %d", role, stepNumber, conversationID)
	return nil
}

// AppendToolCall appends a tool invocation. toolCallID is caller generated
// and expected to be globally unique; the store does not deduplicate.
func (s *Store) AppendToolCall(ctx context.Context, conversationID int64, toolCallID, toolName, input, output string, duration time.Duration, timestamp time.Time) error {
	if err := s.conversationExists(ctx, conversationID); err != nil {
		return err
	}
	if timestamp.IsZero() {
		timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (conversation_id, tool_call_id, tool_name, input, output, timestamp, duration, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, `+nextSeq+`)`,
		conversationID, toolCallID, toolName, input, output, toMillis(timestamp), duration.Milliseconds(),
		conversationID, conversationID)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append tool call to conversation %d: %v", conversationID, err)
		return fmt.Errorf("failed to append tool call: %w", err)
	}
	logging.StoreDebug("Appended tool call %s (%s) to conversation %d", toolCallID, toolName, conversationID)
	return nil
}

// ReadAll returns the conversation's messages and tool calls as one sequence
// ordered by timestamp, ties broken by write order.
func (s *Store) ReadAll(ctx context.Context, conversationID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'message' AS kind, role, content, step_number, '' AS tool_call_id, '' AS tool_name,
			'' AS input, '' AS output, timestamp, duration, seq
		FROM messages WHERE conversation_id = ?
		UNION ALL
		SELECT 'toolCall' AS kind, '' AS role, '' AS content, 0 AS step_number, tool_call_id, tool_name,
			input, output, timestamp, duration, seq
		FROM tool_calls WHERE conversation_id = ?
		ORDER BY timestamp ASC, seq ASC`,
		conversationID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			kind, role, content, toolCallID, toolName, input, output string
			step                                                    int
			ts, dur, seq                                            int64
		)
		if err := rows.Scan(&kind, &role, &content, &step, &toolCallID, &toolName, &input, &output, &ts, &dur, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}

		e := Entry{Kind: EntryKind(kind), Seq: seq}
		switch e.Kind {
		case EntryMessage:
			e.Message = &Message{
				ConversationID: conversationID,
				Role:           Role(role),
				Content:        content,
				StepNumber:     step,
				Timestamp:      fromMillis(ts),
				Duration:       time.Duration(dur) * time.Millisecond,
			}
		case EntryToolCall:
			e.ToolCall = &ToolCall{
				ConversationID: conversationID,
				ToolCallID:     toolCallID,
				ToolName:       toolName,
				Input:          input,
				Output:         output,
				Timestamp:      fromMillis(ts),
				Duration:       time.Duration(dur) * time.Millisecond,
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
