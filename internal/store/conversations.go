package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shellmind/internal/logging"
)

// CreateConversation inserts a new conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, query string, startTime time.Time) (int64, error) {
	if startTime.IsZero() {
		startTime = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (query, created_at) VALUES (?, ?)",
		query, toMillis(startTime))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create conversation: %v", err)
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read conversation id: %w", err)
	}
	logging.Store("Created conversation %d", id)
	return id, nil
}

// Finalize writes the terminal fields of a conversation. Callers run it once.
func (s *Store) Finalize(ctx context.Context, conversationID int64, scores Scores, title, response string, totalTime time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET correctness = ?, faithfulness = ?, relevancy = ?, user_feedback = ?,
			title = ?, response = ?, total_time = ?
		WHERE id = ?`,
		scores.Correctness, scores.Faithfulness, scores.Relevancy, scores.UserFeedback,
		title, response, totalTime.Milliseconds(), conversationID)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to finalize conversation %d: %v", conversationID, err)
		return fmt.Errorf("failed to finalize conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, conversationID)
	}
	logging.Store("Finalized conversation %d (total=%s)", conversationID, totalTime)
	return nil
}

// RecordRetrieval bumps the retrieval bookkeeping of each id. Unknown ids
// are skipped.
func (s *Store) RecordRetrieval(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, toMillis(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET retrieval_count = retrieval_count + 1, last_retrieved = ? WHERE id IN ("+placeholders+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to record retrieval: %w", err)
	}
	logging.StoreDebug("Recorded retrieval of %d conversations", len(ids))
	return nil
}

const conversationColumns = `id, query, title, created_at, response,
	correctness, faithfulness, relevancy, user_feedback,
	retrieval_count, last_retrieved, total_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c             Conversation
		createdAt     int64
		response      sql.NullString
		lastRetrieved sql.NullInt64
		totalTime     int64
	)
	err := row.Scan(&c.ID, &c.Query, &c.Title, &createdAt, &response,
		&c.Scores.Correctness, &c.Scores.Faithfulness, &c.Scores.Relevancy, &c.Scores.UserFeedback,
		&c.RetrievalCount, &lastRetrieved, &totalTime)
	if err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.Response = response.String
	c.Finalized = response.Valid
	if lastRetrieved.Valid {
		t := fromMillis(lastRetrieved.Int64)
		c.LastRetrieved = &t
	}
	c.TotalTime = time.Duration(totalTime) * time.Millisecond
	return c, nil
}

// GetConversation loads one conversation.
func (s *Store) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to load conversation %d: %w", id, err)
	}
	return c, nil
}

// ListConversations returns the most recent conversations first. A limit of
// zero or less returns all of them.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations ORDER BY id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) conversationExists(ctx context.Context, id int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return err
}
