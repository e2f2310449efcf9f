package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/philippgille/chromem-go"

	"shellmind/internal/logging"
)

// ChromemConfig configures a chromem-backed Service.
type ChromemConfig struct {
	// PersistPath is the on-disk database directory. Empty keeps everything
	// in memory.
	PersistPath   string
	Collection    string
	MinSimilarity float32
}

// ChromemService stores transcripts in a chromem-go collection.
type ChromemService struct {
	db            *chromem.DB
	collection    *chromem.Collection
	minSimilarity float32
}

// NewChromemService opens (or creates) the collection.
func NewChromemService(cfg ChromemConfig, embed chromem.EmbeddingFunc) (*ChromemService, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "conversations"
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create memory dir: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", cfg.Collection, err)
	}
	logging.Memory("Memory collection %q ready (%d documents, persist=%q)", cfg.Collection, col.Count(), cfg.PersistPath)

	return &ChromemService{db: db, collection: col, minSimilarity: cfg.MinSimilarity}, nil
}

// Index upserts the document for conversationID.
func (s *ChromemService) Index(ctx context.Context, conversationID int64, text string, metadata map[string]string) error {
	doc := chromem.Document{
		ID:       strconv.FormatInt(conversationID, 10),
		Content:  text,
		Metadata: metadata,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to add document: %w", err)
	}
	return nil
}

// Query returns up to k documents at or above the similarity floor.
func (s *ChromemService) Query(ctx context.Context, text string, k int) ([]Snippet, error) {
	n := s.collection.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := s.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	out := make([]Snippet, 0, len(results))
	for _, r := range results {
		if r.Similarity < s.minSimilarity {
			continue
		}
		id, _ := strconv.ParseInt(r.ID, 10, 64)
		out = append(out, Snippet{
			ConversationID: id,
			Content:        r.Content,
			Similarity:     r.Similarity,
			Metadata:       r.Metadata,
		})
	}
	return out, nil
}

// Count returns the number of indexed conversations.
func (s *ChromemService) Count() int {
	return s.collection.Count()
}

// Delete removes the documents of the given conversations.
func (s *ChromemService) Delete(ctx context.Context, conversationIDs ...int64) error {
	ids := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}
