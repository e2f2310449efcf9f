package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"shellmind/internal/logging"
	"shellmind/internal/metrics"
	"shellmind/internal/store"
)

// Snippet is one retrieved document.
type Snippet struct {
	ConversationID int64
	Content        string
	Similarity     float32
	Metadata       map[string]string
}

// Service is the retrieval backend: documents in, ranked snippets out.
type Service interface {
	Index(ctx context.Context, conversationID int64, text string, metadata map[string]string) error
	Query(ctx context.Context, text string, k int) ([]Snippet, error)
}

// TranscriptSource is the slice of the conversation store the indexer reads.
type TranscriptSource interface {
	ReadAll(ctx context.Context, conversationID int64) ([]store.Entry, error)
	GetConversation(ctx context.Context, id int64) (store.Conversation, error)
	RecordRetrieval(ctx context.Context, ids []int64, at time.Time) error
}

// Indexer connects the conversation store to a retrieval Service.
type Indexer struct {
	source  TranscriptSource
	service Service
	topK    int
	metrics *metrics.Metrics
	now     func() time.Time
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithTopK sets how many snippets Query asks for. Default 3.
func WithTopK(k int) IndexerOption {
	return func(ix *Indexer) {
		if k > 0 {
			ix.topK = k
		}
	}
}

// WithMetrics counts degraded operations.
func WithMetrics(m *metrics.Metrics) IndexerOption {
	return func(ix *Indexer) { ix.metrics = m }
}

// NewIndexer creates an indexer.
func NewIndexer(source TranscriptSource, service Service, opts ...IndexerOption) *Indexer {
	ix := &Indexer{source: source, service: service, topK: 3, now: time.Now}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Index reads the conversation transcript and hands it to the service with
// the conversation's scores and bookkeeping as metadata.
func (ix *Indexer) Index(ctx context.Context, conversationID int64) error {
	timer := logging.StartTimer(logging.CategoryMemory, "memory.Index")
	defer timer.Stop()

	conv, err := ix.source.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	entries, err := ix.source.ReadAll(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	doc := FormatTranscript(entries)
	if err := ix.service.Index(ctx, conversationID, doc, Metadata(conv)); err != nil {
		ix.metrics.IncMemoryFailure("index")
		return fmt.Errorf("index conversation %d: %w", conversationID, err)
	}
	logging.Memory("Indexed conversation %d (%d entries, %d bytes)", conversationID, len(entries), len(doc))
	return nil
}

// Query returns up to topK snippets for text. Service failures are logged and
// return nil.
func (ix *Indexer) Query(ctx context.Context, text string) []Snippet {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	snippets, err := ix.service.Query(ctx, text, ix.topK)
	if err != nil {
		ix.metrics.IncMemoryFailure("query")
		logging.MemoryWarn("Memory query failed, continuing without context: %v", err)
		return nil
	}

	if len(snippets) > 0 {
		ids := make([]int64, 0, len(snippets))
		for _, s := range snippets {
			if s.ConversationID > 0 {
				ids = append(ids, s.ConversationID)
			}
		}
		if err := ix.source.RecordRetrieval(ctx, ids, ix.now()); err != nil {
			logging.MemoryWarn("Recording retrieval failed: %v", err)
		}
	}
	logging.Memory("Memory query returned %d snippets", len(snippets))
	return snippets
}

// Metadata flattens a conversation's scores and bookkeeping for the service.
func Metadata(c store.Conversation) map[string]string {
	md := map[string]string{
		"conversationId": strconv.FormatInt(c.ID, 10),
		"query":          c.Query,
		"title":          c.Title,
		"createdAt":      formatTime(c.CreatedAt),
		"correctness":    formatFloat(c.Scores.Correctness),
		"faithfulness":   formatFloat(c.Scores.Faithfulness),
		"relevancy":      formatFloat(c.Scores.Relevancy),
		"userFeedback":   formatFloat(c.Scores.UserFeedback),
		"retrievalCount": strconv.Itoa(c.RetrievalCount),
		"totalTime":      strconv.FormatInt(c.TotalTime.Milliseconds(), 10),
	}
	if c.LastRetrieved != nil {
		md["lastRetrieved"] = formatTime(*c.LastRetrieved)
	}
	return md
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FormatContext renders snippets as a preamble for a new task. Empty input
// gives an empty string.
func FormatContext(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant past conversations (most relevant first):\n")
	for i, s := range snippets {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, s.Content)
	}
	return b.String()
}
