package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellmind/internal/metrics"
	"shellmind/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFormatTranscript(t *testing.T) {
	entries := []store.Entry{
		{Kind: store.EntryMessage, Message: &store.Message{Role: store.RoleUser, Content: "list files", Timestamp: t0}},
		{Kind: store.EntryToolCall, ToolCall: &store.ToolCall{
			ToolName: "execute_command", Input: `{"command":"ls"}`, Output: "a.txt\n", Timestamp: t0.Add(1500 * time.Millisecond),
		}},
		{Kind: store.EntryMessage, Message: &store.Message{
			Role: store.RoleAssistant, Content: "<final_result>a.txt</final_result>", Timestamp: t0.Add(2 * time.Second),
		}},
	}

	want := `<conversation>` +
		`<message role="user" time="2025-03-01T12:00:00.000Z">list files</message>` +
		`<toolCall name="execute_command" time="2025-03-01T12:00:01.500Z"><input>{"command":"ls"}</input><output>a.txt` + "\n" + `</output></toolCall>` +
		`<message role="assistant" time="2025-03-01T12:00:02.000Z"><final_result>a.txt</final_result></message>` +
		`</conversation>`
	if diff := cmp.Diff(want, FormatTranscript(entries)); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatTranscriptEmpty(t *testing.T) {
	assert.Equal(t, "<conversation></conversation>", FormatTranscript(nil))
}

func TestFormatTranscriptNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	entries := []store.Entry{{Kind: store.EntryMessage, Message: &store.Message{
		Role: store.RoleSystem, Content: "x", Timestamp: time.Date(2025, 3, 1, 14, 0, 0, 0, loc),
	}}}
	assert.Contains(t, FormatTranscript(entries), `time="2025-03-01T12:00:00.000Z"`)
}

// fakeService records what it was given.
type fakeService struct {
	indexed  map[int64]string
	metadata map[int64]map[string]string
	results  []Snippet
	err      error
	lastK    int
}

func newFakeService() *fakeService {
	return &fakeService{indexed: map[int64]string{}, metadata: map[int64]map[string]string{}}
}

func (f *fakeService) Index(_ context.Context, id int64, text string, md map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.indexed[id] = text
	f.metadata[id] = md
	return nil
}

func (f *fakeService) Query(_ context.Context, _ string, k int) ([]Snippet, error) {
	f.lastK = k
	return f.results, f.err
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	clock := t0
	s, err := store.Open(context.Background(), store.Options{Path: ":memory:", Clock: func() time.Time { return clock }})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexerIndex(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.CreateConversation(ctx, "list files", t0)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, id, 0, "list files", 0, store.RoleUser))
	require.NoError(t, s.AppendMessage(ctx, id, 1, "<final_result>done</final_result>", time.Second, store.RoleAssistant))
	require.NoError(t, s.Finalize(ctx, id, store.DefaultScores(), "list files", "done", 3*time.Second))

	svc := newFakeService()
	ix := NewIndexer(s, svc)
	require.NoError(t, ix.Index(ctx, id))

	entries, err := s.ReadAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FormatTranscript(entries), svc.indexed[id])

	md := svc.metadata[id]
	assert.Equal(t, "list files", md["query"])
	assert.Equal(t, "1", md["correctness"])
	assert.Equal(t, "0", md["retrievalCount"])
	assert.Equal(t, "3000", md["totalTime"])
	assert.NotContains(t, md, "lastRetrieved")
}

func TestIndexerIndexUnknownConversation(t *testing.T) {
	ix := NewIndexer(openStore(t), newFakeService())
	err := ix.Index(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIndexerQueryRecordsRetrieval(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, err := s.CreateConversation(ctx, "disk usage", t0)
	require.NoError(t, err)

	svc := newFakeService()
	svc.results = []Snippet{{ConversationID: id, Content: "<conversation></conversation>", Similarity: 0.9}}
	ix := NewIndexer(s, svc, WithTopK(5))
	ix.now = func() time.Time { return t0.Add(time.Hour) }

	got := ix.Query(ctx, "how much disk is free")
	require.Len(t, got, 1)
	assert.Equal(t, 5, svc.lastK)

	conv, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.RetrievalCount)
	require.NotNil(t, conv.LastRetrieved)
	assert.True(t, conv.LastRetrieved.Equal(t0.Add(time.Hour)))
}

func TestIndexerQueryDegradesOnFailure(t *testing.T) {
	svc := newFakeService()
	svc.err = errors.New("embedding backend down")
	ix := NewIndexer(openStore(t), svc, WithMetrics(metrics.New()))

	assert.Empty(t, ix.Query(context.Background(), "anything"))
}

func TestIndexerQuerySkipsBlankText(t *testing.T) {
	svc := newFakeService()
	ix := NewIndexer(openStore(t), svc)
	assert.Nil(t, ix.Query(context.Background(), "  \n"))
	assert.Zero(t, svc.lastK)
}

func TestFormatContext(t *testing.T) {
	assert.Empty(t, FormatContext(nil))
	out := FormatContext([]Snippet{{Content: "one"}, {Content: "two"}})
	assert.Contains(t, out, "[1] one")
	assert.Contains(t, out, "[2] two")
}

func TestChromemServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, err := NewChromemService(ChromemConfig{Collection: "test"}, NewHashEmbedding(0))
	require.NoError(t, err)

	got, err := svc.Query(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got, "empty collection")

	require.NoError(t, svc.Index(ctx, 1, "list files in the home directory with ls", map[string]string{"query": "list files"}))
	require.NoError(t, svc.Index(ctx, 2, "check free disk space with df", map[string]string{"query": "disk"}))
	assert.Equal(t, 2, svc.Count())

	got, err = svc.Query(ctx, "list files", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1), got[0].ConversationID)
	assert.Equal(t, "list files", got[0].Metadata["query"])

	// Re-indexing the same conversation replaces its document.
	require.NoError(t, svc.Index(ctx, 1, "updated transcript", nil))
	assert.Equal(t, 2, svc.Count())

	require.NoError(t, svc.Delete(ctx, 2))
	assert.Equal(t, 1, svc.Count())
}

func TestChromemServiceMinSimilarity(t *testing.T) {
	ctx := context.Background()
	svc, err := NewChromemService(ChromemConfig{MinSimilarity: 0.99}, NewHashEmbedding(0))
	require.NoError(t, err)
	require.NoError(t, svc.Index(ctx, 1, "compile the kernel module", nil))

	got, err := svc.Query(ctx, "water the plants", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChromemServicePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	svc, err := NewChromemService(ChromemConfig{PersistPath: dir}, NewHashEmbedding(0))
	require.NoError(t, err)
	require.NoError(t, svc.Index(ctx, 7, "tail the nginx log", nil))

	reopened, err := NewChromemService(ChromemConfig{PersistPath: dir}, NewHashEmbedding(0))
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}

func TestHashEmbeddingIsNormalized(t *testing.T) {
	embed := NewHashEmbedding(64)
	for _, text := range []string{"", "!!!", "list the files", "list the files"} {
		v, err := embed(context.Background(), text)
		require.NoError(t, err)
		require.Len(t, v, 64)

		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "text %q", text)
	}
}

func TestCachedEmbedding(t *testing.T) {
	var calls atomic.Int32
	base := func(_ context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{float32(len(text))}, nil
	}
	embed := Cached(base, 2)
	ctx := context.Background()

	for range 3 {
		_, err := embed(ctx, "a")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, _ = embed(ctx, "b")
	_, _ = embed(ctx, "c") // evicts "a"
	_, _ = embed(ctx, "a")
	assert.Equal(t, int32(4), calls.Load())
}

func TestCachedEmbeddingDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	embed := Cached(func(context.Context, string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	}, 4)
	_, err := embed(context.Background(), "x")
	assert.Error(t, err)
	_, err = embed(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOllamaEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)
		assert.Equal(t, "hello", req.Prompt)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.6, 0.8}})
	}))
	defer srv.Close()

	v, err := NewOllamaEmbedding(srv.URL+"/", "embeddinggemma")(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, v)
}

func TestOllamaEmbeddingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaEmbedding(srv.URL, "missing")(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestNewEmbeddingFunc(t *testing.T) {
	fn, err := NewEmbeddingFunc(EmbeddingOptions{Provider: "local", CacheSize: 8})
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = NewEmbeddingFunc(EmbeddingOptions{Provider: "genai"})
	assert.Error(t, err)

	_, err = NewEmbeddingFunc(EmbeddingOptions{Provider: "word2vec"})
	assert.Error(t, err)
}
