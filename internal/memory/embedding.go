package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/philippgille/chromem-go"
	"google.golang.org/genai"

	"shellmind/internal/logging"
)

// =============================================================================
// OLLAMA
// =============================================================================

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedding embeds through a local Ollama server.
func NewOllamaEmbedding(endpoint, model string) chromem.EmbeddingFunc {
	endpoint = strings.TrimRight(endpoint, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, text string) ([]float32, error) {
		body, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ollama request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var out ollamaEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if len(out.Embedding) == 0 {
			return nil, fmt.Errorf("ollama returned an empty embedding")
		}
		return out.Embedding, nil
	}
}

// =============================================================================
// GENAI
// =============================================================================

// NewGenAIEmbedding embeds with the Gemini embeddings API.
func NewGenAIEmbedding(client *genai.Client, model string) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		resp, err := client.Models.EmbedContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
		if err != nil {
			return nil, fmt.Errorf("genai embed failed: %w", err)
		}
		if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
			return nil, fmt.Errorf("genai returned no embeddings")
		}
		return resp.Embeddings[0].Values, nil
	}
}

// =============================================================================
// LOCAL
// =============================================================================

// DefaultHashDimensions is the vector size of the local embedder.
const DefaultHashDimensions = 256

// NewHashEmbedding returns an offline embedder: lowercased word tokens and
// their bigrams are hashed into a fixed number of buckets and the vector is
// normalized. It captures lexical overlap only.
func NewHashEmbedding(dimensions int) chromem.EmbeddingFunc {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dimensions)
		tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		add := func(s string, w float32) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(s))
			sum := h.Sum32()
			idx := int(sum % uint32(dimensions))
			if sum&(1<<31) != 0 {
				w = -w
			}
			vec[idx] += w
		}
		for i, tok := range tokens {
			add(tok, 1)
			if i > 0 {
				add(tokens[i-1]+" "+tok, 0.5)
			}
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			// Empty or symbol-only text still needs a unit vector.
			vec[0] = 1
			return vec, nil
		}
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
		return vec, nil
	}
}

// =============================================================================
// CACHE
// =============================================================================

// Cached memoizes fn for the last size distinct texts. A size of zero or less
// returns fn unchanged.
func Cached(fn chromem.EmbeddingFunc, size int) chromem.EmbeddingFunc {
	if size <= 0 {
		return fn
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		logging.MemoryWarn("Embedding cache disabled: %v", err)
		return fn
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		if v, ok := cache.Get(text); ok {
			return v, nil
		}
		v, err := fn(ctx, text)
		if err != nil {
			return nil, err
		}
		cache.Add(text, v)
		return v, nil
	}
}

// EmbeddingOptions selects and configures an embedding provider.
type EmbeddingOptions struct {
	Provider       string // local, ollama, genai
	OllamaEndpoint string
	OllamaModel    string
	GenAIModel     string
	GenAIClient    *genai.Client
	CacheSize      int
}

// NewEmbeddingFunc builds the configured provider wrapped in the cache.
func NewEmbeddingFunc(opts EmbeddingOptions) (chromem.EmbeddingFunc, error) {
	var fn chromem.EmbeddingFunc
	switch opts.Provider {
	case "", "local":
		fn = NewHashEmbedding(DefaultHashDimensions)
	case "ollama":
		fn = NewOllamaEmbedding(opts.OllamaEndpoint, opts.OllamaModel)
	case "genai":
		if opts.GenAIClient == nil {
			return nil, fmt.Errorf("genai embedding requires an API client")
		}
		fn = NewGenAIEmbedding(opts.GenAIClient, opts.GenAIModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
	logging.Memory("Embedding provider: %s (cache=%d)", providerName(opts.Provider), opts.CacheSize)
	return Cached(fn, opts.CacheSize), nil
}

func providerName(p string) string {
	if p == "" {
		return "local"
	}
	return p
}
