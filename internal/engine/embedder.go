package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// OllamaEmbedder uses Ollama's embedding API.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
func NewOllamaEmbedder(url, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed sends text to Ollama's embed endpoint and returns the embedding.
// Transport and status failures surface as ErrUpstreamUnavailable so the
// caller's retry policy applies.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model": o.model,
		"input": text,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %w", resp.StatusCode, ErrUpstreamUnavailable)
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return result.Embeddings[0], nil
}

// ProbeOllama checks if Ollama is reachable and the embedding model is
// available.
func ProbeOllama(url, model string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	reqBody, _ := json.Marshal(map[string]any{
		"model": model,
		"input": "test",
	})
	resp, err := client.Post(url+"/api/embed", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// MockEmbedder returns canned or derived vectors; it backs the "mock"
// provider and tests. Vectors maps exact text to a vector; any other text
// gets a stable unit vector derived from its hash, so equal text always
// embeds equally.
type MockEmbedder struct {
	Vectors map[string][]float32
	Dims    int
	Err     error

	mu    sync.Mutex
	Calls []string
}

func (m *MockEmbedder) Model() string { return "mock" }

func (m *MockEmbedder) Dimensions() int {
	if m.Dims <= 0 {
		return 8
	}
	return m.Dims
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if vec, ok := m.Vectors[text]; ok {
		return vec, nil
	}
	return deriveVector(text, m.Dimensions()), nil
}

// deriveVector hashes text into an L2-normalized vector, expanding the
// digest by re-hashing for dimensions past 32.
func deriveVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	block := sha256.Sum256([]byte(text))

	var norm float64
	for i := 0; i < dims; i++ {
		if i > 0 && i%len(block) == 0 {
			block = sha256.Sum256(block[:])
		}
		v := float64(block[i%len(block)])/255.0 - 0.5
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// cachingEmbedder decorates an Embedder with an LRU cache, a concurrency
// cap on backend calls, and enforcement of the configured dimensionality.
type cachingEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
	sem   *semaphore.Weighted
	dims  int

	hits   atomic.Int64
	misses atomic.Int64
}

func newCachingEmbedder(inner Embedder, cacheSize int, maxConcurrent int64, dims int) (*cachingEmbedder, error) {
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &cachingEmbedder{
		inner: inner,
		cache: cache,
		sem:   semaphore.NewWeighted(maxConcurrent),
		dims:  dims,
	}, nil
}

func (c *cachingEmbedder) Model() string   { return c.inner.Model() }
func (c *cachingEmbedder) Dimensions() int { return c.dims }

func (c *cachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d: %w",
			len(vec), c.dims, ErrDimensionMismatch)
	}
	c.cache.Add(text, vec)
	return vec, nil
}

func (c *cachingEmbedder) cacheStats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
