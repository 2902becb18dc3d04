// Package ollama provides an embeddings.Provider backed by a local Ollama
// server's native /api/embed endpoint.
//
// Usage:
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vec, err := p.Embed(ctx, "the text of an idea")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pcurie/loquax/pkg/provider/embeddings"
)

// DefaultBaseURL is the endpoint of a locally running Ollama server.
const DefaultBaseURL = "http://localhost:11434"

// Compile-time assertion that Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// modelDims maps the embedding models commonly served by Ollama to their
// output dimension, so Dimensions does not need a live server for them.
var modelDims = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// config collects the provider options.
type config struct {
	timeout    time.Duration
	dimensions int
}

// Option configures a Provider.
type Option func(*config)

// WithTimeout bounds each embedding request. Zero or negative leaves the
// HTTP client unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions fixes the vector dimension up front. Without it, models
// missing from the built-in table cost one live probe request on the first
// Dimensions call.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// Provider implements embeddings.Provider against an Ollama server. The
// vector dimension comes from WithDimensions, the built-in model table, or a
// one-time probe against the live server, in that order. Safe for concurrent
// use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	// dims is zero until resolved; probeOnce guards the live detection.
	dims      int
	probeOnce sync.Once
}

// New creates a Provider for the given Ollama server and embedding model.
// An empty baseURL selects DefaultBaseURL.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	client := &http.Client{}
	if cfg.timeout > 0 {
		client.Timeout = cfg.timeout
	}

	dims := cfg.dimensions
	if dims == 0 {
		dims = lookupDims(model)
	}
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: client,
		dims:       dims,
	}, nil
}

// Embed implements embeddings.Provider. The text goes to the server
// verbatim; model-specific prefixes like nomic's "search_query: " are the
// caller's job.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider with a single /api/embed call
// for the whole batch. An empty batch is a no-op.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. For models the table does not
// cover, a single probe embedding is issued against the live server and the
// vector length cached; a failed probe reports 0 and is not retried.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.probeOnce.Do(func() {
		vecs, err := p.embed(context.Background(), []string{"dimension check"})
		if err != nil {
			return
		}
		p.dims = len(vecs[0])
	})
	return p.dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// embedRequest and embedResponse are the /api/embed wire shapes.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embed posts one /api/embed request. A non-empty vector slice with one
// entry per input is guaranteed on success.
func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}
	return result.Embeddings, nil
}

// lookupDims matches the model name against the known-model table. Tags like
// "nomic-embed-text:v1.5" still match their base model.
func lookupDims(model string) int {
	lower := strings.ToLower(model)
	for name, dims := range modelDims {
		if strings.Contains(lower, name) {
			return dims
		}
	}
	return 0
}
