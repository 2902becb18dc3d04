// Package openai provides an embeddings.Provider backed by the OpenAI
// embeddings API via github.com/openai/openai-go.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/pcurie/loquax/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Compile-time assertion that Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// config collects the provider options.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option configures a Provider.
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible endpoint instead of
// the hosted API.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout bounds each embedding request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements embeddings.Provider against the OpenAI API. Safe for
// concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

// New creates a Provider with the given credentials. An empty model selects
// DefaultModel.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: embed: no data in response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider. The API may return rows out of
// order, so results are placed by their reported index.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: embed batch: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, row := range resp.Data {
		if int(row.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: embed batch: index %d out of range", row.Index)
		}
		vectors[row.Index] = float64ToFloat32(row.Embedding)
	}
	return vectors, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return modelDimensions(p.model) }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// modelDimensions maps OpenAI embedding models to their native dimension.
// Unknown models report the 3-small/ada dimension, which is also what the
// API defaults to for custom deployments.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"),
		strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

// float64ToFloat32 narrows the API's float64 vectors to the float32 the
// vector store works in.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
