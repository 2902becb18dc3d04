// Package anyllm provides an llm.Provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "phi3:mini", "http://localhost:11434")
//	text, err := p.Generate(ctx, llm.GenerateRequest{Prompt: "..."})
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/pcurie/loquax/pkg/provider/llm"
)

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// DefaultTimeout bounds completion and inventory calls when no WithTimeout
// option is given.
const DefaultTimeout = 10 * time.Second

// config collects the provider options.
type config struct {
	timeout     time.Duration
	backendOpts []anyllmlib.Option
}

// Option configures a Provider.
type Option func(*config)

// WithTimeout bounds every completion, inventory, and health call. Local
// models can take minutes on a cold first token, so size this to the backend.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBackendOptions forwards options to the underlying any-llm-go backend,
// e.g. an explicit API key.
func WithBackendOptions(opts ...anyllmlib.Option) Option {
	return func(c *config) {
		c.backendOpts = append(c.backendOpts, opts...)
	}
}

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend     anyllmlib.Provider
	backendName string
	model       string
	timeout     time.Duration

	// baseURL enables the model inventory and health probe for HTTP-local
	// backends (ollama, llamacpp, llamafile). Empty for hosted backends.
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider for the named any-llm-go backend.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// default model id (e.g. "phi3:mini"). baseURL overrides the backend
// endpoint and, when set, powers Models and Healthy; leave empty for hosted
// backends, which fall back to the configured model and an assumed-healthy
// probe.
//
// API keys are read from the backend's usual environment variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) unless an explicit option is
// given.
func New(backendName, model, baseURL string, opts ...Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	cfg := config{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	backendOpts := cfg.backendOpts
	if baseURL != "" {
		backendOpts = append(backendOpts, anyllmlib.WithBaseURL(baseURL))
	}

	backend, err := createBackend(backendName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	return &Provider{
		backend:     backend,
		backendName: backendName,
		model:       model,
		timeout:     cfg.timeout,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: cfg.timeout},
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the given
// backend name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []anyllmlib.Message
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.Prompt,
	})

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// tagsResponse is the JSON body of Ollama's GET /api/tags model inventory.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models implements llm.Provider. With a baseURL configured it queries the
// backend's /api/tags inventory (Ollama-compatible servers); otherwise it
// returns the configured default model.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	if p.baseURL == "" {
		return []string{p.model}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("anyllm: build tags request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anyllm: list models: unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("anyllm: decode tags response: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Healthy implements llm.Provider. With a baseURL configured it issues a GET
// against the server root and treats any HTTP response as healthy; hosted
// backends without a baseURL are assumed reachable.
func (p *Provider) Healthy(ctx context.Context) bool {
	if p.baseURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
