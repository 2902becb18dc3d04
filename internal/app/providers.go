package app

import (
	"fmt"

	"github.com/pcurie/loquax/internal/config"
	"github.com/pcurie/loquax/internal/resilience"
	"github.com/pcurie/loquax/pkg/provider/embeddings"
	embmock "github.com/pcurie/loquax/pkg/provider/embeddings/mock"
	"github.com/pcurie/loquax/pkg/provider/embeddings/ollama"
	embopenai "github.com/pcurie/loquax/pkg/provider/embeddings/openai"
	"github.com/pcurie/loquax/pkg/provider/llm"
	"github.com/pcurie/loquax/pkg/provider/llm/anyllm"
	"github.com/pcurie/loquax/pkg/provider/stt"
	sttmock "github.com/pcurie/loquax/pkg/provider/stt/mock"
	"github.com/pcurie/loquax/pkg/provider/stt/vosk"
	"github.com/pcurie/loquax/pkg/provider/stt/whisper"
)

// buildSTT constructs the named speech-to-text provider from config. Used
// both at startup and for the provider hot-swap command.
func buildSTT(cfg *config.Config, name string) (stt.Provider, error) {
	lang := cfg.Transcription.Language
	switch name {
	case "whisper":
		return whisper.New(cfg.Transcription.Whisper.ModelPath, whisper.WithLanguage(lang))
	case "vosk":
		return vosk.New(cfg.Transcription.Vosk.URL, vosk.WithLanguage(lang))
	case "mock":
		return &sttmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("app: unknown transcription provider %q", name)
	}
}

// buildTranscription builds the primary provider and, when a fallback is
// configured, wraps both in a circuit-breaking failover group.
func buildTranscription(cfg *config.Config) (stt.Provider, error) {
	primary, err := buildSTT(cfg, cfg.Transcription.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.Transcription.Fallback == "" {
		return primary, nil
	}

	secondary, err := buildSTT(cfg, cfg.Transcription.Fallback)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("app: build fallback provider: %w", err)
	}
	fb := resilience.NewSTTFallback(primary, cfg.Transcription.Provider, resilience.FallbackConfig{})
	fb.AddFallback(cfg.Transcription.Fallback, secondary)
	return fb, nil
}

// buildEmbeddings constructs the embedding provider from config.
func buildEmbeddings(cfg *config.Config) (embeddings.Provider, error) {
	e := cfg.Embeddings
	switch e.Provider {
	case "ollama":
		return ollama.New(e.Ollama.BaseURL, e.Model,
			ollama.WithTimeout(config.Seconds(e.TimeoutSec)),
			ollama.WithDimensions(e.Dimension))
	case "openai":
		return embopenai.New(e.OpenAI.APIKey, e.Model,
			embopenai.WithTimeout(config.Seconds(e.TimeoutSec)))
	case "mock":
		return &embmock.Provider{
			EmbedResult:     make([]float32, e.Dimension),
			DimensionsValue: e.Dimension,
			ModelIDValue:    "mock",
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown embeddings provider %q", e.Provider)
	}
}

// buildLLM constructs the language model provider for the LLM-backed
// enrichment handlers.
func buildLLM(cfg *config.Config) (llm.Provider, error) {
	return anyllm.New(cfg.LLM.Backend, cfg.LLM.Model, cfg.LLM.BaseURL,
		anyllm.WithTimeout(config.Seconds(cfg.LLM.TimeoutSec)))
}
