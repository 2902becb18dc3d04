package app

import (
	"testing"

	"github.com/pcurie/loquax/internal/config"
)

func TestBuildSTTUnknownProvider(t *testing.T) {
	cfg := config.Default()
	if _, err := buildSTT(cfg, "siri"); err == nil {
		t.Fatal("buildSTT accepted an unknown provider name")
	}
}

func TestBuildTranscriptionWithoutFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Transcription.Provider = "mock"
	cfg.Transcription.Fallback = ""

	p, err := buildTranscription(cfg)
	if err != nil {
		t.Fatalf("buildTranscription: %v", err)
	}
	defer p.Close()
	if p.Name() != "mock" {
		t.Errorf("provider name = %q, want mock", p.Name())
	}
}

func TestBuildEmbeddingsMockCarriesDimension(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "mock"
	cfg.Embeddings.Dimension = 32

	p, err := buildEmbeddings(cfg)
	if err != nil {
		t.Fatalf("buildEmbeddings: %v", err)
	}
	if p.Dimensions() != 32 {
		t.Errorf("Dimensions = %d, want 32", p.Dimensions())
	}
}

func TestBuildEmbeddingsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "word2vec"
	if _, err := buildEmbeddings(cfg); err == nil {
		t.Fatal("buildEmbeddings accepted an unknown provider name")
	}
}
