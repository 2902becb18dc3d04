package handlers

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/pkg/provider/llm"
	llmmock "github.com/pcurie/loquax/pkg/provider/llm/mock"
)

func scriptedLLM(completion string) *llmmock.Provider {
	return &llmmock.Provider{
		GenerateFunc: func(context.Context, llm.GenerateRequest) (string, error) {
			return completion, nil
		},
	}
}

func TestIntentParsesCompletion(t *testing.T) {
	provider := scriptedLLM("INTENT: asking for help\nKEYWORDS: deploy, pipeline, staging")
	h := NewIntent(provider, "llama3")

	results, err := h.Process(context.Background(), []Item{ideaItem(conv.Idea{
		ID: "i1", UserID: "u1", Text: "can someone look at the staging deploy pipeline",
	})})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil {
		t.Fatal(results[0].Err)
	}
	if got := results[0].Fields["intent"]; got != "asking for help" {
		t.Errorf("intent = %v", got)
	}
	want := []string{"deploy", "pipeline", "staging"}
	if got := results[0].Fields["keywords"].([]string); !reflect.DeepEqual(got, want) {
		t.Errorf("keywords = %v, want %v", got, want)
	}

	calls := provider.GenerateCalls()
	if len(calls) != 1 {
		t.Fatalf("generate calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Model != "llama3" || req.Temperature != intentTemperature || req.System != intentSystem {
		t.Errorf("request = %+v", req)
	}
}

func TestIntentMalformedCompletionFallsBack(t *testing.T) {
	tests := []struct {
		name       string
		completion string
	}{
		{"free prose", "The speaker seems to be asking about deployment."},
		{"empty", ""},
		{"empty values", "INTENT:\nKEYWORDS:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewIntent(scriptedLLM(tt.completion), "llama3")
			results, err := h.Process(context.Background(), []Item{ideaItem(conv.Idea{ID: "i1", Text: "x"})})
			if err != nil {
				t.Fatal(err)
			}
			if got := results[0].Fields["intent"]; got != "unknown" {
				t.Errorf("intent = %v, want unknown", got)
			}
			if got := results[0].Fields["keywords"].([]string); len(got) != 0 {
				t.Errorf("keywords = %v, want empty", got)
			}
		})
	}
}

func TestIntentCapsKeywords(t *testing.T) {
	h := NewIntent(scriptedLLM("INTENT: listing\nKEYWORDS: a, b, c, d, e, f, g"), "llama3")
	results, err := h.Process(context.Background(), []Item{ideaItem(conv.Idea{ID: "i1", Text: "x"})})
	if err != nil {
		t.Fatal(err)
	}
	if got := results[0].Fields["keywords"].([]string); len(got) != maxKeywords {
		t.Errorf("keywords = %v, want %d", got, maxKeywords)
	}
}

func TestIntentGenerateErrorIsPerItem(t *testing.T) {
	provider := &llmmock.Provider{
		GenerateFunc: func(context.Context, llm.GenerateRequest) (string, error) {
			return "", errors.New("model not loaded")
		},
	}
	h := NewIntent(provider, "llama3")
	results, err := h.Process(context.Background(), []Item{ideaItem(conv.Idea{ID: "i1", Text: "x"})})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err == nil {
		t.Fatal("expected per-item error")
	}
}

func exchangeItem(ex conv.Exchange) Item {
	return Item{
		Task:     conv.Task{ID: "task-1", TargetType: conv.TargetExchange, TargetID: ex.ID},
		Exchange: &ex,
	}
}

func TestTopicParsesCompletion(t *testing.T) {
	provider := scriptedLLM("TOPICS: release planning, on-call rotation")
	h := NewTopic(provider, "llama3")

	results, err := h.Process(context.Background(), []Item{exchangeItem(conv.Exchange{
		ID: "e1", Text: "who is on call next week after the release",
	})})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"release planning", "on-call rotation"}
	if got := results[0].Fields["topics"].([]string); !reflect.DeepEqual(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}

	calls := provider.GenerateCalls()
	if len(calls) != 1 || calls[0].Temperature != topicTemperature || calls[0].Model != "llama3" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestTopicCapsAndFallsBack(t *testing.T) {
	t.Run("caps at three", func(t *testing.T) {
		h := NewTopic(scriptedLLM("TOPICS: a, b, c, d, e"), "llama3")
		results, err := h.Process(context.Background(), []Item{exchangeItem(conv.Exchange{ID: "e1", Text: "x"})})
		if err != nil {
			t.Fatal(err)
		}
		if got := results[0].Fields["topics"].([]string); len(got) != maxTopics {
			t.Errorf("topics = %v, want %d", got, maxTopics)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		h := NewTopic(scriptedLLM("they talked about lunch"), "llama3")
		results, err := h.Process(context.Background(), []Item{exchangeItem(conv.Exchange{ID: "e1", Text: "x"})})
		if err != nil {
			t.Fatal(err)
		}
		if got := results[0].Fields["topics"].([]string); len(got) != 0 {
			t.Errorf("topics = %v, want empty", got)
		}
	})
}

func TestTopicRequiresExchange(t *testing.T) {
	h := NewTopic(scriptedLLM("TOPICS: x"), "llama3")
	results, err := h.Process(context.Background(), []Item{ideaItem(conv.Idea{ID: "i1"})})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err == nil {
		t.Fatal("expected per-item error for non-exchange target")
	}
}
