package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/pkg/provider/llm"
)

// Intent extraction parameters. Low temperature keeps the line-oriented
// output parseable.
const (
	intentTemperature = 0.3
	intentMaxTokens   = 120
	maxKeywords       = 5
)

const intentSystem = "You label short fragments of spoken conversation. Answer in exactly the requested format with no extra commentary."

// Intent asks the LLM for a one-phrase intent label and up to five keywords
// per idea.
type Intent struct {
	provider llm.Provider
	model    string
}

var _ Handler = (*Intent)(nil)

// NewIntent creates the intent/keyword handler using the given model.
func NewIntent(provider llm.Provider, model string) *Intent {
	return &Intent{provider: provider, model: model}
}

func (h *Intent) TaskType() string { return conv.TaskIntentKeywords }

func (h *Intent) TargetTypes() []conv.TargetType { return []conv.TargetType{conv.TargetIdea} }

func (h *Intent) ModelID() string { return h.model }

func (h *Intent) BatchSize() int { return 5 }

// Process labels each idea with one prompt per item. Malformed completions
// degrade to intent "unknown" with no keywords rather than failing the task.
func (h *Intent) Process(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))
	for i, item := range items {
		if item.Idea == nil {
			results[i] = Result{Err: fmt.Errorf("intent handler: task %s targets no idea", item.Task.ID)}
			continue
		}
		completion, err := h.provider.Generate(ctx, llm.GenerateRequest{
			Model:       h.model,
			System:      intentSystem,
			Prompt:      intentPrompt(item.Idea.Text),
			Temperature: intentTemperature,
			MaxTokens:   intentMaxTokens,
		})
		if err != nil {
			results[i] = Result{Err: fmt.Errorf("intent handler: generate: %w", err)}
			continue
		}
		intent, keywords := parseIntent(completion)
		results[i] = Result{Fields: map[string]any{
			"intent":   intent,
			"keywords": keywords,
		}}
	}
	return results, nil
}

// intentPrompt builds the single-shot labelling prompt.
func intentPrompt(text string) string {
	return fmt.Sprintf(
		"Classify the speaker's intent in this utterance and pick its keywords.\n\n"+
			"Utterance: %q\n\n"+
			"Reply with exactly two lines:\n"+
			"INTENT: <short phrase>\n"+
			"KEYWORDS: <comma-separated, at most %d>",
		text, maxKeywords)
}

// parseIntent reads the line-prefixed completion. Missing or malformed
// lines fall back to "unknown" and an empty keyword list.
func parseIntent(completion string) (intent string, keywords []string) {
	intent = "unknown"
	keywords = []string{}
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "INTENT:"):
			if v := strings.TrimSpace(line[len("INTENT:"):]); v != "" {
				intent = v
			}
		case strings.HasPrefix(strings.ToUpper(line), "KEYWORDS:"):
			for _, kw := range strings.Split(line[len("KEYWORDS:"):], ",") {
				kw = strings.TrimSpace(kw)
				if kw == "" {
					continue
				}
				keywords = append(keywords, kw)
				if len(keywords) == maxKeywords {
					break
				}
			}
		}
	}
	return intent, keywords
}
