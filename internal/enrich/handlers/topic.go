package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/pkg/provider/llm"
)

// Topic extraction parameters.
const (
	topicTemperature = 0.3
	topicMaxTokens   = 80
	maxTopics        = 3
)

const topicSystem = "You summarise short fragments of spoken conversation. Answer in exactly the requested format with no extra commentary."

// Topic asks the LLM for the discussion topics of an exchange.
type Topic struct {
	provider llm.Provider
	model    string
}

var _ Handler = (*Topic)(nil)

// NewTopic creates the topic extraction handler using the given model.
func NewTopic(provider llm.Provider, model string) *Topic {
	return &Topic{provider: provider, model: model}
}

func (h *Topic) TaskType() string { return conv.TaskTopicExtraction }

func (h *Topic) TargetTypes() []conv.TargetType { return []conv.TargetType{conv.TargetExchange} }

func (h *Topic) ModelID() string { return h.model }

func (h *Topic) BatchSize() int { return 5 }

// Process extracts topics with one prompt per exchange. Malformed
// completions degrade to an empty topic list.
func (h *Topic) Process(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))
	for i, item := range items {
		if item.Exchange == nil {
			results[i] = Result{Err: fmt.Errorf("topic handler: task %s targets no exchange", item.Task.ID)}
			continue
		}
		completion, err := h.provider.Generate(ctx, llm.GenerateRequest{
			Model:       h.model,
			System:      topicSystem,
			Prompt:      topicPrompt(item.Exchange.Text),
			Temperature: topicTemperature,
			MaxTokens:   topicMaxTokens,
		})
		if err != nil {
			results[i] = Result{Err: fmt.Errorf("topic handler: generate: %w", err)}
			continue
		}
		results[i] = Result{Fields: map[string]any{
			"topics": parseTopics(completion),
		}}
	}
	return results, nil
}

// topicPrompt builds the single-shot extraction prompt.
func topicPrompt(text string) string {
	return fmt.Sprintf(
		"Name the topics discussed in this conversation fragment.\n\n"+
			"Fragment: %q\n\n"+
			"Reply with exactly one line:\n"+
			"TOPICS: <comma-separated short phrases, at most %d>",
		text, maxTopics)
}

// parseTopics reads the line-prefixed completion, empty on malformed
// output.
func parseTopics(completion string) []string {
	topics := []string{}
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "TOPICS:") {
			continue
		}
		for _, topic := range strings.Split(line[len("TOPICS:"):], ",") {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			topics = append(topics, topic)
			if len(topics) == maxTopics {
				return topics
			}
		}
		return topics
	}
	return topics
}
