package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/pcurie/loquax/internal/conv"
)

// IdeaFinder lists a session's ideas in creation order. Implemented by
// knowledge.Ideas.
type IdeaFinder interface {
	BySession(ctx context.Context, sessionID string, limit int) ([]conv.Idea, error)
}

// responseScanLimit bounds how many of a session's ideas are scanned for the
// predecessor.
const responseScanLimit = 200

// ResponseConfig holds the response-mapping rule thresholds.
type ResponseConfig struct {
	// TimeThreshold is the maximum silence between the prior speaker's idea
	// and this one for a response link.
	TimeThreshold time.Duration

	// FastReply links regardless of the prior idea's completeness when the
	// reply comes faster than this.
	FastReply time.Duration
}

// DefaultResponseConfig returns the standard thresholds.
func DefaultResponseConfig() ResponseConfig {
	return ResponseConfig{
		TimeThreshold: 5 * time.Second,
		FastReply:     1 * time.Second,
	}
}

// Response links an idea to the prior idea it answers: the most recent idea
// in the session by a different speaker, when the reply came quickly enough.
// Purely rule-based.
type Response struct {
	ideas IdeaFinder
	cfg   ResponseConfig
}

var _ Handler = (*Response)(nil)

// NewResponse creates the response mapping handler.
func NewResponse(ideas IdeaFinder, cfg ResponseConfig) *Response {
	return &Response{ideas: ideas, cfg: cfg}
}

func (h *Response) TaskType() string { return conv.TaskResponseMapping }

func (h *Response) TargetTypes() []conv.TargetType { return []conv.TargetType{conv.TargetIdea} }

func (h *Response) ModelID() string { return "" }

func (h *Response) BatchSize() int { return 10 }

// Process maps each idea to its answered predecessor, if any. Ideas with no
// qualifying predecessor complete with empty fields.
func (h *Response) Process(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))
	for i, item := range items {
		if item.Idea == nil {
			results[i] = Result{Err: fmt.Errorf("response handler: task %s targets no idea", item.Task.ID)}
			continue
		}
		results[i] = h.link(ctx, item.Idea)
	}
	return results, nil
}

// link finds the answered predecessor for one idea.
func (h *Response) link(ctx context.Context, idea *conv.Idea) Result {
	session, err := h.ideas.BySession(ctx, idea.SessionID, responseScanLimit)
	if err != nil {
		return Result{Err: fmt.Errorf("response handler: list session %s: %w", idea.SessionID, err)}
	}

	// Most recent idea by another speaker that ended before this one began.
	var prev *conv.Idea
	for i := range session {
		candidate := &session[i]
		if candidate.ID == idea.ID || candidate.UserID == idea.UserID {
			continue
		}
		if candidate.EndedAt.After(idea.StartedAt) {
			continue
		}
		if prev == nil || candidate.EndedAt.After(prev.EndedAt) {
			prev = candidate
		}
	}
	if prev == nil {
		return Result{Fields: map[string]any{}}
	}

	latency := idea.StartedAt.Sub(prev.EndedAt)
	if latency > h.cfg.TimeThreshold {
		return Result{Fields: map[string]any{}}
	}
	if !prevComplete(prev) && latency >= h.cfg.FastReply {
		return Result{Fields: map[string]any{}}
	}
	return Result{Fields: map[string]any{
		"response_mapping": map[string]any{
			"is_response_to_idea_id": prev.ID,
			"response_latency_ms":    latency.Milliseconds(),
		},
	}}
}

// prevComplete reads the predecessor's prosody_interpretation.is_complete
// enrichment, false when absent.
func prevComplete(idea *conv.Idea) bool {
	group, ok := idea.Enrichments["prosody_interpretation"].(map[string]any)
	if !ok {
		return false
	}
	complete, _ := group["is_complete"].(bool)
	return complete
}
