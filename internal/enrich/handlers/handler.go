// Package handlers implements the enrichment task handlers: rule-based
// alias detection, prosody interpretation and response mapping, plus the
// LLM-backed intent/keyword and topic extraction. Handlers are batch
// oriented and order-independent; the worker resolves targets before calling
// Process and applies each result afterwards.
package handlers

import (
	"context"

	"github.com/pcurie/loquax/internal/conv"
)

// Item is one claimed task together with its resolved target. Exactly one
// of Idea and Exchange is set, matching Task.TargetType.
type Item struct {
	Task     conv.Task
	Idea     *conv.Idea
	Exchange *conv.Exchange
}

// Result is the outcome for one item. Fields are the enrichment fields to
// merge into the target's payload; keys may use dot paths for nested
// placement. A non-nil Err fails the single task without affecting the rest
// of the batch.
type Result struct {
	Fields map[string]any
	Err    error
}

// Handler processes one task type.
type Handler interface {
	// TaskType is the queue task type this handler consumes.
	TaskType() string

	// TargetTypes lists the target kinds the handler accepts.
	TargetTypes() []conv.TargetType

	// ModelID names the LLM the handler depends on; empty for rule-based
	// handlers. The worker ensures the model is warm before dispatching.
	ModelID() string

	// BatchSize is the handler's preferred maximum batch length.
	BatchSize() int

	// Process enriches a batch. The returned slice has the same length as
	// items with results[i] corresponding to items[i]. A batch-wide error
	// fails every item.
	Process(ctx context.Context, items []Item) ([]Result, error)
}
