package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/pkg/vectorstore"
)

// ErrNotFound is returned when a requested idea or exchange does not exist.
var ErrNotFound = errors.New("not found")

// Ideas stores ideas in one vector store collection.
// All methods are safe for concurrent use as long as no two callers enrich
// the same idea concurrently; the enrichment worker serialises task
// application per batch.
type Ideas struct {
	store      vectorstore.Store
	collection string
}

// NewIdeas creates the idea repository over the given collection.
func NewIdeas(store vectorstore.Store, collection string) *Ideas {
	return &Ideas{store: store, collection: collection}
}

// EnsureReady creates the backing collection for the embedding
// dimensionality. Idempotent.
func (r *Ideas) EnsureReady(ctx context.Context, dimensions int) error {
	if err := r.store.EnsureCollection(ctx, r.collection, dimensions); err != nil {
		return fmt.Errorf("knowledge: ensure ideas collection: %w", err)
	}
	return nil
}

// Create writes a new idea with its text embedding. The idea's enrichment
// status map seeds every pending task type.
func (r *Ideas) Create(ctx context.Context, idea conv.Idea, vector []float32) error {
	payload := map[string]any{
		"session_id":        idea.SessionID,
		"user_id":           idea.UserID,
		"display_name":      idea.DisplayName,
		"utterance_ids":     idea.UtteranceIDs,
		"text":              idea.Text,
		"started_at":        idea.StartedAt.UTC().Format(payloadTime),
		"ended_at":          idea.EndedAt.UTC().Format(payloadTime),
		"enrichments":       idea.Enrichments,
		"enrichment_status": statusPayload(idea.EnrichmentStatus),
	}
	if idea.Enrichments == nil {
		payload["enrichments"] = map[string]any{}
	}
	err := r.store.Upsert(ctx, r.collection, vectorstore.Point{
		ID:      idea.ID,
		Vector:  vector,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("knowledge: create idea %s: %w", idea.ID, err)
	}
	return nil
}

// Get returns one idea by id.
func (r *Ideas) Get(ctx context.Context, id string) (conv.Idea, error) {
	points, err := r.store.Retrieve(ctx, r.collection, []string{id})
	if err != nil {
		return conv.Idea{}, fmt.Errorf("knowledge: get idea %s: %w", id, err)
	}
	if len(points) == 0 {
		return conv.Idea{}, notFoundErr("idea", id)
	}
	return decodeIdea(points[0]), nil
}

// GetMany returns the ideas with the given ids, omitting missing ones, in id
// order.
func (r *Ideas) GetMany(ctx context.Context, ids []string) ([]conv.Idea, error) {
	points, err := r.store.Retrieve(ctx, r.collection, ids)
	if err != nil {
		return nil, fmt.Errorf("knowledge: get ideas: %w", err)
	}
	ideas := make([]conv.Idea, 0, len(points))
	for _, p := range points {
		ideas = append(ideas, decodeIdea(p))
	}
	return ideas, nil
}

// BySession returns up to limit of the session's ideas in creation order.
func (r *Ideas) BySession(ctx context.Context, sessionID string, limit int) ([]conv.Idea, error) {
	points, err := r.store.Scroll(ctx, r.collection, vectorstore.Filter{"session_id": sessionID}, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: ideas for session %s: %w", sessionID, err)
	}
	ideas := make([]conv.Idea, 0, len(points))
	for _, p := range points {
		ideas = append(ideas, decodeIdea(p))
	}
	return ideas, nil
}

// SearchSimilar returns the ideas nearest to the query vector, most similar
// first. sessionID, when nonempty, restricts the search to one session.
func (r *Ideas) SearchSimilar(ctx context.Context, vector []float32, limit int, sessionID string) ([]conv.Idea, error) {
	var filter vectorstore.Filter
	if sessionID != "" {
		filter = vectorstore.Filter{"session_id": sessionID}
	}
	hits, err := r.store.Search(ctx, r.collection, vector, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search ideas: %w", err)
	}
	ideas := make([]conv.Idea, 0, len(hits))
	for _, h := range hits {
		ideas = append(ideas, decodeIdea(h.Point))
	}
	return ideas, nil
}

// UpdateEnrichments merges handler output into the idea's payload and
// records the task's terminal state in the same write. Field keys may use
// dot paths for nested placement.
func (r *Ideas) UpdateEnrichments(ctx context.Context, id string, fields map[string]any, taskType string, state conv.EnrichmentState) error {
	points, err := r.store.Retrieve(ctx, r.collection, []string{id})
	if err != nil {
		return fmt.Errorf("knowledge: update idea %s: %w", id, err)
	}
	if len(points) == 0 {
		return notFoundErr("idea", id)
	}
	p := points[0]
	mergeEnrichments(p.Payload, fields, taskType, state)
	if err := r.store.Upsert(ctx, r.collection, p); err != nil {
		return fmt.Errorf("knowledge: update idea %s: %w", id, err)
	}
	return nil
}

// MarkStatus records a task state transition without touching enrichment
// fields, typically to mark a handler failure.
func (r *Ideas) MarkStatus(ctx context.Context, id, taskType string, state conv.EnrichmentState) error {
	return r.UpdateEnrichments(ctx, id, nil, taskType, state)
}

// decodeIdea rebuilds a conv.Idea from its stored point.
func decodeIdea(p vectorstore.Point) conv.Idea {
	return conv.Idea{
		ID:               p.ID,
		SessionID:        stringOf(p.Payload, "session_id"),
		UserID:           stringOf(p.Payload, "user_id"),
		DisplayName:      stringOf(p.Payload, "display_name"),
		UtteranceIDs:     int64sOf(p.Payload, "utterance_ids"),
		Text:             stringOf(p.Payload, "text"),
		StartedAt:        timeOf(p.Payload, "started_at"),
		EndedAt:          timeOf(p.Payload, "ended_at"),
		Enrichments:      mapOf(p.Payload, "enrichments"),
		EnrichmentStatus: statusMapOf(p.Payload, "enrichment_status"),
	}
}
