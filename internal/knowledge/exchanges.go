package knowledge

import (
	"context"
	"fmt"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/pkg/vectorstore"
)

// Exchanges stores exchanges in one vector store collection. Concurrency
// follows the same rule as [Ideas].
type Exchanges struct {
	store      vectorstore.Store
	collection string
}

// NewExchanges creates the exchange repository over the given collection.
func NewExchanges(store vectorstore.Store, collection string) *Exchanges {
	return &Exchanges{store: store, collection: collection}
}

// EnsureReady creates the backing collection for the embedding
// dimensionality. Idempotent.
func (r *Exchanges) EnsureReady(ctx context.Context, dimensions int) error {
	if err := r.store.EnsureCollection(ctx, r.collection, dimensions); err != nil {
		return fmt.Errorf("knowledge: ensure exchanges collection: %w", err)
	}
	return nil
}

// Create writes a new exchange with its text embedding.
func (r *Exchanges) Create(ctx context.Context, x conv.Exchange, vector []float32) error {
	payload := map[string]any{
		"session_id":        x.SessionID,
		"type":              string(x.Type),
		"idea_ids":          x.IdeaIDs,
		"participants":      x.Participants,
		"text":              x.Text,
		"started_at":        x.StartedAt.UTC().Format(payloadTime),
		"ended_at":          x.EndedAt.UTC().Format(payloadTime),
		"enrichments":       x.Enrichments,
		"enrichment_status": statusPayload(x.EnrichmentStatus),
	}
	if x.Enrichments == nil {
		payload["enrichments"] = map[string]any{}
	}
	err := r.store.Upsert(ctx, r.collection, vectorstore.Point{
		ID:      x.ID,
		Vector:  vector,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("knowledge: create exchange %s: %w", x.ID, err)
	}
	return nil
}

// Get returns one exchange by id.
func (r *Exchanges) Get(ctx context.Context, id string) (conv.Exchange, error) {
	points, err := r.store.Retrieve(ctx, r.collection, []string{id})
	if err != nil {
		return conv.Exchange{}, fmt.Errorf("knowledge: get exchange %s: %w", id, err)
	}
	if len(points) == 0 {
		return conv.Exchange{}, notFoundErr("exchange", id)
	}
	return decodeExchange(points[0]), nil
}

// BySession returns up to limit of the session's exchanges in creation
// order.
func (r *Exchanges) BySession(ctx context.Context, sessionID string, limit int) ([]conv.Exchange, error) {
	points, err := r.store.Scroll(ctx, r.collection, vectorstore.Filter{"session_id": sessionID}, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: exchanges for session %s: %w", sessionID, err)
	}
	exchanges := make([]conv.Exchange, 0, len(points))
	for _, p := range points {
		exchanges = append(exchanges, decodeExchange(p))
	}
	return exchanges, nil
}

// SearchSimilar returns the exchanges nearest to the query vector, most
// similar first.
func (r *Exchanges) SearchSimilar(ctx context.Context, vector []float32, limit int, sessionID string) ([]conv.Exchange, error) {
	var filter vectorstore.Filter
	if sessionID != "" {
		filter = vectorstore.Filter{"session_id": sessionID}
	}
	hits, err := r.store.Search(ctx, r.collection, vector, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search exchanges: %w", err)
	}
	exchanges := make([]conv.Exchange, 0, len(hits))
	for _, h := range hits {
		exchanges = append(exchanges, decodeExchange(h.Point))
	}
	return exchanges, nil
}

// UpdateEnrichments merges handler output into the exchange's payload and
// records the task's terminal state in the same write.
func (r *Exchanges) UpdateEnrichments(ctx context.Context, id string, fields map[string]any, taskType string, state conv.EnrichmentState) error {
	points, err := r.store.Retrieve(ctx, r.collection, []string{id})
	if err != nil {
		return fmt.Errorf("knowledge: update exchange %s: %w", id, err)
	}
	if len(points) == 0 {
		return notFoundErr("exchange", id)
	}
	p := points[0]
	mergeEnrichments(p.Payload, fields, taskType, state)
	if err := r.store.Upsert(ctx, r.collection, p); err != nil {
		return fmt.Errorf("knowledge: update exchange %s: %w", id, err)
	}
	return nil
}

// MarkStatus records a task state transition without touching enrichment
// fields.
func (r *Exchanges) MarkStatus(ctx context.Context, id, taskType string, state conv.EnrichmentState) error {
	return r.UpdateEnrichments(ctx, id, nil, taskType, state)
}

// decodeExchange rebuilds a conv.Exchange from its stored point.
func decodeExchange(p vectorstore.Point) conv.Exchange {
	return conv.Exchange{
		ID:               p.ID,
		SessionID:        stringOf(p.Payload, "session_id"),
		Type:             conv.ExchangeType(stringOf(p.Payload, "type")),
		IdeaIDs:          stringsOf(p.Payload, "idea_ids"),
		Participants:     stringsOf(p.Payload, "participants"),
		Text:             stringOf(p.Payload, "text"),
		StartedAt:        timeOf(p.Payload, "started_at"),
		EndedAt:          timeOf(p.Payload, "ended_at"),
		Enrichments:      mapOf(p.Payload, "enrichments"),
		EnrichmentStatus: statusMapOf(p.Payload, "enrichment_status"),
	}
}
