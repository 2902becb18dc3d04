package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pcurie/loquax/internal/conv"
	vecmock "github.com/pcurie/loquax/pkg/vectorstore/mock"
)

func newIdeaRepo(t *testing.T) *Ideas {
	t.Helper()
	store := vecmock.New()
	repo := NewIdeas(store, "ideas")
	if err := repo.EnsureReady(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	return repo
}

func sampleIdea(id, sessionID string) conv.Idea {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return conv.Idea{
		ID:           id,
		SessionID:    sessionID,
		UserID:       "user-1",
		DisplayName:  "Ada",
		UtteranceIDs: []int64{11, 12, 13},
		Text:         "we should cache the lookups",
		StartedAt:    start,
		EndedAt:      start.Add(8 * time.Second),
		EnrichmentStatus: map[string]conv.EnrichmentState{
			conv.TaskAliasDetection: conv.EnrichmentPending,
			conv.TaskIntentKeywords: conv.EnrichmentPending,
		},
	}
}

func TestIdeasCreateAndGet(t *testing.T) {
	repo := newIdeaRepo(t)
	ctx := context.Background()

	want := sampleIdea("idea-1", "sess-1")
	if err := repo.Create(ctx, want, []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "idea-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != want.SessionID || got.UserID != want.UserID || got.Text != want.Text {
		t.Errorf("got %+v", got)
	}
	if len(got.UtteranceIDs) != 3 || got.UtteranceIDs[0] != 11 {
		t.Errorf("utterance ids = %v", got.UtteranceIDs)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.EndedAt.Equal(want.EndedAt) {
		t.Errorf("times = %v..%v", got.StartedAt, got.EndedAt)
	}
	if got.EnrichmentStatus[conv.TaskIntentKeywords] != conv.EnrichmentPending {
		t.Errorf("status = %v", got.EnrichmentStatus)
	}
}

func TestIdeasGetMissing(t *testing.T) {
	repo := newIdeaRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIdeasBySessionFilters(t *testing.T) {
	repo := newIdeaRepo(t)
	ctx := context.Background()

	for _, tc := range []struct{ id, session string }{
		{"idea-1", "sess-1"},
		{"idea-2", "sess-1"},
		{"idea-3", "sess-2"},
	} {
		if err := repo.Create(ctx, sampleIdea(tc.id, tc.session), []float32{1, 0, 0}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.BySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ideas, want 2", len(got))
	}
	if got[0].ID != "idea-1" || got[1].ID != "idea-2" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestIdeasSearchSimilar(t *testing.T) {
	repo := newIdeaRepo(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"idea-1": {1, 0, 0},
		"idea-2": {0, 1, 0},
		"idea-3": {0.9, 0.1, 0},
	}
	for id, v := range vectors {
		if err := repo.Create(ctx, sampleIdea(id, "sess-1"), v); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.SearchSimilar(ctx, []float32{1, 0, 0}, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "idea-1" || got[1].ID != "idea-3" {
		ids := make([]string, len(got))
		for i, idea := range got {
			ids[i] = idea.ID
		}
		t.Fatalf("similar ids = %v, want [idea-1 idea-3]", ids)
	}
}

func TestIdeasUpdateEnrichments(t *testing.T) {
	repo := newIdeaRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, sampleIdea("idea-1", "sess-1"), []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	fields := map[string]any{
		"intent":   "proposal",
		"keywords": []string{"cache", "lookups"},
	}
	if err := repo.UpdateEnrichments(ctx, "idea-1", fields, conv.TaskIntentKeywords, conv.EnrichmentComplete); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "idea-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enrichments["intent"] != "proposal" {
		t.Errorf("intent = %v", got.Enrichments["intent"])
	}
	if got.EnrichmentStatus[conv.TaskIntentKeywords] != conv.EnrichmentComplete {
		t.Errorf("status = %v", got.EnrichmentStatus)
	}
	// Untouched task types stay pending.
	if got.EnrichmentStatus[conv.TaskAliasDetection] != conv.EnrichmentPending {
		t.Errorf("alias status = %v", got.EnrichmentStatus[conv.TaskAliasDetection])
	}

	// A second update with a dot path nests under an existing group and
	// keeps earlier fields intact.
	if err := repo.UpdateEnrichments(ctx, "idea-1",
		map[string]any{"prosody_interpretation.is_question": true},
		conv.TaskProsodyInterpret, conv.EnrichmentComplete); err != nil {
		t.Fatal(err)
	}
	got, err = repo.Get(ctx, "idea-1")
	if err != nil {
		t.Fatal(err)
	}
	nested, ok := got.Enrichments["prosody_interpretation"].(map[string]any)
	if !ok || nested["is_question"] != true {
		t.Errorf("nested enrichment = %v", got.Enrichments["prosody_interpretation"])
	}
	if got.Enrichments["intent"] != "proposal" {
		t.Error("earlier enrichment lost by later update")
	}
}

func TestIdeasMarkStatusFailure(t *testing.T) {
	repo := newIdeaRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, sampleIdea("idea-1", "sess-1"), []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkStatus(ctx, "idea-1", conv.TaskAliasDetection, conv.EnrichmentFailed); err != nil {
		t.Fatal(err)
	}
	got, err := repo.Get(ctx, "idea-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.EnrichmentStatus[conv.TaskAliasDetection] != conv.EnrichmentFailed {
		t.Errorf("status = %v", got.EnrichmentStatus)
	}
	if len(got.Enrichments) != 0 {
		t.Errorf("enrichments = %v, want empty", got.Enrichments)
	}
}

func TestExchangesRoundTrip(t *testing.T) {
	store := vecmock.New()
	repo := NewExchanges(store, "exchanges")
	ctx := context.Background()
	if err := repo.EnsureReady(ctx, 3); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	want := conv.Exchange{
		ID:           "ex-1",
		SessionID:    "sess-1",
		Type:         conv.ExchangeSemantic,
		IdeaIDs:      []string{"idea-1", "idea-2"},
		Participants: []string{"user-1", "user-2"},
		Text:         "should we cache? yes, with a TTL",
		StartedAt:    start,
		EndedAt:      start.Add(20 * time.Second),
		EnrichmentStatus: map[string]conv.EnrichmentState{
			conv.TaskTopicExtraction: conv.EnrichmentPending,
		},
	}
	if err := repo.Create(ctx, want, []float32{0, 1, 0}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != conv.ExchangeSemantic || len(got.IdeaIDs) != 2 || len(got.Participants) != 2 {
		t.Errorf("got %+v", got)
	}

	if err := repo.UpdateEnrichments(ctx, "ex-1",
		map[string]any{"topics": []string{"caching"}},
		conv.TaskTopicExtraction, conv.EnrichmentComplete); err != nil {
		t.Fatal(err)
	}
	got, err = repo.Get(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.EnrichmentStatus[conv.TaskTopicExtraction] != conv.EnrichmentComplete {
		t.Errorf("status = %v", got.EnrichmentStatus)
	}

	bySession, err := repo.BySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 1 {
		t.Fatalf("got %d exchanges, want 1", len(bySession))
	}
}
