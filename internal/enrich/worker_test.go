package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/internal/enrich/handlers"
	llmmock "github.com/pcurie/loquax/pkg/provider/llm/mock"
)

// fakeQueue is an in-memory Queue double.
type fakeQueue struct {
	mu         sync.Mutex
	pending    []conv.Task
	unclaimed  map[string]bool // Claim returns false for these ids
	completed  []string
	failed     map[string]string
	resetCalls int
}

func newFakeQueue(tasks ...conv.Task) *fakeQueue {
	return &fakeQueue{
		pending:   tasks,
		unclaimed: make(map[string]bool),
		failed:    make(map[string]string),
	}
}

func (q *fakeQueue) Pending(_ context.Context, limit int, _ ...string) ([]conv.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > limit {
		return q.pending[:limit], nil
	}
	return q.pending, nil
}

func (q *fakeQueue) Claim(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.unclaimed[id], nil
}

func (q *fakeQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, id, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = message
	return nil
}

func (q *fakeQueue) ResetStale(context.Context, time.Duration, int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetCalls++
	return 0, nil
}

func (q *fakeQueue) Depth(context.Context) (int, error) { return len(q.pending), nil }

// statusChange records one MarkStatus or UpdateEnrichments call.
type statusChange struct {
	id       string
	taskType string
	state    conv.EnrichmentState
	fields   map[string]any
}

// fakeIdeaRepo is an in-memory IdeaRepo double.
type fakeIdeaRepo struct {
	mu      sync.Mutex
	ideas   map[string]conv.Idea
	changes []statusChange
}

func newFakeIdeaRepo(ideas ...conv.Idea) *fakeIdeaRepo {
	m := make(map[string]conv.Idea, len(ideas))
	for _, i := range ideas {
		m[i.ID] = i
	}
	return &fakeIdeaRepo{ideas: m}
}

func (r *fakeIdeaRepo) Get(_ context.Context, id string) (conv.Idea, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idea, ok := r.ideas[id]
	if !ok {
		return conv.Idea{}, fmt.Errorf("idea %s not found", id)
	}
	return idea, nil
}

func (r *fakeIdeaRepo) UpdateEnrichments(_ context.Context, id string, fields map[string]any, taskType string, state conv.EnrichmentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, statusChange{id: id, taskType: taskType, state: state, fields: fields})
	return nil
}

func (r *fakeIdeaRepo) MarkStatus(_ context.Context, id, taskType string, state conv.EnrichmentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, statusChange{id: id, taskType: taskType, state: state})
	return nil
}

// fakeExchangeRepo satisfies ExchangeRepo; the tests drive idea targets.
type fakeExchangeRepo struct{}

func (fakeExchangeRepo) Get(_ context.Context, id string) (conv.Exchange, error) {
	return conv.Exchange{}, fmt.Errorf("exchange %s not found", id)
}
func (fakeExchangeRepo) UpdateEnrichments(context.Context, string, map[string]any, string, conv.EnrichmentState) error {
	return nil
}
func (fakeExchangeRepo) MarkStatus(context.Context, string, string, conv.EnrichmentState) error {
	return nil
}

// fakeHandler is a scriptable handlers.Handler.
type fakeHandler struct {
	taskType  string
	modelID   string
	batchSize int
	process   func(ctx context.Context, items []handlers.Item) ([]handlers.Result, error)

	mu      sync.Mutex
	batches [][]handlers.Item
}

func (h *fakeHandler) TaskType() string               { return h.taskType }
func (h *fakeHandler) TargetTypes() []conv.TargetType { return []conv.TargetType{conv.TargetIdea} }
func (h *fakeHandler) ModelID() string                { return h.modelID }
func (h *fakeHandler) BatchSize() int                 { return h.batchSize }

func (h *fakeHandler) Process(ctx context.Context, items []handlers.Item) ([]handlers.Result, error) {
	h.mu.Lock()
	h.batches = append(h.batches, items)
	h.mu.Unlock()
	if h.process != nil {
		return h.process(ctx, items)
	}
	results := make([]handlers.Result, len(items))
	for i := range results {
		results[i] = handlers.Result{Fields: map[string]any{"done": true}}
	}
	return results, nil
}

func ideaTask(id, target string) conv.Task {
	return conv.Task{
		ID:         id,
		TargetType: conv.TargetIdea,
		TargetID:   target,
		TaskType:   conv.TaskIntentKeywords,
		Status:     conv.TaskPending,
	}
}

func newTestWorker(q Queue, ideas IdeaRepo, h handlers.Handler) *Worker {
	return NewWorker(WorkerConfig{BatchSize: 10}, q, ideas, fakeExchangeRepo{}, nil, []handlers.Handler{h}, nil)
}

func TestTickCompletesTasks(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"), ideaTask("t2", "i2"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"}, conv.Idea{ID: "i2"})
	handler := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 10}

	w := newTestWorker(queue, ideas, handler)
	processed, err := w.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}
	if len(queue.completed) != 2 {
		t.Errorf("completed = %v, want both tasks", queue.completed)
	}
	if len(queue.failed) != 0 {
		t.Errorf("failed = %v, want none", queue.failed)
	}
	for _, c := range ideas.changes {
		if c.state != conv.EnrichmentComplete {
			t.Errorf("idea %s marked %s, want complete", c.id, c.state)
		}
		if c.fields["done"] != true {
			t.Errorf("idea %s fields = %v, want handler output", c.id, c.fields)
		}
	}
}

func TestTickSkipsLostClaims(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"), ideaTask("t2", "i2"))
	queue.unclaimed["t1"] = true
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"}, conv.Idea{ID: "i2"})
	handler := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 10}

	w := newTestWorker(queue, ideas, handler)
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(handler.batches) != 1 || len(handler.batches[0]) != 1 {
		t.Fatalf("handler saw %v, want only the claimed task", handler.batches)
	}
	if handler.batches[0][0].Task.ID != "t2" {
		t.Errorf("handler saw task %s, want t2", handler.batches[0][0].Task.ID)
	}
}

func TestTickBatchWideFailureFailsEveryTask(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"), ideaTask("t2", "i2"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"}, conv.Idea{ID: "i2"})
	handler := &fakeHandler{
		taskType:  conv.TaskIntentKeywords,
		batchSize: 10,
		process: func(context.Context, []handlers.Item) ([]handlers.Result, error) {
			return nil, errors.New("backend down")
		},
	}

	w := newTestWorker(queue, ideas, handler)
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(queue.failed) != 2 {
		t.Errorf("failed = %v, want both tasks", queue.failed)
	}
	if len(queue.completed) != 0 {
		t.Errorf("completed = %v, want none", queue.completed)
	}
	for _, c := range ideas.changes {
		if c.state != conv.EnrichmentFailed {
			t.Errorf("idea %s marked %s, want failed", c.id, c.state)
		}
	}
}

func TestTickResultCountMismatchFailsBatch(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"), ideaTask("t2", "i2"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"}, conv.Idea{ID: "i2"})
	handler := &fakeHandler{
		taskType:  conv.TaskIntentKeywords,
		batchSize: 10,
		process: func(_ context.Context, items []handlers.Item) ([]handlers.Result, error) {
			return make([]handlers.Result, len(items)-1), nil
		},
	}

	w := newTestWorker(queue, ideas, handler)
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(queue.failed) != 2 {
		t.Errorf("failed = %v, want both tasks on a short result slice", queue.failed)
	}
}

func TestTickPerItemErrorFailsOnlyThatTask(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"), ideaTask("t2", "i2"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"}, conv.Idea{ID: "i2"})
	handler := &fakeHandler{
		taskType:  conv.TaskIntentKeywords,
		batchSize: 10,
		process: func(_ context.Context, items []handlers.Item) ([]handlers.Result, error) {
			results := make([]handlers.Result, len(items))
			for i, item := range items {
				if item.Task.ID == "t2" {
					results[i] = handlers.Result{Err: errors.New("malformed text")}
				} else {
					results[i] = handlers.Result{Fields: map[string]any{"intent": "greeting"}}
				}
			}
			return results, nil
		},
	}

	w := newTestWorker(queue, ideas, handler)
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(queue.completed) != 1 || queue.completed[0] != "t1" {
		t.Errorf("completed = %v, want [t1]", queue.completed)
	}
	if _, ok := queue.failed["t2"]; !ok {
		t.Errorf("failed = %v, want t2", queue.failed)
	}
}

func TestTickResolveFailureFailsTask(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "missing"))
	ideas := newFakeIdeaRepo()
	handler := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 10}

	w := newTestWorker(queue, ideas, handler)
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := queue.failed["t1"]; !ok {
		t.Errorf("failed = %v, want t1 after target load failure", queue.failed)
	}
	if len(handler.batches) != 0 {
		t.Errorf("handler was called with %v, want nothing", handler.batches)
	}
}

func TestTickHonoursHandlerBatchSize(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"), ideaTask("t2", "i2"), ideaTask("t3", "i3"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"}, conv.Idea{ID: "i2"}, conv.Idea{ID: "i3"})
	handler := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 2}

	w := newTestWorker(queue, ideas, handler)
	processed, err := w.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if processed != 3 {
		t.Errorf("processed = %d, want 3", processed)
	}
	if len(handler.batches) != 2 {
		t.Fatalf("handler called %d times, want 2", len(handler.batches))
	}
	if len(handler.batches[0]) != 2 || len(handler.batches[1]) != 1 {
		t.Errorf("batch sizes = %d/%d, want 2/1", len(handler.batches[0]), len(handler.batches[1]))
	}
}

func TestTickCachesModelConfirmations(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"})
	provider := &llmmock.Provider{ModelsValue: []string{"phi3:mini"}}
	handler := &fakeHandler{taskType: conv.TaskIntentKeywords, modelID: "phi3:mini", batchSize: 10}

	w := NewWorker(WorkerConfig{BatchSize: 10}, queue, ideas, fakeExchangeRepo{},
		NewModelManager(provider), []handlers.Handler{handler}, nil)
	for i := 0; i < 2; i++ {
		if _, err := w.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if got := provider.ModelsCalls(); got != 1 {
		t.Errorf("Models called %d times across two ticks, want 1 (cached)", got)
	}
}

func TestBatchFailureForcesModelRecheck(t *testing.T) {
	queue := newFakeQueue(ideaTask("t1", "i1"))
	ideas := newFakeIdeaRepo(conv.Idea{ID: "i1"})
	provider := &llmmock.Provider{ModelsValue: []string{"phi3:mini"}}
	handler := &fakeHandler{
		taskType:  conv.TaskIntentKeywords,
		modelID:   "phi3:mini",
		batchSize: 10,
		process: func(context.Context, []handlers.Item) ([]handlers.Result, error) {
			return nil, errors.New("model unloaded")
		},
	}

	w := NewWorker(WorkerConfig{BatchSize: 10}, queue, ideas, fakeExchangeRepo{},
		NewModelManager(provider), []handlers.Handler{handler}, nil)
	for i := 0; i < 2; i++ {
		if _, err := w.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if got := provider.ModelsCalls(); got != 2 {
		t.Errorf("Models called %d times, want 2: a failed batch must drop the cached confirmation", got)
	}
}

func TestRunResetsStaleTasksOnStartup(t *testing.T) {
	queue := newFakeQueue()
	handler := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 10}
	w := newTestWorker(queue, newFakeIdeaRepo(), handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if queue.resetCalls != 1 {
		t.Errorf("resetCalls = %d, want 1", queue.resetCalls)
	}
}

func TestNewWorkerRejectsDuplicateHandlers(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewWorker did not panic on duplicate task types")
		}
	}()
	h1 := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 1}
	h2 := &fakeHandler{taskType: conv.TaskIntentKeywords, batchSize: 1}
	NewWorker(WorkerConfig{}, newFakeQueue(), newFakeIdeaRepo(), fakeExchangeRepo{}, nil, []handlers.Handler{h1, h2}, nil)
}
