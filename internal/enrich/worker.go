// Package enrich runs the durable enrichment queue: a polling worker claims
// pending tasks, resolves their idea or exchange targets, dispatches them to
// the registered handlers, and writes results back to the knowledge repos.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/internal/enrich/handlers"
	"github.com/pcurie/loquax/internal/observe"
	"github.com/pcurie/loquax/internal/resilience"
)

// Queue is the durable task queue the worker drains. Implemented by
// postgres.QueueRepo.
type Queue interface {
	Pending(ctx context.Context, limit int, taskTypes ...string) ([]conv.Task, error)
	Claim(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, message string) error
	ResetStale(ctx context.Context, maxAge time.Duration, maxAttempts int) (int, error)
	Depth(ctx context.Context) (int, error)
}

// IdeaRepo is the idea side of the knowledge store.
type IdeaRepo interface {
	Get(ctx context.Context, id string) (conv.Idea, error)
	UpdateEnrichments(ctx context.Context, id string, fields map[string]any, taskType string, state conv.EnrichmentState) error
	MarkStatus(ctx context.Context, id, taskType string, state conv.EnrichmentState) error
}

// ExchangeRepo is the exchange side of the knowledge store.
type ExchangeRepo interface {
	Get(ctx context.Context, id string) (conv.Exchange, error)
	UpdateEnrichments(ctx context.Context, id string, fields map[string]any, taskType string, state conv.EnrichmentState) error
	MarkStatus(ctx context.Context, id, taskType string, state conv.EnrichmentState) error
}

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	// BatchSize is how many pending tasks one poll fetches across all task
	// types. Defaults to 10.
	BatchSize int

	// PollInterval is the sleep after an empty poll. Defaults to 5s.
	PollInterval time.Duration

	// StaleAge is how long a task may sit in processing before it is assumed
	// orphaned by a crashed worker. Defaults to 5m.
	StaleAge time.Duration

	// StaleCheckInterval is how often orphaned tasks are reset. Defaults to
	// 1m.
	StaleCheckInterval time.Duration

	// MaxAttempts fails a task permanently once it has been claimed this many
	// times. Defaults to 5.
	MaxAttempts int
}

func (c *WorkerConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 5 * time.Minute
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Worker drains the enrichment queue. Tasks are fetched in priority order,
// bucketed by task type, claimed one by one, and dispatched to the handler
// registered for the type in handler-sized chunks.
type Worker struct {
	cfg       WorkerConfig
	queue     Queue
	ideas     IdeaRepo
	exchanges ExchangeRepo
	handlers  map[string]handlers.Handler
	taskTypes []string
	models    *ModelManager
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewWorker creates a worker over the given handlers. Each handler serves
// the task type it reports; registering two handlers for one type is a
// programming error and panics.
func NewWorker(cfg WorkerConfig, queue Queue, ideas IdeaRepo, exchanges ExchangeRepo, models *ModelManager, hs []handlers.Handler, metrics *observe.Metrics) *Worker {
	cfg.withDefaults()
	byType := make(map[string]handlers.Handler, len(hs))
	types := make([]string, 0, len(hs))
	for _, h := range hs {
		if _, dup := byType[h.TaskType()]; dup {
			panic(fmt.Sprintf("enrich: duplicate handler for task type %q", h.TaskType()))
		}
		byType[h.TaskType()] = h
		types = append(types, h.TaskType())
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		ideas:     ideas,
		exchanges: exchanges,
		handlers:  byType,
		taskTypes: types,
		models:    models,
		metrics:   metrics,
		log:       slog.Default().With("component", "enrich"),
	}
}

// Run polls the queue until ctx is cancelled. Orphaned tasks are reset once
// at startup and then on every stale-check tick.
func (w *Worker) Run(ctx context.Context) error {
	w.resetStale(ctx)

	stale := time.NewTicker(w.cfg.StaleCheckInterval)
	defer stale.Stop()

	for {
		processed, err := w.Tick(ctx)
		if err != nil {
			w.log.Error("poll failed", "error", err)
		}
		if processed > 0 {
			// Drain eagerly while there is work.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stale.C:
			w.resetStale(ctx)
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Tick runs one poll cycle and returns how many tasks reached a terminal
// state.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	pending, err := w.queue.Pending(ctx, w.cfg.BatchSize, w.taskTypes...)
	if err != nil {
		return 0, fmt.Errorf("enrich: fetch pending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// Bucket by task type, preserving queue order within each bucket.
	buckets := make(map[string][]conv.Task)
	for _, task := range pending {
		buckets[task.TaskType] = append(buckets[task.TaskType], task)
	}

	processed := 0
	for taskType, tasks := range buckets {
		processed += w.runBucket(ctx, taskType, tasks)
	}
	return processed, nil
}

// runBucket claims and dispatches one task type's share of the poll.
func (w *Worker) runBucket(ctx context.Context, taskType string, tasks []conv.Task) int {
	handler := w.handlers[taskType]

	// Model availability is advisory: a cold model slows the batch down but
	// the provider loads it on first use, so a failed check only warns.
	if id := handler.ModelID(); id != "" && w.models != nil {
		if err := w.models.Ensure(ctx, id); err != nil {
			w.log.Warn("model check failed", "model", id, "task_type", taskType, "error", err)
		}
	}

	var items []handlers.Item
	for _, task := range tasks {
		claimed, err := w.queue.Claim(ctx, task.ID)
		if err != nil {
			w.log.Error("claim failed", "task", task.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		item, err := w.resolve(ctx, task)
		if err != nil {
			w.finish(ctx, task, nil, err)
			continue
		}
		items = append(items, item)
	}

	processed := 0
	for start := 0; start < len(items); start += handler.BatchSize() {
		end := min(start+handler.BatchSize(), len(items))
		processed += w.dispatch(ctx, handler, items[start:end])
	}
	return processed
}

// resolve loads a claimed task's target into a handler item.
func (w *Worker) resolve(ctx context.Context, task conv.Task) (handlers.Item, error) {
	item := handlers.Item{Task: task}
	switch task.TargetType {
	case conv.TargetIdea:
		idea, err := w.ideas.Get(ctx, task.TargetID)
		if err != nil {
			return item, fmt.Errorf("enrich: load idea %s: %w", task.TargetID, err)
		}
		item.Idea = &idea
	case conv.TargetExchange:
		ex, err := w.exchanges.Get(ctx, task.TargetID)
		if err != nil {
			return item, fmt.Errorf("enrich: load exchange %s: %w", task.TargetID, err)
		}
		item.Exchange = &ex
	default:
		return item, fmt.Errorf("enrich: unsupported target type %q", task.TargetType)
	}
	return item, nil
}

// dispatch runs one handler-sized chunk and applies the results. A
// batch-wide handler error fails every claimed task in the chunk.
func (w *Worker) dispatch(ctx context.Context, handler handlers.Handler, items []handlers.Item) int {
	started := time.Now()
	results, err := handler.Process(ctx, items)
	elapsed := time.Since(started).Seconds()
	w.metrics.EnrichmentDuration.Record(ctx, elapsed,
		metric.WithAttributes(observe.Attr("task_type", handler.TaskType())))

	if err != nil {
		w.log.Error("handler batch failed", "task_type", handler.TaskType(), "error", err)
		if w.models != nil {
			if id := handler.ModelID(); id != "" {
				w.models.Forget(id)
			}
		}
		for _, item := range items {
			w.finish(ctx, item.Task, nil, err)
		}
		return len(items)
	}
	if len(results) != len(items) {
		err := fmt.Errorf("enrich: handler %s returned %d results for %d items", handler.TaskType(), len(results), len(items))
		for _, item := range items {
			w.finish(ctx, item.Task, nil, err)
		}
		return len(items)
	}

	for i, item := range items {
		w.finish(ctx, item.Task, results[i].Fields, results[i].Err)
	}
	return len(items)
}

// finish drives one claimed task to its terminal state, keeping the queue
// row and the target's enrichment status in step.
func (w *Worker) finish(ctx context.Context, task conv.Task, fields map[string]any, procErr error) {
	if procErr != nil {
		w.log.Warn("task failed", "task", task.ID, "task_type", task.TaskType, "target", task.TargetID, "error", procErr)
		if err := w.queue.Fail(ctx, task.ID, procErr.Error()); err != nil {
			w.log.Error("mark task failed", "task", task.ID, "error", err)
		}
		if err := w.markTarget(ctx, task, nil, conv.EnrichmentFailed); err != nil {
			w.log.Error("mark target failed", "task", task.ID, "error", err)
		}
		w.metrics.RecordTask(ctx, task.TaskType, "failed")
		return
	}

	if err := w.markTarget(ctx, task, fields, conv.EnrichmentComplete); err != nil {
		// The result could not be written even after the retry backoff;
		// fail the task so it lands in a terminal state with the reason.
		w.log.Error("apply result failed", "task", task.ID, "error", err)
		if err := w.queue.Fail(ctx, task.ID, err.Error()); err != nil {
			w.log.Error("mark task failed", "task", task.ID, "error", err)
		}
		w.metrics.RecordTask(ctx, task.TaskType, "failed")
		return
	}
	if err := w.queue.Complete(ctx, task.ID); err != nil {
		w.log.Error("mark task complete", "task", task.ID, "error", err)
	}
	w.metrics.RecordTask(ctx, task.TaskType, "complete")
}

// markTarget writes enrichment fields and status onto the task's target.
// Writes go through a short bounded-backoff retry so a vector store hiccup
// does not burn one of the task's claim attempts.
func (w *Worker) markTarget(ctx context.Context, task conv.Task, fields map[string]any, state conv.EnrichmentState) error {
	return resilience.Retry(ctx, resilience.RetryConfig{}, func(ctx context.Context) error {
		switch task.TargetType {
		case conv.TargetIdea:
			if fields == nil {
				return w.ideas.MarkStatus(ctx, task.TargetID, task.TaskType, state)
			}
			return w.ideas.UpdateEnrichments(ctx, task.TargetID, fields, task.TaskType, state)
		case conv.TargetExchange:
			if fields == nil {
				return w.exchanges.MarkStatus(ctx, task.TargetID, task.TaskType, state)
			}
			return w.exchanges.UpdateEnrichments(ctx, task.TargetID, fields, task.TaskType, state)
		}
		return fmt.Errorf("enrich: unsupported target type %q", task.TargetType)
	})
}

// resetStale requeues orphaned processing tasks.
func (w *Worker) resetStale(ctx context.Context) {
	n, err := w.queue.ResetStale(ctx, w.cfg.StaleAge, w.cfg.MaxAttempts)
	if err != nil {
		w.log.Error("reset stale tasks", "error", err)
		return
	}
	if n > 0 {
		w.log.Info("requeued stale tasks", "count", n)
	}
}
