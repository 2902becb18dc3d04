package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pcurie/loquax/internal/conv"
)

// QueueRepo is the durable, priority-ordered enrichment task queue. The
// conditional UPDATE in [QueueRepo.Claim] is the only synchronisation
// primitive between workers. All methods are safe for concurrent use.
type QueueRepo struct {
	pool *pgxpool.Pool
}

// Enqueue inserts a task for (targetType, targetID, taskType). The triple is
// unique: if a row already exists in any state, its id is returned without
// modification, so re-enqueues never resurrect a completed task.
func (r *QueueRepo) Enqueue(ctx context.Context, targetType conv.TargetType, targetID, taskType string, priority int) (string, error) {
	const insert = `
		INSERT INTO enrichment_queue (id, target_type, target_id, task_type, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now())
		ON CONFLICT (target_type, target_id, task_type) DO NOTHING
		RETURNING id`

	id := uuid.NewString()
	err := r.pool.QueryRow(ctx, insert, id, targetType, targetID, taskType, priority).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("queue repo: enqueue %s/%s/%s: %w", targetType, targetID, taskType, err)
	}

	// Conflict path: return the existing row's id.
	const lookup = `
		SELECT id FROM enrichment_queue
		WHERE  target_type = $1 AND target_id = $2 AND task_type = $3`
	if err := r.pool.QueryRow(ctx, lookup, targetType, targetID, taskType).Scan(&id); err != nil {
		return "", fmt.Errorf("queue repo: enqueue lookup %s/%s/%s: %w", targetType, targetID, taskType, err)
	}
	return id, nil
}

// Pending returns up to limit pending tasks in priority-then-FIFO order,
// optionally restricted to the given task types.
func (r *QueueRepo) Pending(ctx context.Context, limit int, taskTypes ...string) ([]conv.Task, error) {
	args := []any{limit}
	filter := ""
	if len(taskTypes) > 0 {
		args = append(args, taskTypes)
		filter = "AND task_type = ANY($2)"
	}
	q := fmt.Sprintf(`
		SELECT id, target_type, target_id, task_type, priority, status,
		       attempts, created_at, started_at, completed_at, error
		FROM   enrichment_queue
		WHERE  status = 'pending' %s
		ORDER  BY priority, created_at
		LIMIT  $1`, filter)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("queue repo: pending: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, fmt.Errorf("queue repo: scan pending: %w", err)
	}
	return tasks, nil
}

// Claim attempts the atomic pending → processing transition, stamping
// started_at and incrementing attempts. Returns true iff exactly one row
// changed; a false return means another worker got there first or the task
// is no longer pending.
func (r *QueueRepo) Claim(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE enrichment_queue
		SET    status = 'processing', started_at = now(), attempts = attempts + 1
		WHERE  id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("queue repo: claim %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks a task terminal-successful and clears any prior error.
func (r *QueueRepo) Complete(ctx context.Context, id string) error {
	const q = `
		UPDATE enrichment_queue
		SET    status = 'complete', completed_at = now(), error = ''
		WHERE  id = $1 AND status = 'processing'`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("queue repo: complete %s: %w", id, err)
	}
	return nil
}

// Fail marks a task terminal-failed with the given message.
func (r *QueueRepo) Fail(ctx context.Context, id, message string) error {
	const q = `
		UPDATE enrichment_queue
		SET    status = 'failed', completed_at = now(), error = $2
		WHERE  id = $1 AND status = 'processing'`
	if _, err := r.pool.Exec(ctx, q, id, message); err != nil {
		return fmt.Errorf("queue repo: fail %s: %w", id, err)
	}
	return nil
}

// ResetStale returns tasks stuck in processing longer than maxAge back to
// pending with started_at cleared, so they can be re-claimed after a worker
// crash. Rows that have already consumed maxAttempts are marked failed
// instead. Terminal rows are never touched. Returns the number of rows
// requeued.
func (r *QueueRepo) ResetStale(ctx context.Context, maxAge time.Duration, maxAttempts int) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	if maxAttempts > 0 {
		const exhaust = `
			UPDATE enrichment_queue
			SET    status = 'failed', completed_at = now(), error = 'max attempts exceeded'
			WHERE  status = 'processing' AND started_at < $1 AND attempts >= $2`
		if _, err := r.pool.Exec(ctx, exhaust, cutoff, maxAttempts); err != nil {
			return 0, fmt.Errorf("queue repo: fail exhausted: %w", err)
		}
	}

	const requeue = `
		UPDATE enrichment_queue
		SET    status = 'pending', started_at = NULL
		WHERE  status = 'processing' AND started_at < $1`
	tag, err := r.pool.Exec(ctx, requeue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue repo: reset stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Depth returns the number of pending tasks; exported as a gauge.
func (r *QueueRepo) Depth(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM enrichment_queue WHERE status = 'pending'`
	var n int
	if err := r.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue repo: depth: %w", err)
	}
	return n, nil
}

// scanTask scans one full queue row.
func scanTask(row pgx.CollectableRow) (conv.Task, error) {
	var t conv.Task
	err := row.Scan(&t.ID, &t.TargetType, &t.TargetID, &t.TaskType, &t.Priority, &t.Status,
		&t.Attempts, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.Error)
	return t, err
}
