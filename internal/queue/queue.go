// Package queue is a Redis-list work queue with at-least-once delivery.
// Producers push JSON jobs onto named queues; a worker pool moves each job to
// a per-queue processing list with BRPOPLPUSH, dispatches by job kind, and
// acknowledges by removing the entry once the handler returns. Jobs left on a
// processing list by a crashed worker are requeued when a worker starts.
// Job status lives in a per-job hash so operators can inspect stuck work.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
)

const (
	queueKeyPrefix = "llmctl:queue:"
	jobKeyPrefix   = "llmctl:job:"
	jobTTL         = 7 * 24 * time.Hour
	popTimeout     = 2 * time.Second
)

// Job is one unit of queued work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes jobs of one kind.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer is the producer surface the engine depends on. Tests substitute a
// synchronous fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, kind string, payload any) (string, error)
}

// Queue is the Redis-backed implementation of both producer and worker sides.
type Queue struct {
	rdb    *redis.Client
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs a queue over an existing Redis client.
func New(rdb *redis.Client, logger logging.Logger) *Queue {
	return &Queue{
		rdb:      rdb,
		logger:   logging.OrNop(logger),
		handlers: map[string]Handler{},
	}
}

// RegisterHandler binds jobs of the given kind to fn. Handlers must be
// registered before Work starts.
func (q *Queue) RegisterHandler(kind string, fn Handler) {
	q.mu.Lock()
	q.handlers[kind] = fn
	q.mu.Unlock()
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.handlers[kind]
	return fn, ok
}

// Enqueue pushes a job onto the named queue and returns its id.
func (q *Queue) Enqueue(ctx context.Context, queueName, kind string, payload any) (string, error) {
	if queueName == "" || kind == "" {
		return "", errors.New(errors.CodeValidation, "queue name and job kind are required")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}

	job := Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, queueKeyPrefix+queueName, data)
	pipe.HSet(ctx, jobKeyPrefix+job.ID, "status", "queued", "queue", queueName, "kind", kind)
	pipe.Expire(ctx, jobKeyPrefix+job.ID, jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", queueName, err)
	}

	q.logger.Debug("enqueued %s job %s on %s", kind, job.ID, queueName)
	return job.ID, nil
}

// Status returns the recorded status of a job, or "" when unknown.
func (q *Queue) Status(ctx context.Context, jobID string) (string, error) {
	status, err := q.rdb.HGet(ctx, jobKeyPrefix+jobID, "status").Result()
	if err == redis.Nil {
		return "", nil
	}
	return status, err
}

// Depth returns the current length of the named queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.rdb.LLen(ctx, queueKeyPrefix+queueName).Result()
}

// Revoke marks a queued job revoked. The job entry stays on the list; the
// worker that pops it observes the status and acknowledges without running
// the handler.
func (q *Queue) Revoke(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New(errors.CodeValidation, "job id is required")
	}
	return q.rdb.HSet(ctx, jobKeyPrefix+jobID, "status", "revoked").Err()
}

// Work consumes the given queues with concurrency workers each until ctx is
// cancelled. Jobs abandoned on processing lists are requeued first. Handler
// panics and errors mark the job failed; the loop continues.
func (q *Queue) Work(ctx context.Context, queues []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	for _, name := range queues {
		if err := q.requeueAbandoned(ctx, name); err != nil {
			return err
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, name := range queues {
		queueName := name
		for i := 0; i < concurrency; i++ {
			group.Go(func() error {
				return q.consume(ctx, queueName)
			})
		}
	}
	return group.Wait()
}

// requeueAbandoned moves jobs a crashed worker left on the processing list
// back onto the queue.
func (q *Queue) requeueAbandoned(ctx context.Context, queueName string) error {
	key := queueKeyPrefix + queueName
	moved := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, processingKey(key), key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return fmt.Errorf("requeue abandoned jobs on %s: %w", queueName, err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Warn("requeued %d abandoned jobs on %s", moved, queueName)
	}
	return nil
}

func processingKey(queueKey string) string {
	return queueKey + ":processing"
}

func (q *Queue) consume(ctx context.Context, queueName string) error {
	key := queueKeyPrefix + queueName
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := q.rdb.BRPopLPush(ctx, key, processingKey(key), popTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("pop on %s failed: %v", queueName, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("malformed job on %s dropped: %v", queueName, err)
			q.ack(ctx, key, raw)
			continue
		}
		q.process(ctx, &job)
		// The ack only happens after the handler finished; a crash before this
		// point leaves the job on the processing list for requeueAbandoned.
		q.ack(ctx, key, raw)
	}
}

// ack removes the job entry from the processing list.
func (q *Queue) ack(ctx context.Context, queueKey, raw string) {
	if err := q.rdb.LRem(ctx, processingKey(queueKey), 1, raw).Err(); err != nil {
		q.logger.Warn("ack on %s failed: %v", queueKey, err)
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	fn, ok := q.handler(job.Kind)
	if !ok {
		q.logger.Error("no handler for %s job %s", job.Kind, job.ID)
		q.setStatus(ctx, job.ID, "failed", "no handler registered")
		return
	}

	if status, err := q.Status(ctx, job.ID); err == nil && status == "revoked" {
		q.logger.Debug("%s job %s revoked, skipping", job.Kind, job.ID)
		return
	}

	q.setStatus(ctx, job.ID, "running", "")
	start := time.Now()

	err := q.run(ctx, fn, job)
	if err != nil {
		q.logger.Warn("%s job %s failed after %v: %v", job.Kind, job.ID, time.Since(start), err)
		q.setStatus(ctx, job.ID, "failed", err.Error())
		return
	}
	q.logger.Debug("%s job %s done in %v", job.Kind, job.ID, time.Since(start))
	q.setStatus(ctx, job.ID, "succeeded", "")
}

func (q *Queue) run(ctx context.Context, fn Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, job)
}

func (q *Queue) setStatus(ctx context.Context, jobID, status, detail string) {
	fields := []any{"status", status}
	if detail != "" {
		fields = append(fields, "error", detail)
	}
	if err := q.rdb.HSet(ctx, jobKeyPrefix+jobID, fields...).Err(); err != nil {
		q.logger.Warn("status update for job %s failed: %v", jobID, err)
	}
}

// Beat runs fn every interval until ctx is cancelled. The engine uses it for
// dispatch-key pruning and workspace cleanup.
func Beat(ctx context.Context, interval time.Duration, logger logging.Logger, fn func(ctx context.Context) error) {
	logger = logging.OrNop(logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Warn("beat failed: %v", err)
			}
		}
	}
}
