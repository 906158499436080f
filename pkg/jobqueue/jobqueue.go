// Package jobqueue implements the durable background job queue (component
// J): three priority lanes over Redis, ack-late delivery with redelivery on
// worker loss, and exponential backoff on failure. It is intentionally not
// a queue framework — the dispatcher needs to control the enqueue
// transaction directly so the operation journal (K) can pre-register a
// caller-visible task id before the task body ever runs (spec.md §4.J,
// §9's "task-ownership pre-registration" note).
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/metrics"
)

// Lane names the three priority lanes spec.md §4.J requires. A worker pool
// drains HighPriority before BulkSync before Default.
type Lane string

const (
	HighPriority Lane = "high-priority"
	BulkSync     Lane = "bulk-sync"
	Default      Lane = "default"
)

// Lanes is the priority order workers poll in.
var Lanes = []Lane{HighPriority, BulkSync, Default}

const (
	// HardTaskLimit is the wall-clock ceiling after which a task is
	// considered lost and redelivered (spec.md §5).
	HardTaskLimit = 30 * time.Minute
	// SoftTaskLimit is advisory: handlers are expected to check it and
	// wind down cleanly before HardTaskLimit forces redelivery.
	SoftTaskLimit = 25 * time.Minute
	// MaxBackoff caps the exponential retry backoff (spec.md §4.J).
	MaxBackoff = 300 * time.Second

	dequeueTimeout = 2 * time.Second
	reapInterval   = 15 * time.Second
	promoteInterval = time.Second
)

// Task is a durable unit of work on the queue.
type Task struct {
	ID         string         `json:"id"`
	Lane       Lane           `json:"lane"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempt    int            `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// SoftDeadlineExceeded reports whether a long-running handler should start
// winding down (spec.md §5's soft 25-minute limit).
func (t Task) SoftDeadlineExceeded() bool {
	return time.Since(t.EnqueuedAt) >= SoftTaskLimit
}

// PreRegister is called synchronously, inside Enqueue, before the task is
// made visible to any worker. The operation journal (K) uses this to write
// its Operation row so a status poll immediately after Enqueue returns can
// be authorized (spec.md §4.J, §9).
type PreRegister func(ctx context.Context, taskID string) error

// Queue is a Redis-backed durable queue with three priority lanes.
type Queue struct {
	client    *redis.Client
	keyPrefix string
}

// Config configures a Queue.
type Config struct {
	// KeyPrefix namespaces this queue's Redis keys. Defaults to "jobqueue".
	KeyPrefix string
}

// New creates a Queue against an existing Redis client.
func New(client *redis.Client, cfg Config) *Queue {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "jobqueue"
	}
	return &Queue{client: client, keyPrefix: prefix}
}

func (q *Queue) readyKey(lane Lane) string   { return fmt.Sprintf("%s:%s:ready", q.keyPrefix, lane) }
func (q *Queue) processingZKey() string      { return q.keyPrefix + ":processing" }
func (q *Queue) processingDataKey() string   { return q.keyPrefix + ":processing:data" }
func (q *Queue) delayedZKey() string         { return q.keyPrefix + ":delayed" }
func (q *Queue) delayedDataKey() string      { return q.keyPrefix + ":delayed:data" }
func (q *Queue) deadLetterKey() string       { return q.keyPrefix + ":dead" }

// Enqueue writes preRegister's side effect (if any), then makes task
// visible to workers on lane. taskType, userID and payload describe the
// work; maxAttempts bounds retries (0 means unlimited, handler decides).
func (q *Queue) Enqueue(ctx context.Context, lane Lane, taskType, userID string, payload map[string]any, maxAttempts int, preRegister PreRegister) (string, error) {
	id := uuid.New().String()

	if preRegister != nil {
		if err := preRegister(ctx, id); err != nil {
			return "", fmt.Errorf("pre-register task %s: %w", id, err)
		}
	}

	task := Task{
		ID:          id,
		Lane:        lane,
		Type:        taskType,
		UserID:      userID,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	if err := q.client.RPush(ctx, q.readyKey(lane), data).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	metrics.JobQueueDepth.WithLabelValues(string(lane)).Set(float64(q.client.LLen(ctx, q.readyKey(lane)).Val()))
	return id, nil
}

// Dequeue blocks (bounded by dequeueTimeout) for the next task across
// lanes in priority order, moving it into the processing set so it is
// redelivered if the worker dies before Ack/Nack.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	keys := make([]string, len(Lanes))
	for i, lane := range Lanes {
		keys[i] = q.readyKey(lane)
	}

	result, err := q.client.BLPop(ctx, dequeueTimeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	raw := result[1]
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal dequeued task: %w", err)
	}

	if err := q.markProcessing(ctx, &task, raw); err != nil {
		return nil, err
	}
	return &task, nil
}

func (q *Queue) markProcessing(ctx context.Context, task *Task, raw string) error {
	deadline := time.Now().Add(HardTaskLimit).Unix()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.processingDataKey(), task.ID, raw)
	pipe.ZAdd(ctx, q.processingZKey(), redis.Z{Score: float64(deadline), Member: task.ID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// Ack marks a task as successfully completed, removing it from the
// processing set.
func (q *Queue) Ack(ctx context.Context, task *Task) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingDataKey(), task.ID)
	pipe.ZRem(ctx, q.processingZKey(), task.ID)
	_, err := pipe.Exec(ctx)
	metrics.JobQueueTasksTotal.WithLabelValues(string(task.Lane), "completed").Inc()
	return err
}

// Nack reports a handler failure for task. It removes task from the
// processing set and either reschedules it with exponential backoff
// (min(300, 2^attempt) seconds plus jitter) or, once MaxAttempts is
// exhausted, moves it to the dead-letter list.
func (q *Queue) Nack(ctx context.Context, task *Task, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingDataKey(), task.ID)
	pipe.ZRem(ctx, q.processingZKey(), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear processing state for %s: %w", task.ID, err)
	}

	task.Attempt++
	if task.MaxAttempts > 0 && task.Attempt >= task.MaxAttempts {
		return q.deadLetter(ctx, task, cause)
	}

	return q.scheduleRetry(ctx, task)
}

func (q *Queue) scheduleRetry(ctx context.Context, task *Task) error {
	backoff := backoffFor(task.Attempt)
	runAt := time.Now().Add(backoff)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal retrying task: %w", err)
	}

	retryPipe := q.client.TxPipeline()
	retryPipe.HSet(ctx, q.delayedDataKey(), task.ID, data)
	retryPipe.ZAdd(ctx, q.delayedZKey(), redis.Z{Score: float64(runAt.Unix()), Member: task.ID})
	if _, err := retryPipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", task.ID, err)
	}

	metrics.JobQueueRetriesTotal.WithLabelValues(string(task.Lane)).Inc()
	log.WithOperationID(task.ID).Warn().
		Int("attempt", task.Attempt).
		Dur("backoff", backoff).
		Msg("jobqueue: scheduling retry")
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, task *Task, cause error) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal dead-letter task: %w", err)
	}
	if err := q.client.RPush(ctx, q.deadLetterKey(), data).Err(); err != nil {
		return fmt.Errorf("dead-letter task %s: %w", task.ID, err)
	}
	metrics.JobQueueTasksTotal.WithLabelValues(string(task.Lane), "dead_letter").Inc()
	log.WithOperationID(task.ID).Error().Err(cause).Msg("jobqueue: task exhausted retries, dead-lettered")
	return nil
}

// backoffFor computes min(300, 2^attempt) seconds plus up to one second of
// jitter, per spec.md §4.J.
func backoffFor(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt))
	if seconds > MaxBackoff.Seconds() {
		seconds = MaxBackoff.Seconds()
	}
	return time.Duration(seconds)*time.Second + time.Duration(rand.Float64()*float64(time.Second))
}

// PromoteDelayed moves any delayed tasks whose scheduled run time has
// passed back onto their lane's ready list. Intended to be called from a
// ticker loop (see Dispatcher).
func (q *Queue) PromoteDelayed(ctx context.Context) error {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedZKey(), &redis.ZRangeBy{Min: "0", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed tasks: %w", err)
	}

	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.delayedDataKey(), id).Result()
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, q.readyKey(task.Lane), raw)
		pipe.ZRem(ctx, q.delayedZKey(), id)
		pipe.HDel(ctx, q.delayedDataKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.WithComponent("jobqueue").Warn().Err(err).Str("task_id", id).Msg("failed to promote delayed task")
		}
	}
	return nil
}

// ReapExpired finds tasks whose processing deadline has passed — meaning
// the worker holding them is presumed dead — and redelivers them via the
// same retry-scheduling path Nack uses (spec.md §5: "expiry is treated as
// failure for retry purposes").
func (q *Queue) ReapExpired(ctx context.Context) error {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.processingZKey(), &redis.ZRangeBy{Min: "0", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("scan processing tasks: %w", err)
	}

	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.processingDataKey(), id).Result()
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}

		log.WithOperationID(task.ID).Warn().Msg("jobqueue: task exceeded hard limit, redelivering")
		if err := q.Nack(ctx, &task, fmt.Errorf("task exceeded hard limit of %s", HardTaskLimit)); err != nil {
			log.WithComponent("jobqueue").Error().Err(err).Str("task_id", id).Msg("failed to redeliver expired task")
		}
	}
	return nil
}

// Depth returns the number of ready tasks in lane, for metrics/diagnostics.
func (q *Queue) Depth(ctx context.Context, lane Lane) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(lane)).Result()
}
