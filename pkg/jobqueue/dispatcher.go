package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/syncd/pkg/log"
)

// Handler processes one task. Returning an error triggers Nack (retry or
// dead-letter); returning nil triggers Ack.
type Handler func(ctx context.Context, task Task) error

// Dispatcher runs a pool of workers draining Queue, plus the background
// loops that promote delayed retries and reap expired in-flight tasks.
// Its Start/Stop shape mirrors the ticker-driven loops the teacher's
// scheduler and reconciler already use.
type Dispatcher struct {
	queue    *Queue
	handlers map[string]Handler
	workers  int
	logger   zerolog.Logger

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with workerCount workers draining
// queue, dispatching each task to the Handler registered for its Type.
func NewDispatcher(queue *Queue, workerCount int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 4
	}
	return &Dispatcher{
		queue:    queue,
		handlers: make(map[string]Handler),
		workers:  workerCount,
		logger:   log.WithComponent("jobqueue"),
		stopCh:   make(chan struct{}),
	}
}

// Register binds taskType to handler. Must be called before Start.
func (d *Dispatcher) Register(taskType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[taskType] = handler
}

// Start launches the worker pool and the promoter/reaper loops.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.wg.Add(2)
	go d.promoterLoop()
	go d.reaperLoop()
}

// Stop signals every worker and background loop to exit and waits for them.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	logger := d.logger.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dequeueTimeout+5*time.Second)
		task, err := d.queue.Dequeue(ctx)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if task == nil {
			continue
		}

		d.handle(logger, *task)
	}
}

func (d *Dispatcher) handle(logger zerolog.Logger, task Task) {
	d.mu.RLock()
	handler, ok := d.handlers[task.Type]
	d.mu.RUnlock()

	if !ok {
		logger.Error().Str("task_type", task.Type).Str("task_id", task.ID).Msg("no handler registered, dead-lettering")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.queue.Nack(ctx, &task, errNoHandler(task.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), HardTaskLimit)
	defer cancel()

	err := handler(ctx, task)

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()

	if err != nil {
		logger.Error().Err(err).Str("task_id", task.ID).Str("task_type", task.Type).Msg("task handler failed")
		if nackErr := d.queue.Nack(ackCtx, &task, err); nackErr != nil {
			logger.Error().Err(nackErr).Str("task_id", task.ID).Msg("failed to nack task")
		}
		return
	}

	if ackErr := d.queue.Ack(ackCtx, &task); ackErr != nil {
		logger.Error().Err(ackErr).Str("task_id", task.ID).Msg("failed to ack task")
	}
}

func (d *Dispatcher) promoterLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.queue.PromoteDelayed(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("promote delayed tasks failed")
			}
			cancel()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) reaperLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := d.queue.ReapExpired(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("reap expired tasks failed")
			}
			cancel()
		case <-d.stopCh:
			return
		}
	}
}

type errNoHandler string

func (e errNoHandler) Error() string { return "jobqueue: no handler registered for type " + string(e) }
