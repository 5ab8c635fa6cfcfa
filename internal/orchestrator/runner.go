package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds the pending-round queue.
const DefaultQueueSize = 256

// Runner schedules conversations as a work queue: each dequeue runs exactly
// one round and, when the conversation is still active, re-enqueues it after
// the inter-turn delay. Rounds of one conversation therefore never overlap,
// while distinct conversations interleave freely across workers.
type Runner struct {
	orch    *Orchestrator
	queue   chan uuid.UUID
	delay   time.Duration
	workers int
	logger  *slog.Logger

	wg      sync.WaitGroup
	pending sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRunner creates a Runner over orch. workers <= 0 means one worker;
// queueSize <= 0 means DefaultQueueSize.
func NewRunner(orch *Orchestrator, workers, queueSize int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		orch:    orch,
		queue:   make(chan uuid.UUID, queueSize),
		delay:   orch.cfg.InterTurnDelay,
		workers: workers,
		logger:  logger.With("component", "runner"),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
}

// Enqueue schedules a conversation and tracks it until it reaches a
// terminal outcome. Returns false when the queue is full; the caller can
// retry later.
func (r *Runner) Enqueue(conversationID uuid.UUID) bool {
	r.pending.Add(1)
	select {
	case r.queue <- conversationID:
		return true
	default:
		r.pending.Done()
		r.logger.Warn("work queue full, dropping enqueue",
			"conversation_id", conversationID)
		return false
	}
}

// Wait blocks until every enqueued conversation has reached a terminal
// outcome or the workers have stopped. Intended for run-to-completion CLI
// use, not for long-lived service mode.
func (r *Runner) Wait() {
	r.pending.Wait()
}

// Stop waits for in-flight rounds to finish. Cancel the Start context first.
func (r *Runner) Stop() {
	r.wg.Wait()
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.runOne(ctx, id)
		}
	}
}

func (r *Runner) runOne(ctx context.Context, id uuid.UUID) {
	outcome, err := r.orch.RunRound(ctx, id)
	if err != nil {
		r.logger.Error("round execution failed",
			"conversation_id", id,
			"error", err)
		r.pending.Done()
		return
	}

	switch outcome {
	case OutcomeContinued, OutcomeSkipped:
		r.requeue(ctx, id)
	default:
		r.pending.Done()
	}
}

// requeue re-enqueues the conversation after the inter-turn delay without
// blocking the worker.
func (r *Runner) requeue(ctx context.Context, id uuid.UUID) {
	go func() {
		if err := sleepCtx(ctx, r.delay); err != nil {
			r.pending.Done()
			return
		}
		select {
		case r.queue <- id:
		case <-ctx.Done():
			r.pending.Done()
		}
	}()
}
