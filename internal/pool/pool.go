// Package pool implements the bounded-concurrency worker pool that turns a
// batch of subtasks into a complete batch of terminal results.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"github.com/ZanzyTHEbar/searchscale/internal/retry"
	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// WorkerPool owns a bounded set of worker agents. Submit admits a batch,
// fans it out across at most MaxPoolSize concurrently active executions, and
// returns exactly one terminal result per input subtask, in input order.
type WorkerPool struct {
	fetcher searchscale.Fetcher
	config  searchscale.PoolConfig
	slots   *slotTable
	logger  *zap.Logger
	bus     eventbus.EventBus

	metrics PoolMetrics
	closed  atomic.Bool
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(w *WorkerPool) {
		w.logger = logger
	}
}

// WithEventBus lets the pool publish subtask lifecycle events.
func WithEventBus(bus eventbus.EventBus) PoolOption {
	return func(w *WorkerPool) {
		w.bus = bus
	}
}

// NewWorkerPool creates a pool around the given fetch collaborator. The
// configuration is read here and never re-read mid-run.
func NewWorkerPool(fetcher searchscale.Fetcher, config searchscale.PoolConfig, options ...PoolOption) (*WorkerPool, error) {
	if fetcher == nil {
		return nil, searchscale.NewConfigurationError("fetcher is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	w := &WorkerPool{
		fetcher: fetcher,
		config:  config,
		slots:   newSlotTable(config.MaxPoolSize),
		logger:  zap.NewNop(),
	}

	for _, option := range options {
		option(w)
	}

	return w, nil
}

// retryPolicy translates the pool's retry configuration for the agents.
// Attempts are detached from run cancellation so in-flight subtasks finish
// naturally, bounded by the per-attempt timeout.
func (w *WorkerPool) retryPolicy() retry.Policy {
	r := w.config.Retry
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		InitialDelay:   r.InitialDelay,
		Multiplier:     r.Multiplier,
		MaxDelay:       r.MaxDelay,
		Jitter:         true,
		AttemptTimeout: r.AttemptTimeout,
		DetachAttempts: true,
	}
}

// Submit executes the batch and returns one terminal result per subtask,
// input order preserved, only after every subtask resolved or the run was
// cancelled. Individual failures never abort the batch.
func (w *WorkerPool) Submit(ctx context.Context, subtasks []searchscale.Subtask) []searchscale.SubtaskResult {
	results := make([]searchscale.SubtaskResult, len(subtasks))

	start := time.Now()
	w.logger.Debug("batch admitted",
		zap.Int("subtasks", len(subtasks)),
		zap.Int("pool_size", w.config.MaxPoolSize))

	fanout := concpool.New().WithMaxGoroutines(w.config.MaxPoolSize)
	for i := range subtasks {
		idx, st := i, subtasks[i]

		// Cancellation stops admission; everything not yet started comes
		// back failed with a cancelled reason.
		if ctx.Err() != nil {
			results[idx] = w.cancelledResult(st, ctx.Err())
			continue
		}

		fanout.Go(func() {
			results[idx] = w.runOne(ctx, st)
		})
	}
	fanout.Wait()

	w.logger.Debug("batch resolved",
		zap.Int("subtasks", len(subtasks)),
		zap.Duration("duration", time.Since(start)),
		zap.Int("peak_busy", w.slots.Peak()))

	return results
}

// runOne executes a single subtask on a freshly assigned agent.
func (w *WorkerPool) runOne(ctx context.Context, st searchscale.Subtask) searchscale.SubtaskResult {
	// The fan-out may have admitted this subtask just as cancellation fired.
	if err := ctx.Err(); err != nil {
		return w.cancelledResult(st, err)
	}

	slot, err := w.slots.acquire(st.ID)
	if err != nil {
		// Defensive: the fan-out bound makes this unreachable unless an
		// invariant broke, in which case the subtask fails loudly.
		poolErr := searchscale.NewPoolExhaustedError(err.Error())
		w.logger.Error("slot acquisition failed", zap.String("subtask_id", st.ID), zap.Error(poolErr))
		return searchscale.SubtaskResult{
			SubtaskID: st.ID,
			Status:    searchscale.SubtaskFailed,
			Error:     poolErr.Error(),
		}
	}
	defer w.slots.release(slot)

	w.publish(ctx, eventbus.EventSubtaskStarted, st, map[string]interface{}{
		"subtask_id": st.ID,
		"hop_index":  st.HopIndex,
		"slot":       slot,
	})

	agent := newWorkerAgent(slot, w.fetcher, w.retryPolicy(), w.logger)
	result := agent.Execute(ctx, st)

	w.recordMetrics(result)

	eventType := eventbus.EventSubtaskSucceeded
	if !result.Succeeded() {
		eventType = eventbus.EventSubtaskFailed
	}
	w.publish(ctx, eventType, result, map[string]interface{}{
		"subtask_id": st.ID,
		"attempts":   result.Attempts,
		"agent_id":   result.WorkerID,
	})

	return result
}

func (w *WorkerPool) cancelledResult(st searchscale.Subtask, cause error) searchscale.SubtaskResult {
	err := searchscale.NewCancelledError("pool", cause)

	w.publish(context.Background(), eventbus.EventSubtaskCancelled, st, map[string]interface{}{
		"subtask_id": st.ID,
		"hop_index":  st.HopIndex,
	})

	result := searchscale.SubtaskResult{
		SubtaskID: st.ID,
		Status:    searchscale.SubtaskFailed,
		Error:     err.Error(),
	}
	w.recordMetrics(result)
	return result
}

func (w *WorkerPool) publish(ctx context.Context, eventType eventbus.EventType, payload interface{}, metadata map[string]interface{}) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(ctx, eventbus.NewEvent(eventType, payload, "WorkerPool", metadata))
}

// ExecuteSubtasks implements searchscale.SubtaskExecutor. Subtask failures
// never surface as a call error; only a closed pool or a nil request does.
func (w *WorkerPool) ExecuteSubtasks(ctx context.Context, req *searchscale.ExecuteSubtasksRequest) (*searchscale.ExecuteSubtasksResponse, error) {
	if w.closed.Load() {
		return nil, searchscale.NewValidationError("pool", "worker pool is closed", nil)
	}
	if req == nil {
		return nil, searchscale.NewValidationError("pool", "request is required", nil)
	}

	results := w.Submit(ctx, req.Subtasks)

	agents := make(map[string]struct{})
	failed := 0
	for _, r := range results {
		if r.WorkerID != "" {
			agents[r.WorkerID] = struct{}{}
		}
		if !r.Succeeded() {
			failed++
		}
	}

	return &searchscale.ExecuteSubtasksResponse{
		Results:      results,
		SubtaskCount: len(results),
		FailedCount:  failed,
		AgentsUsed:   len(agents),
		PoolSize:     w.config.MaxPoolSize,
	}, nil
}

// Metrics returns a snapshot of the pool's execution metrics.
func (w *WorkerPool) Metrics() PoolMetrics {
	m := w.metrics.Copy()
	m.PeakBusy = w.slots.Peak()
	return m
}

// Close marks the pool closed. Idempotent; agents are per-call, so there is
// nothing to tear down beyond refusing new batches.
func (w *WorkerPool) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.logger.Debug("worker pool closed")
	return nil
}

func (w *WorkerPool) recordMetrics(result searchscale.SubtaskResult) {
	w.metrics.record(result)
}
