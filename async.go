package searchscale

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"go.uber.org/zap"
)

// AsyncRunStatus represents the status information for an async run.
type AsyncRunStatus struct {
	RunID        string        `json:"run_id"`
	Query        string        `json:"query"`
	CurrentState RunState      `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// ProcessAsync starts an asynchronous run and returns its run ID. The ID is
// used to poll status, fetch the result, or cancel the run.
func (s *SearchScale) ProcessAsync(ctx context.Context, query string) (string, error) {
	stateMachine := s.createStateMachine()
	runContext := NewRunContext(query, s.config)

	// The run outlives the caller's context; cancellation is explicit via
	// CancelAsyncRun or Close.
	asyncCtx, cancel := context.WithCancel(context.Background())
	runContext.cancel = cancel

	s.asyncRunsMutex.Lock()
	s.asyncRuns[runContext.RunID] = runContext
	s.asyncRunsMutex.Unlock()

	if s.config.EnableEventBus && s.eventBus != nil {
		s.eventBus.Publish(ctx, eventbus.NewEvent(
			eventbus.EventRunAsyncStarted,
			query,
			"SearchScale.ProcessAsync",
			map[string]interface{}{
				"run_id":    runContext.RunID,
				"timestamp": time.Now().Format(time.RFC3339),
			},
		))
	}

	go func() {
		defer cancel()

		_, err := stateMachine.Execute(asyncCtx, runContext)

		s.logger.Info("async run finished",
			zap.String("run_id", runContext.RunID),
			zap.String("state", string(runContext.CurrentState)),
			zap.Error(err))

		if s.config.EnableEventBus && s.eventBus != nil {
			eventType := eventbus.EventRunAsyncSuccess
			metadata := map[string]interface{}{
				"run_id":      runContext.RunID,
				"duration_ms": runContext.GetTotalDuration().Milliseconds(),
			}
			if err != nil {
				eventType = eventbus.EventRunAsyncFailure
				metadata["error"] = err.Error()
				metadata["error_stage"] = runContext.ErrorStage
			}
			// The original context may already be done; publish detached.
			s.eventBus.Publish(context.Background(), eventbus.NewEvent(
				eventType, query, "SearchScale.ProcessAsync", metadata))
		}
	}()

	return runContext.RunID, nil
}

// GetAsyncStatus retrieves the current status of an async run.
func (s *SearchScale) GetAsyncStatus(runID string) (*AsyncRunStatus, error) {
	s.asyncRunsMutex.RLock()
	defer s.asyncRunsMutex.RUnlock()

	rc, exists := s.asyncRuns[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}

	snap := rc.snapshot()
	status := &AsyncRunStatus{
		RunID:        runID,
		Query:        rc.Query,
		CurrentState: snap.State,
		StartTime:    rc.StartTime,
		Duration:     snap.TotalDuration,
		IsComplete:   snap.State == StateComplete,
		HasError:     snap.State == StateAborted,
	}

	if snap.LastError != nil {
		status.ErrorMessage = snap.LastError.Error()
		status.ErrorStage = snap.ErrorStage
	}

	return status, nil
}

// GetAsyncResult retrieves the answer of a completed async run. Returns an
// error if the run is still in progress or terminated without an answer.
func (s *SearchScale) GetAsyncResult(runID string) (string, error) {
	s.asyncRunsMutex.RLock()
	defer s.asyncRunsMutex.RUnlock()

	rc, exists := s.asyncRuns[runID]
	if !exists {
		return "", fmt.Errorf("run with ID '%s' not found", runID)
	}

	snap := rc.snapshot()
	if snap.State != StateComplete {
		if isTerminalState(snap.State) {
			return "", fmt.Errorf("run failed during stage '%s': %w", snap.ErrorStage, snap.LastError)
		}
		return "", fmt.Errorf("run is still in progress (current state: %s)", snap.State)
	}

	if snap.LastError != nil {
		return "", fmt.Errorf("run completed but encountered an error during stage '%s': %w", snap.ErrorStage, snap.LastError)
	}

	return snap.FinalAnswer, nil
}

// CancelAsyncRun raises the cancellation signal for an ongoing async run.
// In-flight subtasks finish naturally; queued ones come back failed with a
// cancelled reason. Returns true if the run was cancelled, false if it had
// already reached a terminal state.
func (s *SearchScale) CancelAsyncRun(runID string) (bool, error) {
	s.asyncRunsMutex.Lock()
	defer s.asyncRunsMutex.Unlock()

	rc, exists := s.asyncRuns[runID]
	if !exists {
		return false, fmt.Errorf("run with ID '%s' not found", runID)
	}

	if rc.IsTerminal() {
		return false, nil
	}

	if rc.cancel == nil {
		return false, fmt.Errorf("cannot cancel run: no cancellation signal attached")
	}

	rc.Cancel()

	if s.config.EnableEventBus && s.eventBus != nil {
		s.eventBus.Publish(context.Background(), eventbus.NewEvent(
			eventbus.EventRunAsyncCancelled,
			rc.Query,
			"SearchScale.CancelAsyncRun",
			map[string]interface{}{
				"run_id":      runID,
				"duration_ms": rc.GetTotalDuration().Milliseconds(),
			},
		))
	}

	return true, nil
}

// ListAsyncRuns returns all async run IDs and their current states.
func (s *SearchScale) ListAsyncRuns() map[string]string {
	s.asyncRunsMutex.RLock()
	defer s.asyncRunsMutex.RUnlock()

	result := make(map[string]string, len(s.asyncRuns))
	for id, rc := range s.asyncRuns {
		result[id] = string(rc.State())
	}

	return result
}

// CleanupCompletedRuns removes terminal runs older than the given duration.
// This prevents the async registry from growing without bound.
func (s *SearchScale) CleanupCompletedRuns(olderThan time.Duration) int {
	s.asyncRunsMutex.Lock()
	defer s.asyncRunsMutex.Unlock()

	now := time.Now()
	count := 0

	for id, rc := range s.asyncRuns {
		snap := rc.snapshot()
		if isTerminalState(snap.State) && now.Sub(snap.EnteredState) > olderThan {
			delete(s.asyncRuns, id)
			count++
		}
	}

	return count
}
