package searchscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"github.com/google/uuid"
)

// RunState represents the current state of a run.
type RunState string

const (
	// StateInit is the initial state of a run
	StateInit RunState = "init"
	// StatePlanning represents the query decomposition phase
	StatePlanning RunState = "planning"
	// StateDispatching represents the hand-off of one hop to the worker pool
	StateDispatching RunState = "dispatching"
	// StateEvaluating represents the per-hop continuation decision
	StateEvaluating RunState = "evaluating"
	// StateSynthesizing represents the final answer synthesis phase
	StateSynthesizing RunState = "synthesizing"
	// StateAborted represents a run that failed before producing an answer
	StateAborted RunState = "aborted"
	// StateComplete represents the completed state
	StateComplete RunState = "complete"
	// StateCancelled represents the cancelled state
	StateCancelled RunState = "cancelled"
	// StateUnknown is used when the status of an async run cannot be determined.
	StateUnknown RunState = "unknown"
)

// RunContext is the tape of one run: the query, the evolving plan, per-hop
// results, and the state-machine bookkeeping. It is created at run start and
// destroyed at run end. The pool reads it indirectly through serializable
// requests; only the cancellation signal mutates it from outside.
type RunContext struct {
	// Identity and input
	RunID string
	Query string

	// Configuration, read at construction and never re-read mid-run
	Config Config

	// Plan and hop bookkeeping
	Plan           *Plan
	pendingHops    []Hop
	hopsDispatched int

	// Results
	HopResults     map[int][]SubtaskResult
	AllResults     []SubtaskResult
	CurrentHop     Hop
	CurrentResults []SubtaskResult
	FinalAnswer    string

	// Error handling
	LastError  error
	ErrorStage string

	// State management. The run goroutine is the only writer; mu makes the
	// state fields safe to read from the async status API.
	mu           sync.RWMutex
	CurrentState RunState
	StateStack   []RunState
	StateData    map[string]interface{}

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[RunState]time.Time
	StateDurations  map[RunState]time.Duration

	// Streaming; nil unless the run was started in streaming mode
	chunks     chan Chunk
	chunksOnce sync.Once

	// Cancellation for async runs
	cancel context.CancelFunc
}

// NewRunContext creates a new run context for the given query.
func NewRunContext(query string, config Config) *RunContext {
	rc := &RunContext{
		RunID:           uuid.New().String(),
		Query:           query,
		Config:          config,
		HopResults:      make(map[int][]SubtaskResult),
		CurrentState:    StateInit,
		StateStack:      []RunState{},
		StateData:       make(map[string]interface{}),
		StartTime:       time.Now(),
		StateStartTimes: make(map[RunState]time.Time),
		StateDurations:  make(map[RunState]time.Duration),
	}
	rc.StateStartTimes[StateInit] = rc.StartTime
	return rc
}

// leaveState accrues the time spent in the state being left. Callers hold mu.
func (rc *RunContext) leaveState(now time.Time) {
	if start, ok := rc.StateStartTimes[rc.CurrentState]; ok {
		rc.StateDurations[rc.CurrentState] += now.Sub(start)
	}
}

// PushState pushes the current state onto the stack and sets a new current state.
func (rc *RunContext) PushState(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	rc.leaveState(now)
	rc.StateStack = append(rc.StateStack, rc.CurrentState)
	rc.CurrentState = state
	rc.StateStartTimes[state] = now
}

// PopState pops the top state from the stack and sets it as the current state.
// Returns false if the stack is empty.
func (rc *RunContext) PopState() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.StateStack) == 0 {
		return false
	}
	now := time.Now()
	rc.leaveState(now)
	lastIdx := len(rc.StateStack) - 1
	rc.CurrentState = rc.StateStack[lastIdx]
	rc.StateStack = rc.StateStack[:lastIdx]
	rc.StateStartTimes[rc.CurrentState] = now
	return true
}

// IsTerminal checks if the current state is a terminal state (Complete, Aborted, Cancelled).
func (rc *RunContext) IsTerminal() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return isTerminalState(rc.CurrentState)
}

func isTerminalState(state RunState) bool {
	return state == StateComplete || state == StateAborted || state == StateCancelled
}

// advance moves the run to the next non-terminal state.
func (rc *RunContext) advance(state RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	rc.leaveState(now)
	rc.CurrentState = state
	rc.StateStartTimes[state] = now
}

// SetError records the error and stage, transitioning the run to StateAborted.
func (rc *RunContext) SetError(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	rc.leaveState(now)
	rc.LastError = err
	rc.ErrorStage = stage
	rc.CurrentState = StateAborted
	rc.StateStartTimes[StateAborted] = now
}

// SetCancelled sets the state to Cancelled and records the cancellation error.
func (rc *RunContext) SetCancelled(err error, stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	rc.leaveState(now)
	rc.LastError = err
	rc.ErrorStage = stage
	rc.CurrentState = StateCancelled
	rc.StateStartTimes[StateCancelled] = now
}

// Complete marks the run as complete and sets the end time.
func (rc *RunContext) Complete() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := time.Now()
	rc.leaveState(now)
	rc.CurrentState = StateComplete
	rc.EndTime = now
	rc.StateStartTimes[StateComplete] = now
}

// Cancel raises the run's cancellation signal, if one is attached.
func (rc *RunContext) Cancel() {
	if rc.cancel != nil {
		rc.cancel()
	}
}

// NextHop pops the next pending hop, re-indexing it to the dispatch order.
// Returns false when no hop is pending.
func (rc *RunContext) NextHop() (Hop, bool) {
	if len(rc.pendingHops) == 0 {
		return Hop{}, false
	}
	hop := rc.pendingHops[0]
	rc.pendingHops = rc.pendingHops[1:]
	hop.Index = rc.hopsDispatched
	for i := range hop.Subtasks {
		hop.Subtasks[i].HopIndex = hop.Index
	}
	rc.hopsDispatched++
	return hop, true
}

// HasPendingHops reports whether any hop is queued for dispatch.
func (rc *RunContext) HasPendingHops() bool {
	return len(rc.pendingHops) > 0
}

// HopsDispatched returns the number of hops already handed to the pool.
func (rc *RunContext) HopsDispatched() int {
	return rc.hopsDispatched
}

// SetPlan stores the initial plan and queues all of its hops for dispatch.
func (rc *RunContext) SetPlan(plan *Plan) {
	rc.Plan = plan
	rc.pendingHops = append(rc.pendingHops, plan.Hops...)
}

// EnqueueHop appends an evaluator-produced follow-up hop to the plan.
func (rc *RunContext) EnqueueHop(subtasks []Subtask) {
	hop := Hop{Subtasks: subtasks}
	rc.pendingHops = append(rc.pendingHops, hop)
	if rc.Plan != nil {
		rc.Plan.Hops = append(rc.Plan.Hops, hop)
	}
}

// RecordHopResults stores a completed hop's results and accumulates them
// into the run-wide result set.
func (rc *RunContext) RecordHopResults(hop Hop, results []SubtaskResult) {
	rc.CurrentHop = hop
	rc.CurrentResults = results
	rc.HopResults[hop.Index] = results
	rc.AllResults = append(rc.AllResults, results...)
}

// SucceededResults returns every succeeded result gathered across all hops,
// in dispatch order.
func (rc *RunContext) SucceededResults() []SubtaskResult {
	out := make([]SubtaskResult, 0, len(rc.AllResults))
	for _, r := range rc.AllResults {
		if r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// FailedCount returns the number of failed results across all hops.
func (rc *RunContext) FailedCount() int {
	n := 0
	for _, r := range rc.AllResults {
		if !r.Succeeded() {
			n++
		}
	}
	return n
}

// emitChunk delivers one streamed chunk in hop order. No-op for non-streaming
// runs. Returns the context error if the consumer went away.
func (rc *RunContext) emitChunk(ctx context.Context, chunk Chunk) error {
	if rc.chunks == nil {
		return nil
	}
	select {
	case rc.chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeChunks closes the stream exactly once at terminal state.
func (rc *RunContext) closeChunks() {
	if rc.chunks == nil {
		return
	}
	rc.chunksOnce.Do(func() { close(rc.chunks) })
}

// SetFinalAnswer records the synthesized answer.
func (rc *RunContext) SetFinalAnswer(answer string) {
	rc.mu.Lock()
	rc.FinalAnswer = answer
	rc.mu.Unlock()
}

// State returns the current run state.
func (rc *RunContext) State() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.CurrentState
}

// runSnapshot is a consistent view of a run's observable state, taken under
// the state mutex so the async status API never sees a half-written update.
type runSnapshot struct {
	State         RunState
	LastError     error
	ErrorStage    string
	FinalAnswer   string
	EnteredState  time.Time
	TotalDuration time.Duration
}

func (rc *RunContext) snapshot() runSnapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	total := time.Since(rc.StartTime)
	if rc.CurrentState == StateComplete {
		total = rc.EndTime.Sub(rc.StartTime)
	}
	return runSnapshot{
		State:         rc.CurrentState,
		LastError:     rc.LastError,
		ErrorStage:    rc.ErrorStage,
		FinalAnswer:   rc.FinalAnswer,
		EnteredState:  rc.StateStartTimes[rc.CurrentState],
		TotalDuration: total,
	}
}

// GetStateDuration returns the accrued time spent in the given state across
// every visit, including the current one if the run is still in it.
func (rc *RunContext) GetStateDuration(state RunState) time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	d := rc.StateDurations[state]
	if state == rc.CurrentState {
		if start, ok := rc.StateStartTimes[state]; ok {
			d += time.Since(start)
		}
	}
	return d
}

// GetTotalDuration returns the total duration of the run so far.
func (rc *RunContext) GetTotalDuration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.CurrentState == StateComplete {
		return rc.EndTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// StateTransition defines a transition function for the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, rc *RunContext) (RunState, error)

// StateMachine represents a finite state machine driving a run.
type StateMachine struct {
	transitions map[RunState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates a new state machine with the provided event bus.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state is reached. The
// stream, if any, is closed before returning so consumers never hang.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (string, error) {
	defer rc.closeChunks()

	for !rc.IsTerminal() {
		// Check for context cancellation before executing the next state
		select {
		case <-ctx.Done():
			err := ctx.Err()
			rc.SetCancelled(NewCancelledError(string(rc.CurrentState), err), string(rc.CurrentState))
			return "", rc.LastError
		default:
		}

		transition, exists := sm.transitions[rc.CurrentState]
		if !exists {
			err := fmt.Errorf("no transition defined for state: %s", rc.CurrentState)
			rc.SetError(err, string(rc.CurrentState))
			return "", err
		}

		nextState, err := transition(ctx, sm.eventBus, rc)

		if err != nil {
			currentStage := string(rc.CurrentState)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				rc.SetCancelled(NewCancelledError(currentStage, err), currentStage)
			} else if !rc.IsTerminal() {
				// Transitions usually call SetError themselves; this catches
				// the ones that return a bare error without moving the state.
				rc.SetError(err, currentStage)
			}
			continue
		}

		if !rc.IsTerminal() {
			if nextState == StateComplete {
				rc.Complete()
			} else {
				rc.advance(nextState)
			}
		}
	}

	return rc.FinalAnswer, rc.LastError
}
