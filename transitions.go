package searchscale

import (
	"fmt"
	"strings"
	"time"

	"context"

	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"go.uber.org/zap"
)

// Components holds references to the collaborators needed by state transitions.
type Components struct {
	Planner   Planner
	Evaluator Evaluator
	Solver    Solver
	Executor  SubtaskExecutor
	Guard     ContinueGuard
	Config    Config
	Logger    *zap.Logger
}

// CreateRunStateMachine builds the complete state machine for a run:
// planning, then one dispatch/evaluate cycle per hop, then synthesis.
func CreateRunStateMachine(components Components, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateDispatching, createDispatchingTransition(components))
	sm.RegisterTransition(StateEvaluating, createEvaluatingTransition(components))
	sm.RegisterTransition(StateSynthesizing, createSynthesizingTransition(components))
	sm.RegisterTransition(StateAborted, createAbortedTransition(components))
	sm.RegisterTransition(StateComplete, createCompleteTransition(components))
	sm.RegisterTransition(StateCancelled, createCancelledTransition(components))

	return sm
}

// createInitTransition validates the run configuration and announces the run.
func createInitTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		if rc.Config.MaxHops <= 0 {
			return StateAborted, NewConfigurationError("max hop count is required and must be positive", nil)
		}
		if strings.TrimSpace(rc.Query) == "" {
			return StateAborted, NewValidationError("init", "query must not be empty", nil)
		}

		if eb != nil {
			startEvent := eventbus.NewEvent(
				eventbus.EventRunStarted,
				rc.Query,
				"StateMachine.Init",
				map[string]interface{}{
					"run_id":    rc.RunID,
					"max_hops":  rc.Config.MaxHops,
					"pool_size": rc.Config.Pool.MaxPoolSize,
					"timestamp": time.Now().Format(time.RFC3339),
				},
			)
			eb.Publish(ctx, startEvent)
		}

		return StatePlanning, nil
	}
}

// createPlanningTransition obtains the initial plan from the reasoning collaborator.
func createPlanningTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		hasEventBus := eb != nil

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanGenerationStarted,
				rc.Query,
				"StateMachine.Planning",
				map[string]interface{}{"run_id": rc.RunID},
			))
		}

		plan, err := components.Planner.GeneratePlan(ctx, rc.Query)
		if err == nil {
			err = plan.Validate()
		}
		if err != nil {
			if hasEventBus {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventPlanGenerationFailure,
					err.Error(),
					"StateMachine.Planning",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error()},
				))
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventRunFailure,
					rc.Query,
					"StateMachine.Planning",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error(), "stage": "planning"},
				))
			}
			if IsSearchScaleError(err) {
				return StateAborted, err
			}
			return StateAborted, NewReasoningError("planning", err)
		}

		rc.SetPlan(plan)

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanGenerationSuccess,
				plan,
				"StateMachine.Planning",
				map[string]interface{}{
					"run_id":        rc.RunID,
					"hop_count":     len(plan.Hops),
					"subtask_count": plan.SubtaskCount(),
				},
			))
		}

		return StateDispatching, nil
	}
}

// createDispatchingTransition hands the next hop to the worker pool and
// blocks until every subtask in the batch reaches a terminal state. Hop i+1
// is never dispatched before hop i fully resolves.
func createDispatchingTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		hasEventBus := eb != nil

		hop, ok := rc.NextHop()
		if !ok {
			return StateAborted, NewInternalError("dispatching", "dispatch requested with no pending hop", nil)
		}

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventHopDispatchStarted,
				hop,
				"StateMachine.Dispatching",
				map[string]interface{}{
					"run_id":        rc.RunID,
					"hop_index":     hop.Index,
					"subtask_count": len(hop.Subtasks),
				},
			))
		}

		req := &ExecuteSubtasksRequest{RunID: rc.RunID, Subtasks: hop.Subtasks}
		resp, err := components.Executor.ExecuteSubtasks(ctx, req)
		if err != nil {
			if hasEventBus {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventHopDispatchFailure,
					err.Error(),
					"StateMachine.Dispatching",
					map[string]interface{}{"run_id": rc.RunID, "hop_index": hop.Index, "error": err.Error()},
				))
			}
			return StateAborted, NewInternalError("dispatching",
				fmt.Sprintf("hop %d could not be admitted to the worker pool", hop.Index), err)
		}

		// One terminal result per submitted subtask is the pool's contract;
		// anything else means a pool invariant broke.
		if len(resp.Results) != len(hop.Subtasks) {
			return StateAborted, NewPoolExhaustedError(fmt.Sprintf(
				"hop %d submitted %d subtasks but received %d results",
				hop.Index, len(hop.Subtasks), len(resp.Results)))
		}

		rc.RecordHopResults(hop, resp.Results)

		if hasEventBus {
			succeeded := 0
			for _, r := range resp.Results {
				if r.Succeeded() {
					succeeded++
				}
			}
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventHopDispatchSuccess,
				resp,
				"StateMachine.Dispatching",
				map[string]interface{}{
					"run_id":      rc.RunID,
					"hop_index":   hop.Index,
					"succeeded":   succeeded,
					"failed":      resp.FailedCount,
					"agents_used": resp.AgentsUsed,
				},
			))
		}

		return StateEvaluating, nil
	}
}

// createEvaluatingTransition decides whether another hop is needed. A hop of
// all-failed subtasks still advances evaluation; partial information is
// acceptable input to the reasoning step.
func createEvaluatingTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		hasEventBus := eb != nil
		logger := components.Logger
		if logger == nil {
			logger = zap.NewNop()
		}

		hop := rc.CurrentHop
		results := rc.CurrentResults

		succeeded, failed := 0, 0
		for _, r := range results {
			if r.Succeeded() {
				succeeded++
			} else {
				failed++
			}
		}

		next := StateSynthesizing
		notes := ""

		switch {
		case rc.HopsDispatched() >= rc.Config.MaxHops:
			// Hard termination bound; applies to plan-prescribed hops too,
			// and the evaluator is never consulted past it.
			notes = "max hop count reached"

		case rc.HasPendingHops():
			// The plan already prescribes the next hop.
			next = StateDispatching

		default:
			if hasEventBus {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventHopEvaluationStarted,
					hop,
					"StateMachine.Evaluating",
					map[string]interface{}{
						"run_id":    rc.RunID,
						"hop_index": hop.Index,
						"succeeded": succeeded,
						"failed":    failed,
					},
				))
			}

			decision, err := components.Evaluator.Evaluate(ctx, rc.Query, hop, results)
			if err != nil {
				// An evaluation failure degrades to synthesis with what we
				// have rather than failing the run.
				logger.Warn("hop evaluation failed, proceeding to synthesis",
					zap.String("run_id", rc.RunID),
					zap.Int("hop_index", hop.Index),
					zap.Error(err))
				if hasEventBus {
					eb.Publish(ctx, eventbus.NewEvent(
						eventbus.EventHopEvaluationFailure,
						err.Error(),
						"StateMachine.Evaluating",
						map[string]interface{}{"run_id": rc.RunID, "hop_index": hop.Index, "error": err.Error()},
					))
				}
			} else {
				notes = decision.Notes
				if decision.Continue && len(decision.NextHop) > 0 {
					allowed := true
					if components.Guard != nil {
						stats := HopStats{
							HopIndex:       hop.Index,
							MaxHops:        rc.Config.MaxHops,
							Succeeded:      succeeded,
							Failed:         failed,
							TotalSucceeded: len(rc.SucceededResults()),
							TotalFailed:    rc.FailedCount(),
						}
						var guardErr error
						allowed, guardErr = components.Guard.Allow(stats)
						if guardErr != nil {
							logger.Warn("continuation guard failed, stopping early",
								zap.String("run_id", rc.RunID),
								zap.Error(guardErr))
							allowed = false
						}
					}
					if allowed {
						rc.EnqueueHop(decision.NextHop)
						next = StateDispatching
					}
				}
				if hasEventBus {
					eb.Publish(ctx, eventbus.NewEvent(
						eventbus.EventHopEvaluationSuccess,
						decision,
						"StateMachine.Evaluating",
						map[string]interface{}{
							"run_id":    rc.RunID,
							"hop_index": hop.Index,
							"continue":  next == StateDispatching,
						},
					))
				}
			}
		}

		// Chunks are ordered by hop index: each hop produces exactly one,
		// emitted only after the whole hop resolved.
		text := fmt.Sprintf("hop %d: %d/%d subtasks succeeded", hop.Index, succeeded, len(results))
		if notes != "" {
			text += " (" + notes + ")"
		}
		if err := rc.emitChunk(ctx, Chunk{Kind: ChunkHop, HopIndex: hop.Index, Text: text}); err != nil {
			return StateAborted, err
		}

		return next, nil
	}
}

// createSynthesizingTransition combines all succeeded results into the final
// answer. A run where every subtask failed aborts with an aggregate error
// rather than synthesizing an empty answer.
func createSynthesizingTransition(components Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		hasEventBus := eb != nil
		succeeded := rc.SucceededResults()

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSynthesisStarted,
				rc.Query,
				"StateMachine.Synthesizing",
				map[string]interface{}{
					"run_id":          rc.RunID,
					"usable_results":  len(succeeded),
					"failed_results":  rc.FailedCount(),
					"hops_dispatched": rc.HopsDispatched(),
				},
			))
		}

		if len(succeeded) == 0 {
			err := NewNoResultsError(rc.FailedCount(), rc.HopsDispatched())
			if hasEventBus {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventSynthesisFailure,
					err.Error(),
					"StateMachine.Synthesizing",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error()},
				))
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventRunFailure,
					rc.Query,
					"StateMachine.Synthesizing",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error(), "stage": "synthesizing"},
				))
			}
			rc.emitChunk(ctx, Chunk{Kind: ChunkError, HopIndex: rc.HopsDispatched(), Text: err.Error()})
			return StateAborted, err
		}

		answer, err := components.Solver.Synthesize(ctx, rc.Query, succeeded)
		if err != nil {
			if hasEventBus {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventSynthesisFailure,
					err.Error(),
					"StateMachine.Synthesizing",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error()},
				))
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventRunFailure,
					rc.Query,
					"StateMachine.Synthesizing",
					map[string]interface{}{"run_id": rc.RunID, "error": err.Error(), "stage": "synthesizing"},
				))
			}
			rc.emitChunk(ctx, Chunk{Kind: ChunkError, HopIndex: rc.HopsDispatched(), Text: err.Error()})
			if IsSearchScaleError(err) {
				return StateAborted, err
			}
			return StateAborted, NewReasoningError("synthesizing", err)
		}

		rc.SetFinalAnswer(answer)

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSynthesisSuccess,
				answer,
				"StateMachine.Synthesizing",
				map[string]interface{}{
					"run_id":        rc.RunID,
					"answer_length": len(answer),
					"degraded":      rc.FailedCount() > 0,
				},
			))
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventRunSuccess,
				rc.Query,
				"StateMachine.Synthesizing",
				map[string]interface{}{"run_id": rc.RunID, "final_answer": answer},
			))
		}

		if err := rc.emitChunk(ctx, Chunk{Kind: ChunkFinal, HopIndex: rc.HopsDispatched(), Text: answer}); err != nil {
			return StateAborted, err
		}

		return StateComplete, nil
	}
}

// createAbortedTransition handles the aborted terminal state.
func createAbortedTransition(_ Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		// Terminal. The error and stage are already recorded on the run.
		return StateAborted, rc.LastError
	}
}

// createCompleteTransition handles the complete terminal state.
func createCompleteTransition(_ Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		return StateComplete, nil
	}
}

// createCancelledTransition handles the cancelled terminal state.
func createCancelledTransition(_ Components) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, rc *RunContext) (RunState, error) {
		return StateCancelled, rc.LastError
	}
}
