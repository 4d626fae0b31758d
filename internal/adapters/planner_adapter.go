// Package adapters bridges Genkit flows and plain functions to the engine's
// planner, evaluator, solver, and fetcher interfaces.
package adapters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/firebase/genkit/go/core"
	"go.uber.org/zap"
)

// PlannerInput is the input structure for the planner flow.
type PlannerInput struct {
	Query   string `json:"query"`
	MaxHops int    `json:"max_hops"`
}

// GenkitPlannerAdapter uses a Genkit flow to implement the Planner interface.
// Plans are cached by query so repeated runs skip the model call.
type GenkitPlannerAdapter struct {
	plannerFlow *core.Flow[*PlannerInput, *searchscale.Plan, struct{}]
	cache       searchscale.Cache
	maxHops     int
	logger      *zap.Logger
}

// NewGenkitPlannerAdapter creates a new adapter for the planner flow. A nil
// cache disables plan caching.
func NewGenkitPlannerAdapter(flow *core.Flow[*PlannerInput, *searchscale.Plan, struct{}], cache searchscale.Cache, maxHops int, logger *zap.Logger) *GenkitPlannerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenkitPlannerAdapter{
		plannerFlow: flow,
		cache:       cache,
		maxHops:     maxHops,
		logger:      logger,
	}
}

// GeneratePlan implements the searchscale.Planner interface.
func (a *GenkitPlannerAdapter) GeneratePlan(ctx context.Context, query string) (*searchscale.Plan, error) {
	if a.plannerFlow == nil {
		return nil, searchscale.NewConfigurationError("planner flow is not configured", nil)
	}

	input := PlannerInput{Query: query, MaxHops: a.maxHops}
	cacheKey := a.cacheKey(input)

	if a.cache != nil {
		if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
			if plan, ok := cached.(*searchscale.Plan); ok {
				a.logger.Debug("planner cache hit", zap.String("key", cacheKey))
				// Runs mutate hop indices during dispatch, so hand each
				// caller its own copy.
				return clonePlan(plan), nil
			}
		}
	}

	plan, err := a.plannerFlow.Run(ctx, &input)
	if err != nil {
		return nil, searchscale.NewReasoningError("planning", err)
	}
	if plan == nil || plan.SubtaskCount() == 0 {
		return nil, searchscale.NewReasoningError("planning", nil)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, clonePlan(plan)); err != nil {
			a.logger.Warn("failed to cache plan", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	return plan, nil
}

// cacheKey creates a stable key for caching planner results.
func (a *GenkitPlannerAdapter) cacheKey(input PlannerInput) string {
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return "planner:" + input.Query
	}
	hasher := sha1.New()
	hasher.Write(inputBytes)
	return "planner:" + hex.EncodeToString(hasher.Sum(nil))
}

func clonePlan(plan *searchscale.Plan) *searchscale.Plan {
	out := &searchscale.Plan{Hops: make([]searchscale.Hop, len(plan.Hops))}
	for i, hop := range plan.Hops {
		subtasks := make([]searchscale.Subtask, len(hop.Subtasks))
		copy(subtasks, hop.Subtasks)
		out.Hops[i] = searchscale.Hop{Index: hop.Index, Subtasks: subtasks}
	}
	return out
}
