package adapters

import (
	"context"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/firebase/genkit/go/core"
)

// EvaluatorInput is the input structure for the evaluator flow.
type EvaluatorInput struct {
	Query   string                      `json:"query"`
	Hop     searchscale.Hop             `json:"hop"`
	Results []searchscale.SubtaskResult `json:"results"`
}

// GenkitEvaluatorAdapter uses a Genkit flow to implement the Evaluator
// interface.
type GenkitEvaluatorAdapter struct {
	evaluatorFlow *core.Flow[*EvaluatorInput, *searchscale.HopDecision, struct{}]
}

// NewGenkitEvaluatorAdapter creates a new adapter for the evaluator flow.
func NewGenkitEvaluatorAdapter(flow *core.Flow[*EvaluatorInput, *searchscale.HopDecision, struct{}]) *GenkitEvaluatorAdapter {
	return &GenkitEvaluatorAdapter{evaluatorFlow: flow}
}

// Evaluate implements the searchscale.Evaluator interface.
func (a *GenkitEvaluatorAdapter) Evaluate(ctx context.Context, query string, hop searchscale.Hop, results []searchscale.SubtaskResult) (*searchscale.HopDecision, error) {
	if a.evaluatorFlow == nil {
		return nil, searchscale.NewConfigurationError("evaluator flow is not configured", nil)
	}

	input := EvaluatorInput{Query: query, Hop: hop, Results: results}
	// Nil slices marshal as null, which the flow's schema rejects.
	if input.Hop.Subtasks == nil {
		input.Hop.Subtasks = []searchscale.Subtask{}
	}
	if input.Results == nil {
		input.Results = []searchscale.SubtaskResult{}
	}
	decision, err := a.evaluatorFlow.Run(ctx, &input)
	if err != nil {
		return nil, searchscale.NewReasoningError("evaluating", err)
	}
	if decision == nil {
		return nil, searchscale.NewReasoningError("evaluating", nil)
	}
	return decision, nil
}
