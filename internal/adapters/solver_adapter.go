package adapters

import (
	"context"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/firebase/genkit/go/core"
)

// SolverInput is the input structure for the solver flow.
type SolverInput struct {
	Query   string                      `json:"query"`
	Results []searchscale.SubtaskResult `json:"results"`
}

// GenkitSolverAdapter uses a Genkit flow to implement the Solver interface.
type GenkitSolverAdapter struct {
	solverFlow *core.Flow[*SolverInput, string, struct{}]
}

// NewGenkitSolverAdapter creates a new adapter for the solver flow.
func NewGenkitSolverAdapter(flow *core.Flow[*SolverInput, string, struct{}]) *GenkitSolverAdapter {
	return &GenkitSolverAdapter{solverFlow: flow}
}

// Synthesize implements the searchscale.Solver interface.
func (a *GenkitSolverAdapter) Synthesize(ctx context.Context, query string, results []searchscale.SubtaskResult) (string, error) {
	if a.solverFlow == nil {
		return "", searchscale.NewConfigurationError("solver flow is not configured", nil)
	}

	input := SolverInput{Query: query, Results: results}
	// A nil slice marshals as null, which the flow's schema rejects.
	if input.Results == nil {
		input.Results = []searchscale.SubtaskResult{}
	}
	answer, err := a.solverFlow.Run(ctx, &input)
	if err != nil {
		return "", searchscale.NewReasoningError("synthesizing", err)
	}
	return answer, nil
}
