package prompt

import (
	"testing"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/stretchr/testify/assert"
)

func TestPlannerPromptNamesStrategies(t *testing.T) {
	p := Planner("who voiced the fox", 4)

	assert.Contains(t, p, "at most 4 hops")
	assert.Contains(t, p, "who voiced the fox")
	for _, strategy := range []string{"direct", "anchor_expand", "keyword", "discovery"} {
		assert.Contains(t, p, strategy)
	}
}

func TestEvaluatorPromptCarriesOutcomes(t *testing.T) {
	p := Evaluator("the query", searchscale.Hop{Index: 2}, []searchscale.SubtaskResult{
		{SubtaskID: "ok", Status: searchscale.SubtaskSucceeded, Payload: "found the actor"},
		{SubtaskID: "bad", Status: searchscale.SubtaskFailed, Error: "rate limited"},
	})

	assert.Contains(t, p, "Hop 2 just finished")
	assert.Contains(t, p, "found the actor")
	assert.Contains(t, p, "error: rate limited")
	assert.Contains(t, p, "next_hop")
}

func TestSolverPromptSkipsFailedResults(t *testing.T) {
	p := Solver("the query", []searchscale.SubtaskResult{
		{SubtaskID: "ok", Status: searchscale.SubtaskSucceeded, Payload: "useful evidence"},
		{SubtaskID: "bad", Status: searchscale.SubtaskFailed, Error: "timed out"},
	})

	assert.Contains(t, p, "useful evidence")
	assert.NotContains(t, p, "timed out")
}
