// Package guard evaluates operator-supplied continuation expressions that can
// stop a run before its hop budget is spent.
package guard

import (
	"fmt"

	"github.com/Knetic/govaluate"
	"github.com/ZanzyTHEbar/searchscale"
)

// Guard decides whether another hop may be dispatched. The expression sees
// the current hop statistics as variables and must evaluate to a boolean.
//
// Available variables: hop_index, max_hops, succeeded, failed,
// total_succeeded, total_failed.
type Guard struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// New compiles the expression. Compilation errors surface here so a bad
// expression is rejected at configuration time, not mid-run.
func New(expression string) (*Guard, error) {
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, searchscale.NewConfigurationError(
			fmt.Sprintf("invalid continue expression %q", expression), err)
	}
	return &Guard{source: expression, expr: expr}, nil
}

// Allow implements searchscale.ContinueGuard.
func (g *Guard) Allow(stats searchscale.HopStats) (bool, error) {
	params := map[string]interface{}{
		"hop_index":       stats.HopIndex,
		"max_hops":        stats.MaxHops,
		"succeeded":       stats.Succeeded,
		"failed":          stats.Failed,
		"total_succeeded": stats.TotalSucceeded,
		"total_failed":    stats.TotalFailed,
	}

	value, err := g.expr.Evaluate(params)
	if err != nil {
		return false, searchscale.NewConfigurationError(
			fmt.Sprintf("continue expression %q failed to evaluate", g.source), err)
	}

	allowed, ok := value.(bool)
	if !ok {
		return false, searchscale.NewConfigurationError(
			fmt.Sprintf("continue expression %q did not evaluate to a boolean", g.source), nil)
	}
	return allowed, nil
}

// String returns the original expression source.
func (g *Guard) String() string {
	return g.source
}
