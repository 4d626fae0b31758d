package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/ZanzyTHEbar/searchscale/internal/retry"
	"go.uber.org/zap"
)

// WorkerAgent executes exactly one subtask against the fetch collaborator.
// It is stateless between invocations; the slot-derived ID only attributes
// results, it carries no execution state.
type WorkerAgent struct {
	id      string
	fetcher searchscale.Fetcher
	policy  retry.Policy
	logger  *zap.Logger
}

func newWorkerAgent(slot int, fetcher searchscale.Fetcher, policy retry.Policy, logger *zap.Logger) *WorkerAgent {
	return &WorkerAgent{
		id:      fmt.Sprintf("agent-%d", slot),
		fetcher: fetcher,
		policy:  policy,
		logger:  logger,
	}
}

// Execute runs the subtask's fetch with bounded retries and returns its
// terminal result. Failures never escape as errors; they are classified and
// folded into the result.
func (a *WorkerAgent) Execute(ctx context.Context, st searchscale.Subtask) searchscale.SubtaskResult {
	start := time.Now()

	result := searchscale.SubtaskResult{
		SubtaskID:    st.ID,
		WorkerID:     a.id,
		DispatchedAt: start,
	}

	// The strategy set is closed; anything outside it is a permanent
	// failure, never retried.
	switch st.Strategy {
	case searchscale.StrategyDirect,
		searchscale.StrategyAnchorExpand,
		searchscale.StrategyKeyword,
		searchscale.StrategyDiscovery:
	default:
		err := searchscale.NewPermanentFetchError(st.Goal,
			fmt.Errorf("unknown strategy %q", st.Strategy))
		result.Status = searchscale.SubtaskFailed
		result.Error = err.Error()
		result.Elapsed = time.Since(start).Seconds()
		return result
	}

	req := searchscale.FetchRequest{
		Goal:        st.Goal,
		Strategy:    st.Strategy,
		Constraints: st.Constraints,
	}

	payload, attempts, err := retry.Do(ctx, a.policy, a.logger, searchscale.IsTransient,
		func(attemptCtx context.Context) (string, error) {
			resp, fetchErr := a.fetcher.Fetch(attemptCtx, req)
			if fetchErr != nil {
				if searchscale.IsSearchScaleError(fetchErr) {
					return "", fetchErr
				}
				// Uncoded collaborator errors get the full attempt budget.
				return "", searchscale.NewTransientFetchError(st.Goal, fetchErr)
			}
			if resp == nil || strings.TrimSpace(resp.Content) == "" {
				return "", searchscale.NewTransientFetchError(st.Goal,
					fmt.Errorf("fetch returned an empty response"))
			}
			return strings.TrimSpace(resp.Content), nil
		})

	result.Attempts = attempts
	result.Elapsed = time.Since(start).Seconds()

	if err != nil {
		result.Status = searchscale.SubtaskFailed
		result.Error = err.Error()
		a.logger.Debug("subtask failed",
			zap.String("subtask_id", st.ID),
			zap.String("agent_id", a.id),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return result
	}

	result.Status = searchscale.SubtaskSucceeded
	result.Payload = payload
	return result
}
