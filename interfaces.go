package searchscale

import "context"

// Planner decomposes a query into an initial plan of at least one hop.
type Planner interface {
	GeneratePlan(ctx context.Context, query string) (*Plan, error)
}

// Evaluator inspects a completed hop and decides whether another hop is
// worth dispatching. Entirely-failed hops still advance evaluation; partial
// information is acceptable input to the reasoning step.
type Evaluator interface {
	Evaluate(ctx context.Context, query string, hop Hop, results []SubtaskResult) (*HopDecision, error)
}

// Solver synthesizes the final answer from every succeeded result gathered
// across all hops of the run.
type Solver interface {
	Synthesize(ctx context.Context, query string, results []SubtaskResult) (string, error)
}

// FetchRequest is the capability boundary to the external search service.
type FetchRequest struct {
	Goal        string   `json:"goal"`
	Strategy    Strategy `json:"strategy"`
	Constraints string   `json:"constraints,omitempty"`
}

// FetchResponse carries the normalized content for one fetch.
type FetchResponse struct {
	Content string `json:"content"`
}

// Fetcher performs the actual search/page retrieval for a subtask's goal.
// Implementations classify failures via NewTransientFetchError and
// NewPermanentFetchError; anything uncoded is retried as transient.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// ExecuteSubtasksRequest is the serializable admission request. It is the
// only operation the orchestrator invokes on the worker pool, and the seam
// across which process isolation is crossed.
type ExecuteSubtasksRequest struct {
	RunID    string    `json:"run_id"`
	Subtasks []Subtask `json:"subtasks"`
}

// ExecuteSubtasksResponse carries one terminal result per submitted subtask
// plus batch accounting.
type ExecuteSubtasksResponse struct {
	Results      []SubtaskResult `json:"results"`
	SubtaskCount int             `json:"subtasks_count"`
	FailedCount  int             `json:"failed"`
	AgentsUsed   int             `json:"agents_used"`
	PoolSize     int             `json:"pool_size"`
}

// SubtaskExecutor is the pool admission interface. Implementations never
// surface subtask-level errors as a call error; every subtask comes back as
// a terminal SubtaskResult. A call error means the batch itself could not
// be admitted (closed pool, unreachable isolation channel, bad request).
type SubtaskExecutor interface {
	ExecuteSubtasks(ctx context.Context, req *ExecuteSubtasksRequest) (*ExecuteSubtasksResponse, error)
}

// Cache provides storage for frequently accessed data, like generated plans.
// Get returns a not-found error for missing or expired keys.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// HopStats summarizes a run's progress for the continuation guard.
type HopStats struct {
	HopIndex       int `json:"hop_index"`
	MaxHops        int `json:"max_hops"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	TotalSucceeded int `json:"total_succeeded"`
	TotalFailed    int `json:"total_failed"`
}

// ContinueGuard can veto a follow-up hop the evaluator asked for. It can
// only stop a run earlier than the hard MaxHops bound, never extend it.
type ContinueGuard interface {
	Allow(stats HopStats) (bool, error)
}
