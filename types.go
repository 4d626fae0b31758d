package searchscale

import (
	"fmt"
	"time"
)

// Strategy is the closed set of search approaches a subtask may use.
// The WorkerAgent handles every member exhaustively; an unknown value is a
// permanent failure, never retried.
type Strategy string

const (
	// StrategyDirect issues the subtask goal as-is.
	StrategyDirect Strategy = "direct"
	// StrategyAnchorExpand anchors on a named entity and expands outward.
	StrategyAnchorExpand Strategy = "anchor_expand"
	// StrategyKeyword reduces the goal to high-signal keywords.
	StrategyKeyword Strategy = "keyword"
	// StrategyDiscovery casts a wide net to map the topic space first.
	StrategyDiscovery Strategy = "discovery"
)

// Valid reports whether s is a member of the closed strategy set.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyAnchorExpand, StrategyKeyword, StrategyDiscovery:
		return true
	}
	return false
}

// SubtaskStatus is the terminal status of a subtask execution.
type SubtaskStatus string

const (
	// SubtaskSucceeded indicates the subtask produced a payload.
	SubtaskSucceeded SubtaskStatus = "succeeded"
	// SubtaskFailed indicates the subtask exhausted its attempts or was cancelled.
	SubtaskFailed SubtaskStatus = "failed"
)

// Subtask is one unit of search work with a single goal. Immutable once
// created; owned by the WorkerPool for its execution lifetime.
type Subtask struct {
	ID       string   `json:"id"`
	Goal     string   `json:"goal"`
	Strategy Strategy `json:"strategy"`
	HopIndex int      `json:"hop_index"`

	// Constraints narrows the fetch (site, date range, language). Optional.
	Constraints string `json:"constraints,omitempty"`
}

// SubtaskResult is the terminal outcome for exactly one Subtask. The pool's
// core contract: one result per submitted subtask, input order preserved.
type SubtaskResult struct {
	SubtaskID string        `json:"subtask_id"`
	Status    SubtaskStatus `json:"status"`
	Payload   string        `json:"payload,omitempty"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`

	// WorkerID attributes the result to the agent slot that produced it.
	WorkerID string `json:"agent_id,omitempty"`
	// Elapsed is the wall time of the terminal attempt chain in seconds.
	Elapsed float64 `json:"time_taken_seconds"`
	// DispatchedAt records when the subtask was handed to an agent. The
	// omitempty keeps the field optional in generated schemas.
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`
}

// Succeeded reports whether the result carries a usable payload.
func (r SubtaskResult) Succeeded() bool {
	return r.Status == SubtaskSucceeded
}

// Hop is one sequential stage of a plan. Subtasks within a hop execute
// concurrently; hops execute strictly in sequence.
type Hop struct {
	Index    int       `json:"index"`
	Subtasks []Subtask `json:"subtasks"`
}

// Plan is the ordered sequence of hops produced by the planner. It may be
// extended after a hop completes, but already-executed hops are never revised.
type Plan struct {
	Hops []Hop `json:"hops"`
}

// SubtaskCount returns the total number of subtasks across all hops.
func (p *Plan) SubtaskCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, h := range p.Hops {
		n += len(h.Subtasks)
	}
	return n
}

// Validate checks the structural invariants of a freshly generated plan.
func (p *Plan) Validate() error {
	if p == nil || len(p.Hops) == 0 {
		return NewValidationError("planning", "plan must contain at least one hop", nil)
	}
	seen := make(map[string]struct{})
	for i, hop := range p.Hops {
		if len(hop.Subtasks) == 0 {
			return NewValidationError("planning", fmt.Sprintf("hop %d has no subtasks", i), nil)
		}
		for _, st := range hop.Subtasks {
			if st.ID == "" {
				return NewValidationError("planning", fmt.Sprintf("hop %d contains a subtask without an ID", i), nil)
			}
			if _, dup := seen[st.ID]; dup {
				return NewValidationError("planning", fmt.Sprintf("duplicate subtask ID %q", st.ID), nil)
			}
			seen[st.ID] = struct{}{}
			if st.Goal == "" {
				return NewValidationError("planning", fmt.Sprintf("subtask %q has an empty goal", st.ID), nil)
			}
		}
	}
	return nil
}

// HopDecision is the evaluator's verdict after a hop's results are collected.
type HopDecision struct {
	// Continue requests another hop. The orchestrator still enforces the
	// MaxHops bound and the optional continuation guard on top of this.
	Continue bool `json:"continue"`
	// NextHop holds the subtasks for the follow-up hop when Continue is set.
	NextHop []Subtask `json:"next_hop,omitempty"`
	// Notes carries the evaluator's free-form reasoning for observability.
	Notes string `json:"notes,omitempty"`
}

// RetryPolicy bounds per-subtask retry behavior. Only transient failures are
// retried; permanent failures terminate the attempt chain immediately.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialDelay   time.Duration `json:"initial_delay"`
	Multiplier     float64       `json:"multiplier"`
	MaxDelay       time.Duration `json:"max_delay"`
	AttemptTimeout time.Duration `json:"attempt_timeout"`
}

// DefaultRetryPolicy mirrors the ecosystem defaults: 3 attempts, 1000 ms
// initial delay, 2x backoff, capped at 10000 ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   1000 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       10000 * time.Millisecond,
		AttemptTimeout: 30 * time.Second,
	}
}

// PoolConfig is the explicit configuration handed to WorkerPool construction.
// Read once at construction, never re-read mid-run.
type PoolConfig struct {
	MaxPoolSize int         `json:"max_pool_size"`
	Retry       RetryPolicy `json:"retry"`
}

// DefaultPoolConfig returns the default pool sizing (50 concurrent slots).
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPoolSize: 50,
		Retry:       DefaultRetryPolicy(),
	}
}

// Validate rejects configurations the pool cannot honor.
func (c PoolConfig) Validate() error {
	if c.MaxPoolSize <= 0 {
		return NewConfigurationError("max pool size must be positive", nil)
	}
	if c.Retry.MaxAttempts <= 0 {
		return NewConfigurationError("retry max attempts must be positive", nil)
	}
	if c.Retry.Multiplier < 1.0 {
		return NewConfigurationError("retry multiplier must be >= 1.0", nil)
	}
	return nil
}

// ChunkKind discriminates streamed chunk values.
type ChunkKind string

const (
	// ChunkHop is emitted after a hop's evaluation completes.
	ChunkHop ChunkKind = "hop"
	// ChunkFinal carries the synthesized answer.
	ChunkFinal ChunkKind = "final"
	// ChunkError terminates a degraded stream with the run error.
	ChunkError ChunkKind = "error"
)

// Chunk is one element of the streamed run output. Chunks are ordered by hop
// index and never reordered, even though subtasks complete out of order.
type Chunk struct {
	Kind     ChunkKind `json:"kind"`
	HopIndex int       `json:"hop_index"`
	Text     string    `json:"text"`
}
