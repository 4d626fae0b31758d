// Package searchscale provides a concurrent search orchestration runtime:
// a query is decomposed into hops of independent subtasks, each hop is fanned
// out through a bounded worker pool, and the partial results are synthesized
// into one answer.
package searchscale

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/searchscale/internal/cache"
	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/zap"
)

// SearchScale is the main entry point into the runtime. It owns the
// reasoning collaborators, the pool admission seam, and the per-run state
// machines.
type SearchScale struct {
	// Core components
	planner   Planner
	evaluator Evaluator
	solver    Solver
	executor  SubtaskExecutor
	guard     ContinueGuard
	cache     Cache
	eventBus  eventbus.EventBus
	logger    *zap.Logger

	// Configuration
	config Config

	// Async processing
	asyncRuns      map[string]*RunContext
	asyncRunsMutex sync.RWMutex

	// Teardown
	closeOnce sync.Once
	closeErr  error
}

// Config holds the configuration options for the runtime. It is read at
// construction and never re-read mid-run.
type Config struct {
	// Pool sizing and per-subtask retry policy
	Pool PoolConfig

	// Maximum number of hops per run. Required; the evaluating state never
	// schedules a hop at or beyond this bound.
	MaxHops int

	// Buffer size of the chunk channel returned by ProcessStream
	StreamBufferSize int

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int

	// Cache TTL for reasoning artifacts (plans)
	CacheTTL time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Pool:                DefaultPoolConfig(),
		MaxHops:             4,
		StreamBufferSize:    4,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
		CacheTTL:            10 * time.Minute,
	}
}

// Option is a function that configures a SearchScale instance.
type Option func(*SearchScale)

// WithConfig sets the runtime configuration.
func WithConfig(config Config) Option {
	return func(s *SearchScale) {
		s.config = config
	}
}

// WithPlanner sets the planner collaborator.
func WithPlanner(planner Planner) Option {
	return func(s *SearchScale) {
		s.planner = planner
	}
}

// WithEvaluator sets the hop evaluator collaborator.
func WithEvaluator(evaluator Evaluator) Option {
	return func(s *SearchScale) {
		s.evaluator = evaluator
	}
}

// WithSolver sets the solver collaborator.
func WithSolver(solver Solver) Option {
	return func(s *SearchScale) {
		s.solver = solver
	}
}

// WithExecutor sets the pool admission seam. This is either an in-process
// worker pool or a client for a process-isolated one.
func WithExecutor(executor SubtaskExecutor) Option {
	return func(s *SearchScale) {
		s.executor = executor
	}
}

// WithContinueGuard sets an optional hop continuation guard.
func WithContinueGuard(guard ContinueGuard) Option {
	return func(s *SearchScale) {
		s.guard = guard
	}
}

// WithCache sets the cache component.
func WithCache(c Cache) Option {
	return func(s *SearchScale) {
		s.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SearchScale) {
		s.logger = logger
	}
}

// New creates a new SearchScale instance with the provided options.
func New(ctx context.Context, g *genkit.Genkit, options ...Option) (*SearchScale, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}

	s := &SearchScale{
		config:    DefaultConfig(),
		logger:    zap.NewNop(),
		asyncRuns: make(map[string]*RunContext),
	}

	for _, option := range options {
		option(s)
	}

	// Validate required components
	if s.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if s.evaluator == nil {
		return nil, NewConfigurationError("evaluator is required", nil)
	}
	if s.solver == nil {
		return nil, NewConfigurationError("solver is required", nil)
	}
	if s.executor == nil {
		return nil, NewConfigurationError("subtask executor is required", nil)
	}
	if s.config.MaxHops <= 0 {
		return nil, NewConfigurationError("max hop count is required and must be positive", nil)
	}
	if err := s.config.Pool.Validate(); err != nil {
		return nil, err
	}

	if s.cache == nil {
		s.cache = cache.NewInMemoryCache(s.config.CacheTTL)
	}

	if s.config.EnableEventBus && s.eventBus == nil {
		s.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(s.config.EventBusBufferSize),
			eventbus.WithWorkerCount(s.config.EventBusWorkerCount),
			eventbus.WithLogger(s.logger),
		)
		s.logger.Debug("initialized default channel-based event bus")
	}

	return s, nil
}

// Cache exposes the runtime cache for collaborator adapters.
func (s *SearchScale) Cache() Cache {
	return s.cache
}

// EventBus exposes the runtime event bus for external subscribers.
func (s *SearchScale) EventBus() eventbus.EventBus {
	return s.eventBus
}

// components bundles collaborators for the state machine.
func (s *SearchScale) components() Components {
	return Components{
		Planner:   s.planner,
		Evaluator: s.evaluator,
		Solver:    s.solver,
		Executor:  s.executor,
		Guard:     s.guard,
		Config:    s.config,
		Logger:    s.logger,
	}
}

// createStateMachine builds a state machine with all transitions for one run.
func (s *SearchScale) createStateMachine() *StateMachine {
	var eb eventbus.EventBus
	if s.config.EnableEventBus {
		eb = s.eventBus
	}
	return CreateRunStateMachine(s.components(), eb)
}

// Process handles an end-to-end run: planning, one dispatch/evaluate cycle
// per hop, and final synthesis. It returns the synthesized answer, or an
// error when the run aborted.
func (s *SearchScale) Process(ctx context.Context, query string) (string, error) {
	stateMachine := s.createStateMachine()
	runContext := NewRunContext(query, s.config)

	s.logger.Info("run started",
		zap.String("run_id", runContext.RunID),
		zap.String("query", query))

	answer, err := stateMachine.Execute(ctx, runContext)

	s.logger.Info("run finished",
		zap.String("run_id", runContext.RunID),
		zap.String("state", string(runContext.CurrentState)),
		zap.Duration("duration", runContext.GetTotalDuration()),
		zap.Error(err))

	return answer, err
}

// ProcessStream runs the query and returns a finite, non-restartable
// sequence of chunks: one per hop (in hop order, after that hop's
// evaluation) and one final chunk carrying the synthesized answer. The
// channel is closed when the run reaches a terminal state; cancellation
// stops production at the next hop boundary.
func (s *SearchScale) ProcessStream(ctx context.Context, query string) (<-chan Chunk, error) {
	stateMachine := s.createStateMachine()
	runContext := NewRunContext(query, s.config)
	runContext.chunks = make(chan Chunk, s.config.StreamBufferSize)

	s.logger.Info("streaming run started",
		zap.String("run_id", runContext.RunID),
		zap.String("query", query))

	go func() {
		_, err := stateMachine.Execute(ctx, runContext)
		s.logger.Info("streaming run finished",
			zap.String("run_id", runContext.RunID),
			zap.String("state", string(runContext.CurrentState)),
			zap.Error(err))
	}()

	return runContext.chunks, nil
}

// Close releases the event bus and, when the executor owns resources, the
// executor as well. Idempotent and safe to call multiple times.
func (s *SearchScale) Close() error {
	s.closeOnce.Do(func() {
		// Cancel any async runs still in flight.
		s.asyncRunsMutex.Lock()
		for _, rc := range s.asyncRuns {
			if !rc.IsTerminal() {
				rc.Cancel()
			}
		}
		s.asyncRunsMutex.Unlock()

		if closer, ok := s.executor.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.closeErr = err
			}
		}

		if s.eventBus != nil {
			if err := s.eventBus.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
