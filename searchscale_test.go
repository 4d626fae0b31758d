package searchscale_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	searchscale "github.com/ZanzyTHEbar/searchscale"
	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"github.com/ZanzyTHEbar/searchscale/internal/pool"
	"github.com/firebase/genkit/go/genkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedPlanner struct{ plan *searchscale.Plan }

func (p *scriptedPlanner) GeneratePlan(ctx context.Context, query string) (*searchscale.Plan, error) {
	return p.plan, nil
}

type stopEvaluator struct{}

func (stopEvaluator) Evaluate(ctx context.Context, query string, hop searchscale.Hop, results []searchscale.SubtaskResult) (*searchscale.HopDecision, error) {
	return &searchscale.HopDecision{Continue: false, Notes: "sufficient"}, nil
}

type joiningSolver struct{}

func (joiningSolver) Synthesize(ctx context.Context, query string, results []searchscale.SubtaskResult) (string, error) {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Payload)
	}
	return strings.Join(parts, " | "), nil
}

type fetcherFunc func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
	return f(ctx, req)
}

func echoFetcher() searchscale.Fetcher {
	return fetcherFunc(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		return &searchscale.FetchResponse{Content: "results for " + req.Goal}, nil
	})
}

func twoHopPlan() *searchscale.Plan {
	return &searchscale.Plan{Hops: []searchscale.Hop{
		{Subtasks: []searchscale.Subtask{
			{ID: "a", Goal: "alpha", Strategy: searchscale.StrategyDirect},
			{ID: "b", Goal: "beta", Strategy: searchscale.StrategyKeyword},
		}},
		{Subtasks: []searchscale.Subtask{
			{ID: "c", Goal: "gamma", Strategy: searchscale.StrategyDiscovery},
		}},
	}}
}

func newEngine(t *testing.T, fetcher searchscale.Fetcher, mutate func(*searchscale.Config)) *searchscale.SearchScale {
	t.Helper()

	g, err := genkit.Init(context.Background())
	require.NoError(t, err)

	cfg := searchscale.DefaultConfig()
	cfg.Pool.MaxPoolSize = 4
	cfg.Pool.Retry.InitialDelay = time.Millisecond
	cfg.Pool.Retry.MaxDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	workerPool, err := pool.NewWorkerPool(fetcher, cfg.Pool)
	require.NoError(t, err)

	engine, err := searchscale.New(context.Background(), g,
		searchscale.WithConfig(cfg),
		searchscale.WithPlanner(&scriptedPlanner{plan: twoHopPlan()}),
		searchscale.WithEvaluator(stopEvaluator{}),
		searchscale.WithSolver(joiningSolver{}),
		searchscale.WithExecutor(workerPool),
	)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestProcessEndToEnd(t *testing.T) {
	engine := newEngine(t, echoFetcher(), nil)

	answer, err := engine.Process(context.Background(), "what is alpha beta gamma")
	require.NoError(t, err)

	// All three subtask payloads reach the solver, hop order preserved.
	assert.Equal(t, "results for alpha | results for beta | results for gamma", answer)
}

func TestProcessEndToEndPublishesRunSuccess(t *testing.T) {
	engine := newEngine(t, echoFetcher(), nil)

	received := make(chan struct{}, 1)
	_, err := engine.EventBus().Subscribe([]eventbus.EventType{eventbus.EventRunSuccess},
		func(ctx context.Context, event eventbus.Event) error {
			select {
			case received <- struct{}{}:
			default:
			}
			return nil
		})
	require.NoError(t, err)

	_, err = engine.Process(context.Background(), "q")
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run success event")
	}
}

func TestProcessStreamEndToEnd(t *testing.T) {
	engine := newEngine(t, echoFetcher(), nil)

	chunks, err := engine.ProcessStream(context.Background(), "q")
	require.NoError(t, err)

	var collected []searchscale.Chunk
	for chunk := range chunks {
		collected = append(collected, chunk)
	}

	require.Len(t, collected, 3)
	assert.Equal(t, searchscale.ChunkHop, collected[0].Kind)
	assert.Equal(t, 0, collected[0].HopIndex)
	assert.Equal(t, searchscale.ChunkHop, collected[1].Kind)
	assert.Equal(t, 1, collected[1].HopIndex)
	assert.Equal(t, searchscale.ChunkFinal, collected[2].Kind)
	assert.Contains(t, collected[2].Text, "results for alpha")
}

func TestProcessAsyncLifecycle(t *testing.T) {
	engine := newEngine(t, echoFetcher(), nil)

	runID, err := engine.ProcessAsync(context.Background(), "q")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		status, err := engine.GetAsyncStatus(runID)
		return err == nil && status.IsComplete
	}, 5*time.Second, 10*time.Millisecond)

	answer, err := engine.GetAsyncResult(runID)
	require.NoError(t, err)
	assert.Contains(t, answer, "results for alpha")

	runs := engine.ListAsyncRuns()
	assert.Equal(t, string(searchscale.StateComplete), runs[runID])

	// Terminal runs cannot be cancelled.
	cancelled, err := engine.CancelAsyncRun(runID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	removed := engine.CleanupCompletedRuns(0)
	assert.Equal(t, 1, removed)
	_, err = engine.GetAsyncStatus(runID)
	assert.Error(t, err)
}

func TestProcessAsyncCancel(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocking := fetcherFunc(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		<-release
		return &searchscale.FetchResponse{Content: "late " + req.Goal}, nil
	})

	engine := newEngine(t, blocking, nil)
	defer once.Do(func() { close(release) })

	runID, err := engine.ProcessAsync(context.Background(), "q")
	require.NoError(t, err)

	cancelled, err := engine.CancelAsyncRun(runID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// In-flight fetches finish naturally; the run still lands cancelled.
	once.Do(func() { close(release) })

	require.Eventually(t, func() bool {
		status, err := engine.GetAsyncStatus(runID)
		return err == nil && status.CurrentState == searchscale.StateCancelled
	}, 5*time.Second, 10*time.Millisecond)

	_, err = engine.GetAsyncResult(runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run failed")
}

func TestAsyncStatusReadsDuringRun(t *testing.T) {
	slow := fetcherFunc(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		time.Sleep(time.Millisecond)
		return &searchscale.FetchResponse{Content: "results for " + req.Goal}, nil
	})
	engine := newEngine(t, slow, nil)

	runID, err := engine.ProcessAsync(context.Background(), "q")
	require.NoError(t, err)

	// Status readers run concurrently with the run goroutine; run this
	// under the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				status, err := engine.GetAsyncStatus(runID)
				if !assert.NoError(t, err) {
					return
				}
				_ = engine.ListAsyncRuns()
				if status.IsComplete {
					return
				}
			}
		}()
	}
	wg.Wait()

	answer, err := engine.GetAsyncResult(runID)
	require.NoError(t, err)
	assert.Contains(t, answer, "results for alpha")
}

func TestGetAsyncStatusUnknownRun(t *testing.T) {
	engine := newEngine(t, echoFetcher(), nil)

	_, err := engine.GetAsyncStatus("no-such-run")
	require.Error(t, err)
	_, err = engine.GetAsyncResult("no-such-run")
	require.Error(t, err)
	_, err = engine.CancelAsyncRun("no-such-run")
	require.Error(t, err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	g, err := genkit.Init(context.Background())
	require.NoError(t, err)

	cases := []struct {
		name    string
		options []searchscale.Option
	}{
		{"missing planner", []searchscale.Option{
			searchscale.WithEvaluator(stopEvaluator{}),
			searchscale.WithSolver(joiningSolver{}),
			searchscale.WithExecutor(nopExecutor{}),
		}},
		{"missing executor", []searchscale.Option{
			searchscale.WithPlanner(&scriptedPlanner{plan: twoHopPlan()}),
			searchscale.WithEvaluator(stopEvaluator{}),
			searchscale.WithSolver(joiningSolver{}),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := searchscale.New(context.Background(), g, tc.options...)
			require.Error(t, err)
		})
	}
}

type nopExecutor struct{}

func (nopExecutor) ExecuteSubtasks(ctx context.Context, req *searchscale.ExecuteSubtasksRequest) (*searchscale.ExecuteSubtasksResponse, error) {
	return &searchscale.ExecuteSubtasksResponse{Results: make([]searchscale.SubtaskResult, len(req.Subtasks))}, nil
}

func TestCloseIsIdempotent(t *testing.T) {
	engine := newEngine(t, echoFetcher(), nil)

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
}

func TestProcessEndToEndWithRetries(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	flaky := fetcherFunc(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		mu.Lock()
		calls[req.Goal]++
		n := calls[req.Goal]
		mu.Unlock()
		if n == 1 {
			return nil, fmt.Errorf("connection reset")
		}
		return &searchscale.FetchResponse{Content: "recovered " + req.Goal}, nil
	})

	engine := newEngine(t, flaky, nil)

	answer, err := engine.Process(context.Background(), "q")
	require.NoError(t, err)
	assert.Contains(t, answer, "recovered alpha")
	assert.Contains(t, answer, "recovered gamma")
}
