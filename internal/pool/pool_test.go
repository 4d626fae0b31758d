package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher runs a configurable function per fetch and tracks concurrency.
type fakeFetcher struct {
	fn func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error)

	mu       sync.Mutex
	active   int
	peak     int
	calls    map[string]int
	started  chan struct{}
	blockFor time.Duration
}

func newFakeFetcher(fn func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error)) *fakeFetcher {
	return &fakeFetcher{fn: fn, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.calls[req.Goal]++
	started := f.started
	block := f.blockFor
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block > 0 {
		time.Sleep(block)
	}

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &searchscale.FetchResponse{Content: "result for " + req.Goal}, nil
}

func (f *fakeFetcher) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeFetcher) Calls(goal string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[goal]
}

func fastConfig(poolSize, attempts int) searchscale.PoolConfig {
	return searchscale.PoolConfig{
		MaxPoolSize: poolSize,
		Retry: searchscale.RetryPolicy{
			MaxAttempts:    attempts,
			InitialDelay:   time.Millisecond,
			Multiplier:     2.0,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
	}
}

func makeSubtasks(n int) []searchscale.Subtask {
	subtasks := make([]searchscale.Subtask, n)
	for i := range subtasks {
		subtasks[i] = searchscale.Subtask{
			ID:       fmt.Sprintf("s%d", i),
			Goal:     fmt.Sprintf("goal %d", i),
			Strategy: searchscale.StrategyDirect,
		}
	}
	return subtasks
}

func TestSubmitReturnsOneResultPerSubtaskInOrder(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	w, err := NewWorkerPool(fetcher, fastConfig(4, 3))
	require.NoError(t, err)

	subtasks := makeSubtasks(17)
	results := w.Submit(context.Background(), subtasks)

	require.Len(t, results, len(subtasks))
	for i, r := range results {
		assert.Equal(t, subtasks[i].ID, r.SubtaskID, "result %d out of order", i)
		assert.True(t, r.Succeeded())
		assert.Equal(t, "result for "+subtasks[i].Goal, r.Payload)
		assert.Equal(t, 1, r.Attempts)
		assert.NotEmpty(t, r.WorkerID)
	}
}

func TestSubmitNeverExceedsPoolSize(t *testing.T) {
	const poolSize = 5

	fetcher := newFakeFetcher(nil)
	fetcher.blockFor = 20 * time.Millisecond

	w, err := NewWorkerPool(fetcher, fastConfig(poolSize, 1))
	require.NoError(t, err)

	// Enough subtasks that a leaky bound would overshoot.
	results := w.Submit(context.Background(), makeSubtasks(poolSize*4))

	for _, r := range results {
		assert.True(t, r.Succeeded())
	}
	assert.LessOrEqual(t, fetcher.Peak(), poolSize, "fetcher concurrency exceeded the pool size")
	assert.Equal(t, poolSize, w.slots.Peak(), "pool should saturate all slots")
	assert.Zero(t, w.slots.Busy(), "all slots released after the batch")
}

func TestTransientFailureRetriesUpToBudget(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		return nil, searchscale.NewTransientFetchError(req.Goal, errors.New("flaky upstream"))
	})

	w, err := NewWorkerPool(fetcher, fastConfig(2, 3))
	require.NoError(t, err)

	results := w.Submit(context.Background(), makeSubtasks(1))
	require.Len(t, results, 1)

	r := results[0]
	assert.False(t, r.Succeeded())
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, fetcher.Calls("goal 0"))
	assert.Contains(t, r.Error, "flaky upstream")
}

func TestTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		if calls.Add(1) < 3 {
			return nil, searchscale.NewTransientFetchError(req.Goal, errors.New("temporarily down"))
		}
		return &searchscale.FetchResponse{Content: "recovered"}, nil
	})

	w, err := NewWorkerPool(fetcher, fastConfig(1, 3))
	require.NoError(t, err)

	results := w.Submit(context.Background(), makeSubtasks(1))
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, "recovered", results[0].Payload)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		return nil, searchscale.NewPermanentFetchError(req.Goal, errors.New("401 unauthorized"))
	})

	w, err := NewWorkerPool(fetcher, fastConfig(2, 3))
	require.NoError(t, err)

	results := w.Submit(context.Background(), makeSubtasks(1))
	require.Len(t, results, 1)
	assert.False(t, results[0].Succeeded())
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, 1, fetcher.Calls("goal 0"))
}

func TestUncodedErrorTreatedAsTransient(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		return nil, errors.New("some collaborator bug")
	})

	w, err := NewWorkerPool(fetcher, fastConfig(1, 3))
	require.NoError(t, err)

	results := w.Submit(context.Background(), makeSubtasks(1))
	require.Len(t, results, 1)
	assert.False(t, results[0].Succeeded())
	assert.Equal(t, 3, results[0].Attempts, "uncoded errors get the full attempt budget")
}

func TestEmptyResponseIsTransient(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		return &searchscale.FetchResponse{Content: "   "}, nil
	})

	w, err := NewWorkerPool(fetcher, fastConfig(1, 2))
	require.NoError(t, err)

	results := w.Submit(context.Background(), makeSubtasks(1))
	require.Len(t, results, 1)
	assert.False(t, results[0].Succeeded())
	assert.Equal(t, 2, results[0].Attempts)
	assert.Contains(t, results[0].Error, "empty response")
}

func TestUnknownStrategyIsPermanentFailure(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	w, err := NewWorkerPool(fetcher, fastConfig(2, 3))
	require.NoError(t, err)

	results := w.Submit(context.Background(), []searchscale.Subtask{
		{ID: "bad", Goal: "anything", Strategy: "teleport"},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Succeeded())
	assert.Contains(t, results[0].Error, "unknown strategy")
	assert.Equal(t, 0, fetcher.Calls("anything"), "fetcher must never see an unknown strategy")
}

func TestCancellationStopsAdmissionButBatchStaysComplete(t *testing.T) {
	const poolSize = 10
	const batch = 50

	release := make(chan struct{})
	var inFlight atomic.Int32
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		inFlight.Add(1)
		<-release
		return &searchscale.FetchResponse{Content: "done " + req.Goal}, nil
	})

	cfg := fastConfig(poolSize, 1)
	ctx, cancel := context.WithCancel(context.Background())

	w, err := NewWorkerPool(fetcher, cfg)
	require.NoError(t, err)

	var results []searchscale.SubtaskResult
	done := make(chan struct{})
	go func() {
		results = w.Submit(ctx, makeSubtasks(batch))
		close(done)
	}()

	// Wait until the pool is saturated, then cancel the run.
	require.Eventually(t, func() bool {
		return inFlight.Load() == poolSize
	}, time.Second, time.Millisecond)
	cancel()

	// In-flight subtasks finish naturally once released.
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancellation")
	}

	require.Len(t, results, batch)

	succeeded, cancelled := 0, 0
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("s%d", i), r.SubtaskID)
		if r.Succeeded() {
			succeeded++
		} else {
			cancelled++
			assert.Contains(t, r.Error, "cancel")
		}
	}
	// Everything admitted before cancellation completes; everything queued
	// behind it fails with a cancelled reason.
	assert.GreaterOrEqual(t, succeeded, int(poolSize))
	assert.Equal(t, batch, succeeded+cancelled)
}

func TestExecuteSubtasksAccounting(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		if req.Goal == "goal 1" {
			return nil, searchscale.NewPermanentFetchError(req.Goal, errors.New("nope"))
		}
		return &searchscale.FetchResponse{Content: "ok"}, nil
	})

	w, err := NewWorkerPool(fetcher, fastConfig(3, 2))
	require.NoError(t, err)

	resp, err := w.ExecuteSubtasks(context.Background(), &searchscale.ExecuteSubtasksRequest{
		RunID:    "run-1",
		Subtasks: makeSubtasks(3),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.SubtaskCount)
	assert.Equal(t, 1, resp.FailedCount)
	assert.Equal(t, 3, resp.PoolSize)
	assert.GreaterOrEqual(t, resp.AgentsUsed, 1)
	require.Len(t, resp.Results, 3)
}

func TestExecuteSubtasksOnClosedPool(t *testing.T) {
	w, err := NewWorkerPool(newFakeFetcher(nil), fastConfig(2, 1))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "Close must be idempotent")

	_, err = w.ExecuteSubtasks(context.Background(), &searchscale.ExecuteSubtasksRequest{
		Subtasks: makeSubtasks(1),
	})
	require.Error(t, err)
	assert.Equal(t, searchscale.ErrCodeValidation, searchscale.ErrorCode(err))
}

func TestNewWorkerPoolValidation(t *testing.T) {
	_, err := NewWorkerPool(nil, fastConfig(2, 1))
	require.Error(t, err)

	_, err = NewWorkerPool(newFakeFetcher(nil), searchscale.PoolConfig{MaxPoolSize: 0})
	require.Error(t, err)
}

func TestMetricsTrackOutcomes(t *testing.T) {
	fetcher := newFakeFetcher(func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
		if req.Goal == "goal 0" {
			return nil, searchscale.NewPermanentFetchError(req.Goal, errors.New("nope"))
		}
		return &searchscale.FetchResponse{Content: "ok"}, nil
	})

	w, err := NewWorkerPool(fetcher, fastConfig(2, 1))
	require.NoError(t, err)

	w.Submit(context.Background(), makeSubtasks(4))

	m := w.Metrics()
	assert.Equal(t, 4, m.SubtasksExecuted)
	assert.Equal(t, 3, m.SubtasksSucceeded)
	assert.Equal(t, 1, m.SubtasksFailed)
	assert.LessOrEqual(t, m.PeakBusy, 2)
}
