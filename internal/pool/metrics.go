package pool

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
)

// PoolMetrics tracks statistics about subtask execution.
type PoolMetrics struct {
	SubtasksExecuted  int
	SubtasksSucceeded int
	SubtasksFailed    int
	TotalRetries      int
	TotalDuration     time.Duration
	LongestSubtask    time.Duration
	ShortestSubtask   time.Duration
	PeakBusy          int

	mu sync.Mutex // Protects metrics updates
}

func (m *PoolMetrics) record(result searchscale.SubtaskResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := time.Duration(result.Elapsed * float64(time.Second))

	m.SubtasksExecuted++
	m.TotalDuration += duration
	if result.Attempts > 1 {
		m.TotalRetries += result.Attempts - 1
	}

	if result.Succeeded() {
		m.SubtasksSucceeded++
	} else {
		m.SubtasksFailed++
	}

	if duration > m.LongestSubtask {
		m.LongestSubtask = duration
	}
	if duration > 0 && (m.ShortestSubtask == 0 || duration < m.ShortestSubtask) {
		m.ShortestSubtask = duration
	}
}

// Copy returns a snapshot without the mutex.
func (m *PoolMetrics) Copy() PoolMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return PoolMetrics{
		SubtasksExecuted:  m.SubtasksExecuted,
		SubtasksSucceeded: m.SubtasksSucceeded,
		SubtasksFailed:    m.SubtasksFailed,
		TotalRetries:      m.TotalRetries,
		TotalDuration:     m.TotalDuration,
		LongestSubtask:    m.LongestSubtask,
		ShortestSubtask:   m.ShortestSubtask,
		PeakBusy:          m.PeakBusy,
	}
}
