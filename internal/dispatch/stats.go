// ABOUTME: Handler execution counters
// ABOUTME: Tracks handled and failed invocations plus cumulative handler time

package dispatch

import (
	"sync"
	"time"
)

// Stats is a snapshot of handler execution.
type Stats struct {
	Handled int64
	Failed  int64
	Total   time.Duration
}

// Average returns the mean handler duration, or zero before any run.
func (s Stats) Average() time.Duration {
	if s.Handled == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Handled)
}

type statsRecorder struct {
	mu sync.Mutex
	s  Stats
}

func (r *statsRecorder) record(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Handled++
	r.s.Total += d
	if err != nil {
		r.s.Failed++
	}
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}
