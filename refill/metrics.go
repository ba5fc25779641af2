package refill

import (
	"sync"
	"sync/atomic"
	"time"
)

// DetailedMetrics is a point-in-time projection of a limiter, obtained by
// running the transition function speculatively. AvailablePermits may be
// negative while reserved permits are being repaid by elapsing time.
type DetailedMetrics struct {
	AvailablePermits int64
	NanosToWait      int64
	WaitingCallers   int
}

// CountersSnapshot cumulative admission counters.
type CountersSnapshot struct {
	Name        string
	Total       int64
	Acquired    int64
	Rejected    int64
	RejectRate  float64
	LastResetAt time.Time
}

// Counters tracks cumulative admission outcomes for one limiter.
type Counters struct {
	name        string
	total       atomic.Int64
	acquired    atomic.Int64
	rejected    atomic.Int64
	lastResetAt time.Time
	mu          sync.RWMutex
}

// NewCounters creates a counter set.
func NewCounters(name string) *Counters {
	return &Counters{
		name:        name,
		lastResetAt: time.Now(),
	}
}

// RecordAcquired records a granted request.
func (c *Counters) RecordAcquired() {
	c.total.Add(1)
	c.acquired.Add(1)
}

// RecordRejected records a refused request.
func (c *Counters) RecordRejected() {
	c.total.Add(1)
	c.rejected.Add(1)
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CountersSnapshot {
	total := c.total.Load()
	acquired := c.acquired.Load()
	rejected := c.rejected.Load()

	var rejectRate float64
	if total > 0 {
		rejectRate = float64(rejected) / float64(total)
	}

	c.mu.RLock()
	lastResetAt := c.lastResetAt
	c.mu.RUnlock()

	return CountersSnapshot{
		Name:        c.name,
		Total:       total,
		Acquired:    acquired,
		Rejected:    rejected,
		RejectRate:  rejectRate,
		LastResetAt: lastResetAt,
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.total.Store(0)
	c.acquired.Store(0)
	c.rejected.Store(0)

	c.mu.Lock()
	c.lastResetAt = time.Now()
	c.mu.Unlock()
}
