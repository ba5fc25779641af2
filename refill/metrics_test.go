package refill

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_Snapshot(t *testing.T) {
	c := NewCounters("api")

	for i := 0; i < 7; i++ {
		c.RecordAcquired()
	}
	for i := 0; i < 3; i++ {
		c.RecordRejected()
	}

	snap := c.Snapshot()
	assert.Equal(t, "api", snap.Name)
	assert.Equal(t, int64(10), snap.Total)
	assert.Equal(t, int64(7), snap.Acquired)
	assert.Equal(t, int64(3), snap.Rejected)
	assert.InDelta(t, 0.3, snap.RejectRate, 1e-9)
	assert.False(t, snap.LastResetAt.IsZero())
}

func TestCounters_EmptySnapshotHasZeroRate(t *testing.T) {
	snap := NewCounters("idle").Snapshot()
	assert.Equal(t, int64(0), snap.Total)
	assert.Equal(t, 0.0, snap.RejectRate)
}

func TestCounters_Reset(t *testing.T) {
	c := NewCounters("api")
	c.RecordAcquired()
	c.RecordRejected()

	before := c.Snapshot()
	c.Reset()
	after := c.Snapshot()

	assert.Equal(t, int64(0), after.Total)
	assert.Equal(t, int64(0), after.Acquired)
	assert.Equal(t, int64(0), after.Rejected)
	assert.False(t, after.LastResetAt.Before(before.LastResetAt))
}
