package monitor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrackedCounter struct{ count int64 }

func (f fakeTrackedCounter) TrackedCount() (int64, error) { return f.count, nil }

func TestStats_SnapshotWithNoCyclesYieldsZeroRate(t *testing.T) {
	db := newTestDB(t)
	s := NewStats(db.Conn(), fakeTrackedCounter{count: 5}, nil, time.Now(), zerolog.Nop())

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.TotalCycles)
	assert.Equal(t, float64(0), snap.SuccessRate)
	assert.Equal(t, float64(0), snap.AverageCycleDuration)
	assert.Equal(t, int64(5), snap.AssetsTracked)
}

func TestStats_EndCycleUpdatesSuccessRate(t *testing.T) {
	db := newTestDB(t)
	s := NewStats(db.Conn(), fakeTrackedCounter{count: 2}, nil, time.Now(), zerolog.Nop())

	id1 := s.BeginCycle()
	s.EndCycle(id1, true, 1.0)
	id2 := s.BeginCycle()
	s.EndCycle(id2, false, 2.0)
	id3 := s.BeginCycle()
	s.EndCycle(id3, true, 3.0)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.TotalCycles)
	assert.Equal(t, int64(2), snap.SuccessfulCycles)
	assert.Equal(t, int64(1), snap.FailedCycles)
	assert.InDelta(t, 66.67, snap.SuccessRate, 0.01)
	assert.InDelta(t, 2.0, snap.AverageCycleDuration, 0.001)
}

func TestStats_RingIsBoundedTo100Values(t *testing.T) {
	db := newTestDB(t)
	s := NewStats(db.Conn(), fakeTrackedCounter{}, nil, time.Now(), zerolog.Nop())

	for i := 0; i < 150; i++ {
		id := s.BeginCycle()
		s.EndCycle(id, true, 10.0)
	}
	for i := 0; i < 5; i++ {
		id := s.BeginCycle()
		s.EndCycle(id, true, 0.0)
	}

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(155), snap.TotalCycles)
	// The ring holds only the last 100 values (95 of 10.0, then 5 of 0.0), so
	// the mean is 9.5; an unbounded window would report 1500/155 = 9.68.
	assert.InDelta(t, 9.5, snap.AverageCycleDuration, 0.001)
}

func TestStats_PersistAndLatest(t *testing.T) {
	db := newTestDB(t)
	s := NewStats(db.Conn(), fakeTrackedCounter{count: 3}, nil, time.Now(), zerolog.Nop())

	id := s.BeginCycle()
	s.EndCycle(id, true, 1.5)
	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.NoError(t, s.Persist(snap))

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, snap.TotalCycles, latest.TotalCycles)
	assert.Equal(t, snap.AssetsTracked, latest.AssetsTracked)
}
