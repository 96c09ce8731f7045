package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

func TestRunQueueOrdering(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newRunQueue()
	q.push("late-high", 8, t0.Add(time.Minute), 1)
	q.push("early-low", 5, t0, 2)
	q.push("tie-b", 5, t0.Add(time.Second), 4)
	q.push("tie-a", 5, t0.Add(time.Second), 3)

	assert.False(t, q.push("tie-a", 9, t0, 5), "duplicate push must be a no-op")
	assert.Equal(t, []string{"late-high", "early-low", "tie-a", "tie-b"}, q.ids())
	assert.Equal(t, 4, q.len(), "ids must not consume the queue")

	require.True(t, q.remove("early-low"))
	assert.False(t, q.remove("early-low"))
	q.reprioritize("tie-b", 10)

	var got []string
	for {
		e, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, e.id)
	}
	assert.Equal(t, []string{"tie-b", "late-high", "tie-a"}, got)
}

func TestNextSkipsJobsStillWindingDown(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := r.Do(func(tx *Tx) error {
		for i, id := range []string{"busy", "free"} {
			j := newTestJob(id, 5, t0.Add(time.Duration(i)*time.Second))
			tx.Insert(j)
			tx.Enqueue(j)
		}
		tx.Bind("busy", newRun("busy"))

		j, ok := tx.Next()
		require.True(t, ok)
		assert.Equal(t, "free", j.ID)
		assert.True(t, tx.Queued("busy"))
		_, ok = tx.Next()
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, r.QueuedIDs())
}

func newTestJob(id string, priority int, created time.Time) *model.Job {
	return &model.Job{ID: id, Priority: priority, CreatedAt: created, Status: model.StatusQueued}
}
