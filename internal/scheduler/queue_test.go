package scheduler

import (
	"testing"
	"time"

	"github.com/hbomb79/Crunch/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedJob(id int64, createdAt time.Time) *job.Job {
	j := &job.Job{}
	j.ID = id
	j.CreatedAt = createdAt

	return j
}

func queueOrder(queue *readyQueue) []int64 {
	var ids []int64
	for _, item := range queue.Drain() {
		ids = append(ids, item.ID)
	}

	return ids
}

func Test_ReadyQueue_OrdersByCreationTime(t *testing.T) {
	t.Parallel()

	base := time.Now()
	queue := newReadyQueue()
	queue.Push(queuedJob(3, base.Add(3*time.Second)))
	queue.Push(queuedJob(1, base.Add(time.Second)))
	queue.Push(queuedJob(2, base.Add(2*time.Second)))

	assert.Equal(t, []int64{1, 2, 3}, queueOrder(queue))
}

func Test_ReadyQueue_TiesBreakOnID(t *testing.T) {
	t.Parallel()

	createdAt := time.Now()
	queue := newReadyQueue()
	queue.Push(queuedJob(9, createdAt))
	queue.Push(queuedJob(4, createdAt))
	queue.Push(queuedJob(7, createdAt))

	assert.Equal(t, []int64{4, 7, 9}, queueOrder(queue))
}

// A retried job keeps its original creation time, so it must re-enter ahead
// of jobs submitted after it rather than at the back of the line.
func Test_ReadyQueue_RetriedJobRejoinsAheadOfNewerWork(t *testing.T) {
	t.Parallel()

	base := time.Now()
	queue := newReadyQueue()
	queue.Push(queuedJob(2, base.Add(2*time.Second)))
	queue.Push(queuedJob(3, base.Add(3*time.Second)))

	// Job 1 predates both; it was leased, failed, and is now retried
	queue.Push(queuedJob(1, base.Add(time.Second)))

	assert.Equal(t, []int64{1, 2, 3}, queueOrder(queue))
}

func Test_ReadyQueue_PeekDoesNotRemove(t *testing.T) {
	t.Parallel()

	queue := newReadyQueue()
	assert.Nil(t, queue.Peek())

	queue.Push(queuedJob(1, time.Now()))
	head := queue.Peek()
	require.NotNil(t, head)
	assert.Equal(t, int64(1), head.ID)
	assert.Equal(t, 1, queue.Len())
}

func Test_ReadyQueue_RemoveAndContains(t *testing.T) {
	t.Parallel()

	base := time.Now()
	queue := newReadyQueue()
	queue.Push(queuedJob(1, base))
	queue.Push(queuedJob(2, base.Add(time.Second)))

	assert.True(t, queue.Contains(1))
	assert.True(t, queue.Remove(1))
	assert.False(t, queue.Contains(1))
	assert.False(t, queue.Remove(1))

	assert.Equal(t, []int64{2}, queueOrder(queue))
}

func Test_ReadyQueue_DrainEmptiesQueue(t *testing.T) {
	t.Parallel()

	queue := newReadyQueue()
	queue.Push(queuedJob(1, time.Now()))
	queue.Push(queuedJob(2, time.Now().Add(time.Second)))

	drained := queue.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, queue.Len())
	assert.Nil(t, queue.Peek())
}
