package scheduler

import (
	"sync"

	"github.com/hbomb79/Crunch/internal/job"
)

// readyQueue holds pending jobs in dispatch order: oldest creation time
// first, id breaking ties. Insertion is positional so that a retried job
// (which keeps its original creation time) re-enters ahead of newer work.
type readyQueue struct {
	mutex sync.Mutex
	items []*job.Job
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (queue *readyQueue) Push(j *job.Job) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	idx := len(queue.items)
	for ; idx > 0; idx-- {
		prev := queue.items[idx-1]
		if prev.CreatedAt.Before(j.CreatedAt) || (prev.CreatedAt.Equal(j.CreatedAt) && prev.ID < j.ID) {
			break
		}
	}

	queue.items = append(queue.items, nil)
	copy(queue.items[idx+1:], queue.items[idx:])
	queue.items[idx] = j
}

// Peek returns the head of the queue without removing it, or nil when empty.
func (queue *readyQueue) Peek() *job.Job {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if len(queue.items) == 0 {
		return nil
	}

	return queue.items[0]
}

// Remove takes the job with the given id out of the queue, reporting whether
// it was present.
func (queue *readyQueue) Remove(id int64) bool {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	for idx, item := range queue.items {
		if item.ID == id {
			queue.items = append(queue.items[:idx], queue.items[idx+1:]...)
			return true
		}
	}

	return false
}

// Contains reports whether the job with the given id is queued.
func (queue *readyQueue) Contains(id int64) bool {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	for _, item := range queue.items {
		if item.ID == id {
			return true
		}
	}

	return false
}

// Drain empties the queue and returns everything it held, in order.
func (queue *readyQueue) Drain() []*job.Job {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	drained := queue.items
	queue.items = nil

	return drained
}

func (queue *readyQueue) Len() int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	return len(queue.items)
}
