package capture

import (
	"container/heap"
	"sync"
)

// motionNudge is subtracted from a motion-triggered job's priority so that
// a motion capture dequeues ahead of a manual capture with the same
// nominal priority. Manual jobs already receive their urgency boost when
// the priority is computed, so this is only a tie-break.
const motionNudge = 0.5

type queueItem struct {
	priority float64
	seq      uint64
	job      Job
}

type jobHeap []queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe min-priority queue of capture jobs. Lower
// priority dequeues first; equal priorities dequeue in arrival order.
type Queue struct {
	mu     sync.Mutex
	items  jobHeap
	seq    uint64
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Put inserts a job. Motion-triggered jobs get a small priority nudge
// ahead of equal-priority manual jobs. Never blocks beyond the internal
// lock.
func (q *Queue) Put(job Job) {
	q.mu.Lock()
	p := job.Priority
	if job.Trigger == TriggerMotion {
		p -= motionNudge
		if p < 1 {
			p = 1
		}
	}
	heap.Push(&q.items, queueItem{priority: p, seq: q.seq, job: job})
	q.seq++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get removes and returns the most urgent job. The second return is false
// when the queue is empty; emptiness is not an error.
func (q *Queue) Get() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Job{}, false
	}
	it := heap.Pop(&q.items).(queueItem)
	return it.job, true
}

// Size returns the instantaneous queue depth. Observability only; the
// value may be stale by the time the caller reads it.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready returns a channel that receives a signal after insertions. The
// channel is buffered and coalesces bursts, so a receiver must drain the
// queue with Get until empty before blocking again.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}
