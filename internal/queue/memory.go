package queue

import (
	"container/heap"
	"context"
	"sync"
)

// Memory is an in-process Queue used when Redis is not configured and by
// the test suites.
type Memory struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   jobHeap
	seq    uint64
	paused bool
	closed bool
}

func NewMemory() *Memory {
	m := &Memory{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.seq++
	heap.Push(&m.jobs, queuedJob{job: job, seq: m.seq})
	m.cond.Broadcast()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Job, error) {
	// Wake waiters when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.closed {
			return nil, ErrClosed
		}
		if !m.paused && m.jobs.Len() > 0 {
			qj := heap.Pop(&m.jobs).(queuedJob)
			job := qj.job
			return &job, nil
		}
		m.cond.Wait()
	}
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs.Len(), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = m.jobs[:0]
	return nil
}

func (m *Memory) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *Memory) Resume() {
	m.mu.Lock()
	m.paused = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Memory) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

type queuedJob struct {
	job Job
	seq uint64
}

type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(queuedJob))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
