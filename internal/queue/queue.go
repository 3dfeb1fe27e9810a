package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Priority buckets, lower runs first.
const (
	PriorityHigh   = 1
	PriorityMedium = 5
	PriorityLow    = 10
)

var (
	ErrClosed = errors.New("queue closed")
	ErrPaused = errors.New("queue paused")
)

// Job is a unit of deferred work. Payload is an opaque JSON document owned
// by the producer.
type Job struct {
	ID         string          `json:"id"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Queue is a priority FIFO. Jobs with a lower priority value are dequeued
// first; jobs with equal priority keep enqueue order.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available, the queue is closed or the
	// context is cancelled. Pausing the queue stalls consumers without
	// rejecting producers.
	Dequeue(ctx context.Context) (*Job, error)

	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	Pause()
	Resume()
	IsPaused() bool

	Close() error
}
