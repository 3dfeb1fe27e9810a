package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(id string, priority int) Job {
	return Job{
		ID:         id,
		Priority:   priority,
		Payload:    json.RawMessage(`{}`),
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}
}

func TestMemoryPriorityOrder(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("low", PriorityLow)))
	require.NoError(t, q.Enqueue(ctx, job("high", PriorityHigh)))
	require.NoError(t, q.Enqueue(ctx, job("medium", PriorityMedium)))

	var order []string
	for i := 0; i < 3; i++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestMemoryFIFOWithinPriority(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("job-%d", i), PriorityMedium)))
	}

	for i := 0; i < 5; i++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("job-%d", i), j.ID)
	}
}

func TestMemoryDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	done := make(chan *Job, 1)
	go func() {
		j, _ := q.Dequeue(ctx)
		done <- j
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, job("late", PriorityHigh)))

	select {
	case j := <-done:
		assert.Equal(t, "late", j.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryDequeueHonorsContext(t *testing.T) {
	q := NewMemory()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryPauseResume(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a", PriorityHigh)))
	q.Pause()
	assert.True(t, q.IsPaused())

	// Producers keep working while consumers stall.
	require.NoError(t, q.Enqueue(ctx, job("b", PriorityHigh)))

	blocked := make(chan *Job, 1)
	go func() {
		j, _ := q.Dequeue(ctx)
		blocked <- j
	}()

	select {
	case <-blocked:
		t.Fatal("dequeue must block while paused")
	case <-time.After(50 * time.Millisecond):
	}

	q.Resume()
	select {
	case j := <-blocked:
		assert.Equal(t, "a", j.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not resume")
	}
}

func TestMemoryClear(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a", PriorityHigh)))
	require.NoError(t, q.Enqueue(ctx, job("b", PriorityLow)))
	require.NoError(t, q.Clear(ctx))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	waiting := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		waiting <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the consumer")
	}

	assert.ErrorIs(t, q.Enqueue(ctx, job("x", PriorityHigh)), ErrClosed)
}
