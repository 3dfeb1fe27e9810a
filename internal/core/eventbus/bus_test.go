package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanlink/internal/queue"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

func testBusConfig() config.EventBusConfig {
	return config.EventBusConfig{
		Workers:        2,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		HistoryLimit:   5,
		HistoryTTL:     time.Hour,
		SweepSchedule:  "0 * * * *",
	}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(queue.NewMemory(), testBusConfig(), logger.New(logger.TestConfig()))
	t.Cleanup(b.Close)
	return b
}

type capturingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *capturingSink) Emit(event string, companyID int, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *capturingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func TestPublishEvent(t *testing.T) {
	t.Run("stamps metadata and delivers to subscribers", func(t *testing.T) {
		b := newTestBus(t)

		received := make(chan Payload, 1)
		b.Subscribe("message.received", 0, func(ctx context.Context, p Payload) error {
			received <- p
			return nil
		})
		b.Start(context.Background())

		id, err := b.PublishEvent(context.Background(), "message.received", 42, map[string]interface{}{
			"text": "hello",
		}, Options{})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		select {
		case p := <-received:
			assert.Equal(t, id, p.ID)
			assert.Equal(t, 42, p.CompanyID)
			assert.Equal(t, "api-bridge", p.Metadata.Source)
			assert.Equal(t, "1.0", p.Metadata.Version)
			assert.NotEmpty(t, p.Metadata.CorrelationID)
			assert.False(t, p.Metadata.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber was not invoked")
		}
	})

	t.Run("requires an event name", func(t *testing.T) {
		b := newTestBus(t)
		_, err := b.PublishEvent(context.Background(), "", 1, nil, Options{})
		require.Error(t, err)
	})

	t.Run("preserves an explicit correlation id", func(t *testing.T) {
		b := newTestBus(t)

		_, err := b.PublishEvent(context.Background(), "ticket.created", 1, nil, Options{CorrelationID: "corr-7"})
		require.NoError(t, err)

		entries := b.History("ticket.created", 1, 1)
		require.Len(t, entries, 1)
		assert.Equal(t, "corr-7", entries[0].Metadata.CorrelationID)
	})

	t.Run("drops duplicates by idempotency key", func(t *testing.T) {
		b := newTestBus(t)

		first, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{IdempotencyKey: "msg-1"})
		require.NoError(t, err)
		require.NotEmpty(t, first)

		dup, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{IdempotencyKey: "msg-1"})
		require.NoError(t, err)
		assert.Empty(t, dup)

		// Same key for a different company is a different event.
		other, err := b.PublishEvent(context.Background(), "message.received", 2, nil, Options{IdempotencyKey: "msg-1"})
		require.NoError(t, err)
		assert.NotEmpty(t, other)
	})

	t.Run("sink runs before the queue consumers", func(t *testing.T) {
		// No workers running: the sink still sees the event immediately.
		b := newTestBus(t)
		sink := &capturingSink{}
		b.SetLocalSink(sink)

		_, err := b.PublishEvent(context.Background(), "contact.updated", 3, nil, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"contact.updated"}, sink.seen())
	})

	t.Run("rejected after close", func(t *testing.T) {
		b := New(queue.NewMemory(), testBusConfig(), logger.New(logger.TestConfig()))
		b.Close()

		_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
		require.Error(t, err)
	})
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, queue.PriorityHigh, priorityFor("message.received"))
	assert.Equal(t, queue.PriorityHigh, priorityFor("whatsapp.qrcode"))
	assert.Equal(t, queue.PriorityMedium, priorityFor("ticket.created"))
	assert.Equal(t, queue.PriorityMedium, priorityFor("contact.updated"))
	assert.Equal(t, queue.PriorityLow, priorityFor("channel.connected"))
	assert.Equal(t, queue.PriorityLow, priorityFor("webhook.failed"))
}

func TestSubscriptionFiltering(t *testing.T) {
	b := newTestBus(t)

	var matched, foreign, wildcard atomic.Int32
	b.Subscribe("message.received", 42, func(ctx context.Context, p Payload) error {
		matched.Add(1)
		return nil
	})
	b.Subscribe("message.received", 99, func(ctx context.Context, p Payload) error {
		foreign.Add(1)
		return nil
	})
	b.SubscribeAll(func(ctx context.Context, p Payload) error {
		wildcard.Add(1)
		return nil
	})
	b.Start(context.Background())

	_, err := b.PublishEvent(context.Background(), "message.received", 42, nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return matched.Load() == 1 && wildcard.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), foreign.Load())
}

func TestSubscribeEvents(t *testing.T) {
	b := newTestBus(t)

	var calls atomic.Int32
	b.SubscribeEvents([]string{"message.received", "message.sent"}, func(ctx context.Context, p Payload) error {
		calls.Add(1)
		return nil
	}, func(p Payload) bool {
		return p.Data["channel"] == "whatsapp"
	})
	b.Start(context.Background())

	publish := func(event string, data map[string]interface{}) {
		_, err := b.PublishEvent(context.Background(), event, 1, data, Options{})
		require.NoError(t, err)
	}

	publish("message.received", map[string]interface{}{"channel": "whatsapp"})
	publish("message.sent", map[string]interface{}{"channel": "whatsapp"})
	// Wrong event name and rejected by the filter, respectively.
	publish("ticket.created", map[string]interface{}{"channel": "whatsapp"})
	publish("message.received", map[string]interface{}{"channel": "telegram"})

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	var calls atomic.Int32
	id := b.SubscribeAll(func(ctx context.Context, p Payload) error {
		calls.Add(1)
		return nil
	})
	b.Unsubscribe(id)
	b.Start(context.Background())

	_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatchRetries(t *testing.T) {
	t.Run("job retries while every subscriber fails", func(t *testing.T) {
		b := newTestBus(t)

		var attempts atomic.Int32
		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			if attempts.Add(1) < 2 {
				return fmt.Errorf("transient")
			}
			return nil
		})
		b.Start(context.Background())

		_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return attempts.Load() == 2
		}, time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			stats, err := b.QueueStats(context.Background())
			return err == nil && stats.Completed == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("exhausted jobs are retained for inspection", func(t *testing.T) {
		b := newTestBus(t)

		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			return fmt.Errorf("permanently broken")
		})
		b.Start(context.Background())

		id, err := b.PublishEvent(context.Background(), "message.received", 7, nil, Options{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(b.FailedJobs()) == 1
		}, time.Second, 5*time.Millisecond)

		dead := b.FailedJobs()[0]
		assert.Equal(t, "message.received", dead.Event)
		assert.Equal(t, id, dead.Job.ID)
		assert.Equal(t, 3, dead.Job.Attempt)
		assert.Contains(t, dead.Error, "permanently broken")
		assert.False(t, dead.FailedAt.IsZero())

		stats, err := b.QueueStats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Failed)
	})

	t.Run("one healthy subscriber keeps the job successful", func(t *testing.T) {
		b := newTestBus(t)

		var failing, healthy atomic.Int32
		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			failing.Add(1)
			return fmt.Errorf("broken consumer")
		})
		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			healthy.Add(1)
			return nil
		})
		b.Start(context.Background())

		_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return healthy.Load() == 1
		}, time.Second, 5*time.Millisecond)

		// No retry: the failing subscriber is invoked exactly once.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), failing.Load())
	})

	t.Run("a panicking subscriber is contained", func(t *testing.T) {
		b := newTestBus(t)

		var healthy atomic.Int32
		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			panic("boom")
		})
		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			healthy.Add(1)
			return nil
		})
		b.Start(context.Background())

		_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return healthy.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("exhausted retries count as failed", func(t *testing.T) {
		b := newTestBus(t)

		var attempts atomic.Int32
		b.SubscribeAll(func(ctx context.Context, p Payload) error {
			attempts.Add(1)
			return fmt.Errorf("permanently broken")
		})
		b.Start(context.Background())

		_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			stats, err := b.QueueStats(context.Background())
			return err == nil && stats.Failed == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), attempts.Load())
	})
}

func TestHistory(t *testing.T) {
	t.Run("newest first with a cap", func(t *testing.T) {
		b := newTestBus(t)

		for i := 0; i < 8; i++ {
			_, err := b.PublishEvent(context.Background(), "ticket.created", 1, map[string]interface{}{
				"seq": i,
			}, Options{})
			require.NoError(t, err)
		}

		entries := b.History("ticket.created", 1, 0)
		require.Len(t, entries, 5, "history keeps the configured cap")
		assert.Equal(t, 7, entries[0].Data["seq"])
		assert.Equal(t, 3, entries[4].Data["seq"])
	})

	t.Run("scoped by company", func(t *testing.T) {
		b := newTestBus(t)

		_, err := b.PublishEvent(context.Background(), "ticket.created", 1, nil, Options{})
		require.NoError(t, err)

		assert.Empty(t, b.History("ticket.created", 2, 0))
	})
}

func TestSweepHistory(t *testing.T) {
	b := newTestBus(t)

	_, err := b.PublishEvent(context.Background(), "ticket.created", 1, nil, Options{})
	require.NoError(t, err)

	// Move the clock past the retention window and sweep.
	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	b.sweepHistory()

	assert.Empty(t, b.History("ticket.created", 1, 0))
}

func TestPauseResume(t *testing.T) {
	b := newTestBus(t)

	var calls atomic.Int32
	b.SubscribeAll(func(ctx context.Context, p Payload) error {
		calls.Add(1)
		return nil
	})
	b.Start(context.Background())

	b.Pause()
	_, err := b.PublishEvent(context.Background(), "message.received", 1, nil, Options{})
	require.NoError(t, err)

	stats, err := b.QueueStats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Paused)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	b.Resume()
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishBatch(t *testing.T) {
	b := newTestBus(t)

	ids, err := b.PublishBatch(context.Background(), []Publication{
		{Event: "message.received", CompanyID: 1},
		{Event: "ticket.created", CompanyID: 1},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	n, err := b.q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
