package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanlink/pkg/errors"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	r := NewRuntime(config.ChannelConfig{
		ConnectMaxRetries: 3,
		ConnectBaseDelay:  5 * time.Second,
		SendMaxRetries:    3,
		SendBaseDelay:     time.Second,
		ReconnectDelay:    2 * time.Second,
	}, logger.New(logger.TestConfig()))
	r.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return r
}

func TestConnectWithRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		r := testRuntime(t)

		status, err := r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
			return StatusConnected, nil
		})

		require.NoError(t, err)
		assert.Equal(t, StatusConnected, status)
		assert.Equal(t, StatusConnected, r.Status())
		assert.Equal(t, 0, r.RetryCount())
	})

	t.Run("recovers after transient failures", func(t *testing.T) {
		r := testRuntime(t)

		attempts := 0
		status, err := r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
			attempts++
			if attempts < 3 {
				return StatusError, fmt.Errorf("upstream unavailable")
			}
			return StatusConnected, nil
		})

		require.NoError(t, err)
		assert.Equal(t, StatusConnected, status)
		assert.Equal(t, 3, attempts)
	})

	t.Run("lands on error after exhausting retries", func(t *testing.T) {
		r := testRuntime(t)

		attempts := 0
		status, err := r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
			attempts++
			return StatusError, fmt.Errorf("refused")
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrConnectionExhausted)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Contains(t, err.Error(), "refused")
		assert.Equal(t, StatusError, status)
		assert.Equal(t, StatusError, r.Status())
		assert.Equal(t, 3, attempts)
	})

	t.Run("uses exponential backoff between attempts", func(t *testing.T) {
		r := testRuntime(t)

		var delays []time.Duration
		r.SetSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		})

		_, _ = r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
			return StatusError, fmt.Errorf("refused")
		})

		require.Len(t, delays, 2)
		assert.Equal(t, 5*time.Second, delays[0])
		assert.Equal(t, 10*time.Second, delays[1])
	})

	t.Run("failed run transitions connecting then error", func(t *testing.T) {
		r := testRuntime(t)

		var transitions []ConnectionStatus
		r.OnEvent(func(ev Event) {
			if ev.Kind == EventStatusChanged {
				transitions = append(transitions, ev.Status)
			}
		})

		_, _ = r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
			return StatusError, fmt.Errorf("refused")
		})

		assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusError}, transitions)
	})

	t.Run("stops when context is cancelled during backoff", func(t *testing.T) {
		r := testRuntime(t)
		r.SetSleep(sleepCtx)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		status, err := r.ConnectWithRetry(ctx, func(ctx context.Context) (ConnectionStatus, error) {
			return StatusError, fmt.Errorf("refused")
		})

		require.Error(t, err)
		assert.Equal(t, StatusError, status)
	})
}

func TestSendWithRetry(t *testing.T) {
	connect := func(t *testing.T, r *Runtime) {
		t.Helper()
		_, err := r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
			return StatusConnected, nil
		})
		require.NoError(t, err)
	}

	t.Run("rejects sends while disconnected", func(t *testing.T) {
		r := testRuntime(t)

		res, err := r.SendWithRetry(context.Background(), MessagePayload{To: "+5511999999999"}, func(ctx context.Context, p MessagePayload) (*MessageResult, error) {
			t.Fatal("send must not be called")
			return nil, nil
		})

		assert.Nil(t, res)
		assert.Equal(t, errors.ErrChannelNotConnected, err)
	})

	t.Run("returns result on success", func(t *testing.T) {
		r := testRuntime(t)
		connect(t, r)

		res, err := r.SendWithRetry(context.Background(), MessagePayload{To: "+5511999999999"}, func(ctx context.Context, p MessagePayload) (*MessageResult, error) {
			return &MessageResult{Success: true, ExternalID: "wamid.1"}, nil
		})

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "wamid.1", res.ExternalID)
	})

	t.Run("exhausted retries yield a failed result and nil error", func(t *testing.T) {
		r := testRuntime(t)
		connect(t, r)

		attempts := 0
		res, err := r.SendWithRetry(context.Background(), MessagePayload{To: "+5511999999999"}, func(ctx context.Context, p MessagePayload) (*MessageResult, error) {
			attempts++
			return nil, fmt.Errorf("gateway timeout")
		})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.Equal(t, "gateway timeout", res.Error)
		assert.Equal(t, 3, attempts)
	})

	t.Run("linear backoff between attempts", func(t *testing.T) {
		r := testRuntime(t)
		connect(t, r)

		var delays []time.Duration
		r.SetSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		})

		_, _ = r.SendWithRetry(context.Background(), MessagePayload{To: "+5511999999999"}, func(ctx context.Context, p MessagePayload) (*MessageResult, error) {
			return nil, fmt.Errorf("gateway timeout")
		})

		require.Len(t, delays, 2)
		assert.Equal(t, time.Second, delays[0])
		assert.Equal(t, 2*time.Second, delays[1])
	})

	t.Run("emits sent and failed events", func(t *testing.T) {
		r := testRuntime(t)
		connect(t, r)

		var kinds []EventKind
		r.OnEvent(func(ev Event) {
			if ev.Kind == EventMessageSent || ev.Kind == EventMessageFailed {
				kinds = append(kinds, ev.Kind)
			}
		})

		_, _ = r.SendWithRetry(context.Background(), MessagePayload{To: "+1"}, func(ctx context.Context, p MessagePayload) (*MessageResult, error) {
			return &MessageResult{Success: true}, nil
		})
		_, _ = r.SendWithRetry(context.Background(), MessagePayload{To: "+1"}, func(ctx context.Context, p MessagePayload) (*MessageResult, error) {
			return nil, fmt.Errorf("down")
		})

		assert.Equal(t, []EventKind{EventMessageSent, EventMessageFailed}, kinds)
	})
}

func TestReconnect(t *testing.T) {
	r := testRuntime(t)

	_, err := r.ConnectWithRetry(context.Background(), func(ctx context.Context) (ConnectionStatus, error) {
		return StatusConnected, nil
	})
	require.NoError(t, err)

	var slept []time.Duration
	r.SetSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	disconnected := false
	status, err := r.Reconnect(context.Background(),
		func(ctx context.Context) error {
			disconnected = true
			return nil
		},
		func(ctx context.Context) (ConnectionStatus, error) {
			return StatusConnected, nil
		},
	)

	require.NoError(t, err)
	assert.True(t, disconnected)
	assert.Equal(t, StatusConnected, status)
	require.NotEmpty(t, slept)
	assert.Equal(t, 2*time.Second, slept[0])
}

func TestSetStatus(t *testing.T) {
	t.Run("repeated status is not re-emitted", func(t *testing.T) {
		r := testRuntime(t)

		events := 0
		r.OnEvent(func(ev Event) { events++ })

		r.SetStatus(StatusConnecting, "")
		r.SetStatus(StatusConnecting, "")
		r.SetStatus(StatusConnected, "")

		assert.Equal(t, 2, events)
	})

	t.Run("panicking handler does not break peers", func(t *testing.T) {
		r := testRuntime(t)

		reached := false
		r.OnEvent(func(ev Event) { panic("boom") })
		r.OnEvent(func(ev Event) { reached = true })

		r.SetStatus(StatusConnected, "")
		assert.True(t, reached)
	})
}
