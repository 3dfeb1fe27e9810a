package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chanlink/pkg/errors"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

// Runtime carries the lifecycle state shared by every provider: the status
// machine, retry policies and the event fan-out. Providers embed it and
// drive their upstream calls through ConnectWithRetry and SendWithRetry.
type Runtime struct {
	mu         sync.Mutex
	conn       *ConnectionInfo
	status     ConnectionStatus
	lastError  string
	retryCount int

	connectMaxRetries int
	connectBaseDelay  time.Duration
	sendMaxRetries    int
	sendBaseDelay     time.Duration
	reconnectDelay    time.Duration

	handlers []EventFunc
	log      *logger.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRuntime(cfg config.ChannelConfig, log *logger.Logger) *Runtime {
	return &Runtime{
		status:            StatusDisconnected,
		connectMaxRetries: cfg.ConnectMaxRetries,
		connectBaseDelay:  cfg.ConnectBaseDelay,
		sendMaxRetries:    cfg.SendMaxRetries,
		sendBaseDelay:     cfg.SendBaseDelay,
		reconnectDelay:    cfg.ReconnectDelay,
		log:               log,
		sleep:             sleepCtx,
	}
}

// Bind attaches the connection record. Called from Initialize, including
// re-initialization after configuration updates.
func (r *Runtime) Bind(conn *ConnectionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	if conn.Status != "" {
		r.status = conn.Status
	}
}

func (r *Runtime) OnEvent(fn EventFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

func (r *Runtime) Status() ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runtime) Connection() *ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Runtime) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Runtime) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

// SetStatus moves the status machine and emits a status event on every
// transition. Setting the current status again is a no-op.
func (r *Runtime) SetStatus(status ConnectionStatus, errMsg string) {
	r.mu.Lock()
	prev := r.status
	if prev == status && r.lastError == errMsg {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.lastError = errMsg
	if r.conn != nil {
		r.conn.Status = status
		r.conn.LastError = errMsg
		r.conn.UpdatedAt = time.Now()
	}
	conn := r.conn
	r.mu.Unlock()

	ev := Event{
		Kind:      EventStatusChanged,
		Previous:  prev,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	if conn != nil {
		ev.ConnectionID = conn.ID
		ev.CompanyID = conn.CompanyID
	}
	r.Emit(ev)
}

// Emit delivers an event to every handler. A panicking handler is logged
// and never breaks the others.
func (r *Runtime) Emit(ev Event) {
	r.mu.Lock()
	handlers := make([]EventFunc, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.ErrorWithFields("Event handler panicked", map[string]interface{}{
						"kind":  string(ev.Kind),
						"panic": fmt.Sprintf("%v", p),
					})
				}
			}()
			fn(ev)
		}()
	}
}

// ConnectWithRetry drives dial with exponential backoff. Each attempt
// starts from CONNECTING; exhaustion lands on ERROR and returns the last
// dial error wrapped.
func (r *Runtime) ConnectWithRetry(ctx context.Context, dial func(ctx context.Context) (ConnectionStatus, error)) (ConnectionStatus, error) {
	r.mu.Lock()
	r.retryCount = 0
	r.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= r.connectMaxRetries; attempt++ {
		r.SetStatus(StatusConnecting, "")

		status, err := dial(ctx)
		if err == nil {
			r.mu.Lock()
			r.retryCount = 0
			r.mu.Unlock()
			r.SetStatus(status, "")
			return status, nil
		}

		lastErr = err
		r.mu.Lock()
		r.retryCount = attempt
		r.mu.Unlock()

		r.log.WarnWithFields("Connection attempt failed", map[string]interface{}{
			"attempt":     attempt,
			"max_retries": r.connectMaxRetries,
			"error":       err.Error(),
		})

		if attempt < r.connectMaxRetries {
			delay := r.connectBaseDelay * time.Duration(1<<(attempt-1))
			if err := r.sleep(ctx, delay); err != nil {
				r.SetStatus(StatusError, err.Error())
				return StatusError, err
			}
		}
	}

	r.SetStatus(StatusError, lastErr.Error())
	return StatusError, fmt.Errorf("%w after %d attempts: %w", errors.ErrConnectionExhausted, r.connectMaxRetries, lastErr)
}

// SendWithRetry dispatches a payload with linear backoff between attempts.
// When every attempt fails the caller gets a failed MessageResult and a
// nil error; delivery failure is an outcome, not an exception.
func (r *Runtime) SendWithRetry(ctx context.Context, payload MessagePayload, send func(ctx context.Context, payload MessagePayload) (*MessageResult, error)) (*MessageResult, error) {
	if r.Status() != StatusConnected {
		return nil, errors.ErrChannelNotConnected
	}

	var lastErr string
	for attempt := 1; attempt <= r.sendMaxRetries; attempt++ {
		res, err := send(ctx, payload)
		if err == nil && res != nil && res.Success {
			r.Touch()
			r.Emit(r.messageEvent(EventMessageSent, &payload, res, ""))
			return res, nil
		}

		switch {
		case err != nil:
			lastErr = err.Error()
		case res != nil && res.Error != "":
			lastErr = res.Error
		default:
			lastErr = errors.ErrSendFailed.Message
		}

		r.log.WarnWithFields("Send attempt failed", map[string]interface{}{
			"attempt":     attempt,
			"max_retries": r.sendMaxRetries,
			"to":          payload.To,
			"error":       lastErr,
		})

		if attempt < r.sendMaxRetries {
			if err := r.sleep(ctx, r.sendBaseDelay*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	result := &MessageResult{
		Success:   false,
		Error:     lastErr,
		Timestamp: time.Now(),
	}
	r.Emit(r.messageEvent(EventMessageFailed, &payload, result, lastErr))
	return result, nil
}

// Reconnect tears the session down, waits a grace period and dials again
// under the usual retry policy.
func (r *Runtime) Reconnect(ctx context.Context, disconnect func(ctx context.Context) error, dial func(ctx context.Context) (ConnectionStatus, error)) (ConnectionStatus, error) {
	if err := disconnect(ctx); err != nil {
		r.log.WarnWithFields("Disconnect before reconnect failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	r.SetStatus(StatusDisconnected, "")

	if err := r.sleep(ctx, r.reconnectDelay); err != nil {
		return r.Status(), err
	}
	return r.ConnectWithRetry(ctx, dial)
}

// Touch refreshes the connection's last activity timestamp.
func (r *Runtime) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.LastActivity = time.Now()
	}
}

// SetSleep overrides the backoff sleeper. Test hook.
func (r *Runtime) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleep = fn
}

func (r *Runtime) messageEvent(kind EventKind, payload *MessagePayload, result *MessageResult, errMsg string) Event {
	ev := Event{
		Kind:      kind,
		Payload:   payload,
		Result:    result,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	if conn := r.Connection(); conn != nil {
		ev.ConnectionID = conn.ID
		ev.CompanyID = conn.CompanyID
	}
	return ev
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
