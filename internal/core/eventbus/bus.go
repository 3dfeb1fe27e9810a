package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"chanlink/internal/queue"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

const (
	metadataSource  = "api-bridge"
	metadataVersion = "1.0"
)

// Metadata is stamped onto every payload at publish time.
type Metadata struct {
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	Version        string    `json:"version"`
	CorrelationID  string    `json:"correlationId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// Payload is the envelope that travels through the bus.
type Payload struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	CompanyID int                    `json:"companyId"`
	Data      map[string]interface{} `json:"data"`
	Metadata  Metadata               `json:"metadata"`
}

// Options tune a single publication. Zero values mean "derive".
type Options struct {
	CorrelationID  string
	IdempotencyKey string
	Priority       int
}

// Publication is one entry of a batch publish.
type Publication struct {
	Event     string
	CompanyID int
	Data      map[string]interface{}
	Options   Options
}

// Handler processes one payload. Returning an error marks this
// subscriber's delivery as failed; panics are contained per subscriber.
type Handler func(ctx context.Context, p Payload) error

// LocalSink receives every published event synchronously, before the
// payload is queued for the async subscribers. Used for WebSocket fan-out.
type LocalSink interface {
	Emit(event string, companyID int, data map[string]interface{})
}

// Filter vets payloads after event-name matching. A nil filter accepts
// everything.
type Filter func(p Payload) bool

type subscriber struct {
	id      string
	events  []string
	filter  Filter
	handler Handler
}

func (s subscriber) matches(p Payload) bool {
	matched := false
	for _, e := range s.events {
		if e == "*" || e == p.Event {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	return s.filter == nil || s.filter(p)
}

// Stats is a point-in-time snapshot of the bus queue.
type Stats struct {
	Waiting   int   `json:"waiting"`
	Paused    bool  `json:"paused"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// FailedJob is a dead-lettered event retained for inspection after its
// retries ran out.
type FailedJob struct {
	Job      queue.Job `json:"job"`
	Event    string    `json:"event"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

const failedJobsLimit = 100

// Bus is the priority event pipeline between channel providers and
// everything that reacts to them.
type Bus struct {
	q   queue.Queue
	cfg config.EventBusConfig
	log *logger.Logger

	mu         sync.RWMutex
	subs       map[string]subscriber
	history    map[string][]Payload
	failedJobs []FailedJob
	sink       LocalSink
	closed     bool

	completed atomic.Int64
	failed    atomic.Int64

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

func New(q queue.Queue, cfg config.EventBusConfig, log *logger.Logger) *Bus {
	return &Bus{
		q:       q,
		cfg:     cfg,
		log:     log.WithModule("event-bus"),
		subs:    make(map[string]subscriber),
		history: make(map[string][]Payload),
		now:     time.Now,
	}
}

// SetLocalSink installs the synchronous fan-out target.
func (b *Bus) SetLocalSink(sink LocalSink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// Start spins up the worker pool and the hourly history sweep.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}

	b.cron = cron.New()
	if _, err := b.cron.AddFunc(b.cfg.SweepSchedule, b.sweepHistory); err != nil {
		b.log.ErrorWithFields("Failed to schedule history sweep", map[string]interface{}{
			"schedule": b.cfg.SweepSchedule,
			"error":    err.Error(),
		})
	} else {
		b.cron.Start()
	}

	b.log.InfoWithFields("Event bus started", map[string]interface{}{
		"workers": b.cfg.Workers,
	})
}

// Publish stamps metadata and queues the event with a priority derived
// from its name.
func (b *Bus) Publish(ctx context.Context, event string, companyID int, data map[string]interface{}) error {
	_, err := b.PublishEvent(ctx, event, companyID, data, Options{})
	return err
}

// PublishEvent returns the payload ID. A payload whose idempotency key was
// already seen for the same event and company is dropped and the empty ID
// is returned.
func (b *Bus) PublishEvent(ctx context.Context, event string, companyID int, data map[string]interface{}, opts Options) (string, error) {
	if event == "" {
		return "", fmt.Errorf("event name is required")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("event bus is closed")
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	payload := Payload{
		ID:        uuid.NewString(),
		Event:     event,
		CompanyID: companyID,
		Data:      data,
		Metadata: Metadata{
			Timestamp:      b.now(),
			Source:         metadataSource,
			Version:        metadataVersion,
			CorrelationID:  correlationID,
			IdempotencyKey: opts.IdempotencyKey,
		},
	}

	if opts.IdempotencyKey != "" && b.seen(event, companyID, opts.IdempotencyKey) {
		b.log.DebugWithFields("Duplicate event dropped", map[string]interface{}{
			"event":           event,
			"idempotency_key": opts.IdempotencyKey,
		})
		return "", nil
	}

	b.remember(payload)

	// Local consumers get the event before the queue does, so a UI update
	// never waits behind queued work.
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()
	if sink != nil {
		sink.Emit(event, companyID, data)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = priorityFor(event)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	job := queue.Job{
		ID:         payload.ID,
		Priority:   priority,
		Payload:    body,
		Attempt:    1,
		EnqueuedAt: b.now(),
	}
	if err := b.q.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing event: %w", err)
	}
	return payload.ID, nil
}

// PublishBatch publishes entries in order, stopping at the first failure.
func (b *Bus) PublishBatch(ctx context.Context, entries []Publication) ([]string, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		id, err := b.PublishEvent(ctx, e.Event, e.CompanyID, e.Data, e.Options)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SubscribeEvents registers one handler for several event names ("*"
// matches everything) with an optional payload filter.
func (b *Bus) SubscribeEvents(events []string, h Handler, filter Filter) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = subscriber{
		id:      id,
		events:  events,
		filter:  filter,
		handler: h,
	}
	b.mu.Unlock()
	return id
}

// Subscribe registers a handler for a single event name, or "*" for
// everything. companyID zero matches every company.
func (b *Bus) Subscribe(pattern string, companyID int, h Handler) string {
	var filter Filter
	if companyID != 0 {
		filter = func(p Payload) bool { return p.CompanyID == companyID }
	}
	return b.SubscribeEvents([]string{pattern}, h, filter)
}

func (b *Bus) SubscribeAll(h Handler) string {
	return b.Subscribe("*", 0, h)
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// History returns the retained payloads for an event and company, newest
// first, up to limit.
func (b *Bus) History(event string, companyID int, limit int) []Payload {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.history[historyKey(event, companyID)]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	out := make([]Payload, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}

func (b *Bus) QueueStats(ctx context.Context) (Stats, error) {
	waiting, err := b.q.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting,
		Paused:    b.q.IsPaused(),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
	}, nil
}

func (b *Bus) Pause() {
	b.q.Pause()
	b.log.Info("Event bus paused")
}

func (b *Bus) Resume() {
	b.q.Resume()
	b.log.Info("Event bus resumed")
}

func (b *Bus) ClearQueue(ctx context.Context) error {
	return b.q.Clear(ctx)
}

// Close stops accepting publications, drains the workers and shuts the
// sweep down.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string]subscriber)
	b.history = make(map[string][]Payload)
	b.mu.Unlock()

	if b.cron != nil {
		b.cron.Stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
	_ = b.q.Close()
	b.wg.Wait()
	b.log.Info("Event bus closed")
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()

	for {
		job, err := b.q.Dequeue(ctx)
		if err != nil {
			return
		}

		var payload Payload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			b.failed.Add(1)
			b.log.ErrorWithFields("Dropping undecodable event job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}

		if err := b.dispatch(ctx, payload); err != nil {
			b.retry(*job, payload, err)
			continue
		}
		b.completed.Add(1)
	}
}

// dispatch fans the payload out to matching subscribers. A panicking or
// failing subscriber never affects its peers; the job as a whole fails
// only when every matching subscriber failed.
func (b *Bus) dispatch(ctx context.Context, payload Payload) error {
	b.mu.RLock()
	matching := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(payload) {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	if len(matching) == 0 {
		return nil
	}

	failures := 0
	for _, s := range matching {
		if err := b.invoke(ctx, s, payload); err != nil {
			failures++
			b.log.WarnWithFields("Subscriber failed", map[string]interface{}{
				"subscriber": s.id,
				"event":      payload.Event,
				"error":      err.Error(),
			})
		}
	}

	if failures == len(matching) {
		return fmt.Errorf("all %d subscribers failed for event %s", failures, payload.Event)
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, s subscriber, payload Payload) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panicked: %v", p)
		}
	}()
	return s.handler(ctx, payload)
}

func (b *Bus) retry(job queue.Job, payload Payload, cause error) {
	if job.Attempt >= b.cfg.MaxRetries {
		b.failed.Add(1)
		b.keepFailed(job, payload, cause)
		b.log.ErrorWithFields("Event processing exhausted retries", map[string]interface{}{
			"event":    payload.Event,
			"attempts": job.Attempt,
			"error":    cause.Error(),
		})
		return
	}

	next := job
	next.Attempt++
	delay := b.cfg.RetryBaseDelay * time.Duration(1<<(job.Attempt-1))

	time.AfterFunc(delay, func() {
		if err := b.q.Enqueue(context.Background(), next); err != nil {
			b.failed.Add(1)
			b.keepFailed(next, payload, err)
			b.log.ErrorWithFields("Failed to requeue event", map[string]interface{}{
				"event": payload.Event,
				"error": err.Error(),
			})
		}
	})
}

// keepFailed dead-letters an exhausted job, bounded to the most recent
// entries.
func (b *Bus) keepFailed(job queue.Job, payload Payload, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedJobs = append(b.failedJobs, FailedJob{
		Job:      job,
		Event:    payload.Event,
		Error:    cause.Error(),
		FailedAt: b.now(),
	})
	if len(b.failedJobs) > failedJobsLimit {
		b.failedJobs = b.failedJobs[len(b.failedJobs)-failedJobsLimit:]
	}
}

// FailedJobs returns the retained dead letters, newest first.
func (b *Bus) FailedJobs() []FailedJob {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]FailedJob, 0, len(b.failedJobs))
	for i := len(b.failedJobs) - 1; i >= 0; i-- {
		out = append(out, b.failedJobs[i])
	}
	return out
}

func (b *Bus) seen(event string, companyID int, key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.history[historyKey(event, companyID)] {
		if p.Metadata.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (b *Bus) remember(p Payload) {
	key := historyKey(p.Event, p.CompanyID)

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := append(b.history[key], p)
	if len(entries) > b.cfg.HistoryLimit {
		entries = entries[len(entries)-b.cfg.HistoryLimit:]
	}
	b.history[key] = entries
}

// sweepHistory purges payloads older than the retention window.
func (b *Bus) sweepHistory() {
	cutoff := b.now().Add(-b.cfg.HistoryTTL)
	removed := 0

	b.mu.Lock()
	for key, entries := range b.history {
		kept := entries[:0]
		for _, p := range entries {
			if p.Metadata.Timestamp.After(cutoff) {
				kept = append(kept, p)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(b.history, key)
		} else {
			b.history[key] = kept
		}
	}
	b.mu.Unlock()

	if removed > 0 {
		b.log.InfoWithFields("Event history swept", map[string]interface{}{
			"removed": removed,
		})
	}
}

func priorityFor(event string) int {
	switch {
	case strings.HasPrefix(event, "message.") || strings.HasPrefix(event, "whatsapp."):
		return queue.PriorityHigh
	case strings.HasPrefix(event, "ticket.") || strings.HasPrefix(event, "contact."):
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

func historyKey(event string, companyID int) string {
	return fmt.Sprintf("%s:%d", event, companyID)
}
