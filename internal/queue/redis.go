package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Queue backed by a sorted set, surviving process restarts.
// The score carries the priority; ties inside a priority break on the
// enqueue timestamp encoded in the member prefix.
type Redis struct {
	client *redis.Client
	key    string
	paused atomic.Bool
	closed atomic.Bool
}

func NewRedis(client *redis.Client, name string) *Redis {
	return &Redis{
		client: client,
		key:    fmt.Sprintf("chanlink:queue:%s", name),
	}
}

func (r *Redis) Enqueue(ctx context.Context, job Job) error {
	if r.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	member := fmt.Sprintf("%020d|%s", time.Now().UnixNano(), data)
	return r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(job.Priority),
		Member: member,
	}).Err()
}

func (r *Redis) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.paused.Load() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		res, err := r.client.BZPopMin(ctx, time.Second, r.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("popping job: %w", err)
		}

		member, ok := res.Member.(string)
		if !ok {
			continue
		}

		_, data, found := strings.Cut(member, "|")
		if !found {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("unmarshaling job: %w", err)
		}
		return &job, nil
	}
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	return int(n), err
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *Redis) Pause() {
	r.paused.Store(true)
}

func (r *Redis) Resume() {
	r.paused.Store(false)
}

func (r *Redis) IsPaused() bool {
	return r.paused.Load()
}

func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
