package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the redis list holding pending tasks.
const DefaultKey = "fetchd:tasks"

// Redis is a durable domain.TaskQueue backed by two redis lists. Tasks
// are LPUSHed onto the pending list as JSON; Dequeue BLMOVEs a task
// onto a processing list, where it stays until Ack LREMs it. A process
// that dies mid-episode leaves the task on the processing list, and
// Reclaim moves such orphans back at startup, giving at-least-once
// delivery across restarts and multiple worker processes.
type Redis struct {
	client     *redis.Client
	key        string
	processing string
}

// NewRedis creates a redis-backed queue from a redis URL
// (redis://host:port/db). Key falls back to DefaultKey if empty.
func NewRedis(redisURL, key string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if key == "" {
		key = DefaultKey
	}
	return &Redis{
		client:     redis.NewClient(opts),
		key:        key,
		processing: key + ":processing",
	}, nil
}

// Ping verifies connectivity.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the client.
func (q *Redis) Close() error {
	return q.client.Close()
}

// Enqueue pushes one task.
func (q *Redis) Enqueue(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Dequeue blocks until a task arrives or ctx is done. The task is moved
// onto the processing list and stays there until acked.
func (q *Redis) Dequeue(ctx context.Context) (domain.Task, error) {
	res, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", 0).Result()
	if err != nil {
		return domain.Task{}, err
	}
	return decodeTask([]byte(res))
}

// Ack removes a delivered task from the processing list.
func (q *Redis) Ack(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LRem(ctx, q.processing, 1, payload).Err()
}

// Reclaim moves orphaned tasks from the processing list back onto the
// pending list. Run at startup, before any worker consumes: every task
// still on the processing list belongs to a dead process.
func (q *Redis) Reclaim(ctx context.Context) (int, error) {
	var n int
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reclaim tasks: %w", err)
		}
		n++
	}
}

func encodeTask(t domain.Task) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTask(payload []byte) (domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.JobID == "" {
		return domain.Task{}, fmt.Errorf("decode task: empty job id")
	}
	return t, nil
}
