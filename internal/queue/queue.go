// Package queue dispatches job messages to workers through Redis lists.
//
// Producers LPUSH onto the pending list. A consumer atomically moves the next
// message into its own processing list (BLMOVE) and removes it from there on
// Ack. Messages left behind by a crashed consumer are moved back to pending by
// Recover when a consumer with the same name starts again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoMessage is returned by Dequeue when nothing arrived before the timeout.
var ErrNoMessage = errors.New("no message available")

// Message is the broker payload. It carries only the job id; the job and its
// rows are read from the store.
type Message struct {
	JobID      uuid.UUID `json:"job_id"`
	Kind       string    `json:"kind"`
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued message still owned by the consumer until Ack or Requeue.
type Delivery struct {
	Message
	raw string
}

// Broker is the dispatch interface used by the submission gateway and the workers.
type Broker interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Requeue(ctx context.Context, d *Delivery) error
	Recover(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// RedisQueue implements Broker on a Redis list pair.
type RedisQueue struct {
	client   *redis.Client
	name     string
	consumer string
}

// NewRedisQueue creates a queue named name for the given consumer. Producers
// may pass an empty consumer.
func NewRedisQueue(redisURL, name, consumer string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisQueue{client: redis.NewClient(opts), name: name, consumer: consumer}, nil
}

// ForConsumer returns a view of the same queue, sharing the connection pool,
// that dequeues into consumer's processing list.
func (q *RedisQueue) ForConsumer(consumer string) *RedisQueue {
	return &RedisQueue{client: q.client, name: q.name, consumer: consumer}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) pendingKey() string {
	return fmt.Sprintf("queue:%s:pending", q.name)
}

func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("queue:%s:processing:%s", q.name, q.consumer)
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next message. A message that cannot be
// decoded is dropped from the processing list and reported as an error.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if q.consumer == "" {
		return nil, errors.New("dequeue: queue has no consumer name")
	}
	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Delivery{Message: msg, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue puts the message back on pending with its attempt count increased.
func (q *RedisQueue) Requeue(ctx context.Context, d *Delivery) error {
	msg := d.Message
	msg.Attempt++
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)
	pipe.LPush(ctx, q.pendingKey(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// Recover moves every message in this consumer's processing list back to
// pending and returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		moved++
	}
}

// Depth is the number of messages waiting on pending.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}
