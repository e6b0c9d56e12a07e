package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable queue on two Redis lists. Enqueue pushes onto
// the pending list; Dequeue atomically moves the oldest request onto this
// consumer's processing list; Ack removes it from there. Requests left on a
// processing list by a crashed consumer are restored by Requeue.
type RedisQueue struct {
	client      redis.UniversalClient
	pendingKey  string
	processKey  string
	pollTimeout time.Duration
}

// RedisQueueOptions configures a RedisQueue.
type RedisQueueOptions struct {
	// Prefix namespaces the keys. Default is "flow:queue".
	Prefix string

	// Consumer names the processing list. Each process should use a stable
	// name so it can requeue its own unacknowledged requests on restart.
	Consumer string

	// PollTimeout bounds each blocking read so Dequeue notices a cancelled
	// context. Redis rounds it up to whole seconds.
	PollTimeout time.Duration
}

func NewRedisQueue(client redis.UniversalClient, opts RedisQueueOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "flow:queue"
	}
	if opts.Consumer == "" {
		opts.Consumer = "default"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &RedisQueue{
		client:      client,
		pendingKey:  opts.Prefix + ":pending",
		processKey:  opts.Prefix + ":processing:" + opts.Consumer,
		pollTimeout: opts.PollTimeout,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	msg, err := encodeRequest(req)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pendingKey, msg).Err(); err != nil {
		return fmt.Errorf("failed to enqueue request %s: %w", req.ExecutionID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := q.client.BLMove(ctx, q.pendingKey, q.processKey, "RIGHT", "LEFT", q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue request: %w", err)
		}
		req, err := decodeRequest(msg)
		if err != nil {
			// A message that cannot be decoded would be redelivered forever.
			q.client.LRem(context.WithoutCancel(ctx), q.processKey, 1, msg)
			return nil, err
		}
		return &Delivery{Request: req, raw: msg}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processKey, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack request %s: %w", d.Request.ExecutionID, err)
	}
	return nil
}

// Requeue moves every unacknowledged request of this consumer back to the
// head of the pending list. It returns how many moved.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processKey, q.pendingKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue: %w", err)
		}
		moved++
	}
}

// Len returns the number of pending requests.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey).Result()
}

// InFlight returns the number of delivered but unacknowledged requests.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processKey).Result()
}
