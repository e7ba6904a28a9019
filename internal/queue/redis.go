package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sandwichfarm/castfeed/internal/config"
)

// Redis is a Queue on redis lists. Waiting jobs live in <name>, delivered
// jobs in <name>:processing until acked, and exhausted jobs in <name>:dead.
type Redis struct {
	rdb         *redis.Client
	pending     string
	processing  string
	dead        string
	maxAttempts int
	pollTimeout time.Duration
}

// NewRedis connects to the queue server
func NewRedis(ctx context.Context, cfg *config.Queue) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisFromClient(rdb, cfg.Name, cfg.MaxAttempts, cfg.PollTimeout()), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(rdb *redis.Client, name string, maxAttempts int, pollTimeout time.Duration) *Redis {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Redis{
		rdb:         rdb,
		pending:     name,
		processing:  name + ":processing",
		dead:        name + ":dead",
		maxAttempts: maxAttempts,
		pollTimeout: pollTimeout,
	}
}

func (r *Redis) Enqueue(ctx context.Context, job *Job) error {
	if err := prepare(job); err != nil {
		return err
	}
	payload, err := encode(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := r.rdb.LPush(ctx, r.pending, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context) (*Job, error) {
	payload, err := r.rdb.BLMove(ctx, r.pending, r.processing, "RIGHT", "LEFT", r.pollTimeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	job, err := decode(payload)
	if err != nil {
		// an unreadable payload can never succeed
		r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, r.processing, 1, payload)
			pipe.RPush(ctx, r.dead, payload)
			return nil
		})
		return nil, err
	}
	job.raw = payload
	return job, nil
}

func (r *Redis) Ack(ctx context.Context, job *Job) error {
	if job.raw == nil {
		return fmt.Errorf("job %s was not dequeued from this queue", job.ID)
	}
	if err := r.rdb.LRem(ctx, r.processing, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	if job.raw == nil {
		return false, fmt.Errorf("job %s was not dequeued from this queue", job.ID)
	}
	recordFailure(job, cause)
	payload, err := encode(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	dead := job.Attempts >= r.maxAttempts
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.processing, 1, job.raw)
		if dead {
			pipe.RPush(ctx, r.dead, payload)
		} else {
			pipe.LPush(ctx, r.pending, payload)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to nack job %s: %w", job.ID, err)
	}
	return dead, nil
}

func (r *Redis) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	payloads, err := r.rdb.LRange(ctx, r.dead, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	jobs := make([]*Job, 0, len(payloads))
	for _, p := range payloads {
		job, err := decode([]byte(p))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, r.pending).Result()
}

func (r *Redis) DeadLen(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, r.dead).Result()
}

// RecoverInFlight moves jobs left in the processing list by a crashed
// worker back onto the pending list. Call it before workers start.
func (r *Redis) RecoverInFlight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := r.rdb.LMove(ctx, r.processing, r.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight jobs: %w", err)
		}
		moved++
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
