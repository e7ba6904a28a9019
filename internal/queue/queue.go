// Package queue carries ingestion and reconciliation jobs between producers
// and the worker pool. Delivery is at least once: a job stays owned by the
// queue until it is acked, and a nacked job is redelivered until it runs out
// of attempts, after which it moves to the dead-letter list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sandwichfarm/castfeed/internal/config"
	"github.com/sandwichfarm/castfeed/internal/hub"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrEmpty is returned by Dequeue when no job arrived within the poll timeout
var ErrEmpty = errors.New("queue: empty")

// JobKind selects the handler for a job
type JobKind string

const (
	JobMessage   JobKind = "message"
	JobReconcile JobKind = "reconcile"
)

// Job is one unit of work
type Job struct {
	ID         string       `json:"id"`
	Kind       JobKind      `json:"kind"`
	Message    *hub.Message `json:"message,omitempty"`
	Fid        uint64       `json:"fid,omitempty"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"lastError,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`

	// raw is the payload the job was delivered as
	raw []byte
}

// NewMessageJob wraps one inbound hub message
func NewMessageJob(msg *hub.Message) *Job {
	return &Job{ID: uuid.NewString(), Kind: JobMessage, Message: msg, EnqueuedAt: time.Now().UTC()}
}

// NewReconcileJob asks for one account to be reconciled
func NewReconcileJob(fid uint64) *Job {
	return &Job{ID: uuid.NewString(), Kind: JobReconcile, Fid: fid, EnqueuedAt: time.Now().UTC()}
}

func (j *Job) validate() error {
	switch j.Kind {
	case JobMessage:
		if j.Message == nil {
			return fmt.Errorf("message job %s has no message", j.ID)
		}
	case JobReconcile:
		if j.Fid == 0 {
			return fmt.Errorf("reconcile job %s has no fid", j.ID)
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

func encode(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &j, nil
}

// Queue is a work queue with explicit acknowledgement
type Queue interface {
	// Enqueue adds a job. Jobs without an id are given one.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job is available, the poll timeout passes
	// (ErrEmpty) or ctx ends.
	Dequeue(ctx context.Context) (*Job, error)
	// Ack removes a finished job for good
	Ack(ctx context.Context, job *Job) error
	// Nack records a failed attempt. The job is redelivered, or moved to
	// the dead-letter list once it reaches the attempt limit. It reports
	// whether the job was dead-lettered.
	Nack(ctx context.Context, job *Job, cause error) (bool, error)
	// DeadLetters returns up to limit dead-lettered jobs, oldest first
	DeadLetters(ctx context.Context, limit int) ([]*Job, error)
	// Len reports the number of jobs waiting for delivery
	Len(ctx context.Context) (int64, error)
	// DeadLen reports the number of dead-lettered jobs
	DeadLen(ctx context.Context) (int64, error)
	Close() error
}

// New opens the configured queue
func New(ctx context.Context, cfg *config.Queue) (Queue, error) {
	switch cfg.Engine {
	case "", "memory":
		return NewMemory(cfg.Capacity, cfg.MaxAttempts, cfg.PollTimeout()), nil
	case "redis":
		return NewRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue engine: %s", cfg.Engine)
	}
}

// Sink enqueues reconcile jobs on a queue
type Sink struct {
	Queue Queue
}

// EnqueueReconcile adds a reconcile job for fid
func (s Sink) EnqueueReconcile(ctx context.Context, fid uint64) error {
	return s.Queue.Enqueue(ctx, NewReconcileJob(fid))
}

// Publish adds a message job for every message
func Publish(ctx context.Context, q Queue, msgs ...*hub.Message) error {
	for _, msg := range msgs {
		if err := q.Enqueue(ctx, NewMessageJob(msg)); err != nil {
			return err
		}
	}
	return nil
}

func prepare(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return job.validate()
}

func recordFailure(job *Job, cause error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
}
