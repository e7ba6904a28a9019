// Package ingest applies hub messages to the relational store, the document
// store, the cache and the feeds, and runs the worker pool that drains the
// job queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sandwichfarm/castfeed/internal/ops"
	"github.com/sandwichfarm/castfeed/internal/queue"
	"github.com/sandwichfarm/castfeed/internal/reconcile"
)

// AccountReconciler runs reconcile jobs
type AccountReconciler interface {
	ReconcileAccount(ctx context.Context, fid uint64) (*reconcile.Report, error)
}

// Engine runs a pool of workers pulling jobs from a queue
type Engine struct {
	queue      queue.Queue
	processor  *Processor
	reconciler AccountReconciler
	workers    int
	logger     *ops.Logger
	metrics    *ops.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a pool of workers. reconciler may be nil when reconcile
// jobs are handled elsewhere; such jobs are then dead-lettered.
func NewEngine(q queue.Queue, p *Processor, reconciler AccountReconciler, workers int, logger *ops.Logger, metrics *ops.Metrics) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Engine{
		queue:      q,
		processor:  p,
		reconciler: reconciler,
		workers:    workers,
		logger:     logger.WithComponent("ingest"),
		metrics:    metrics,
	}
}

// Start launches the workers. They run until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.logger.Info("starting ingest workers", "workers", e.workers)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i+1)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	processed := 0
	for {
		job, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Debug("worker stopped", "worker", id, "processed", processed)
				return
			}
			if !errors.Is(err, queue.ErrEmpty) {
				e.logger.Warn("dequeue failed", "worker", id, "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		// a job that has started runs to completion
		e.Handle(context.WithoutCancel(ctx), job)
		processed++
	}
}

// Handle runs one job and settles it with the queue
func (e *Engine) Handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	err := e.run(ctx, job)
	e.metrics.ObserveJob(string(job.Kind), start)
	e.logger.LogQueueJob(job.ID, string(job.Kind), job.Attempts+1, err)

	if err == nil || onlyMismatches(err) {
		// mismatches are reported, not retried
		if ackErr := e.queue.Ack(ctx, job); ackErr != nil {
			e.logger.Error("failed to ack job", "job", job.ID, "error", ackErr)
		}
		return
	}

	dead, nackErr := e.queue.Nack(ctx, job, err)
	if nackErr != nil {
		e.logger.Error("failed to nack job", "job", job.ID, "error", nackErr)
		return
	}
	if dead {
		e.metrics.IncDeadLettered()
		e.logger.Error("job dead-lettered", "job", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", err)
	}
}

func (e *Engine) run(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.JobMessage:
		_, err := e.processor.Process(ctx, job.Message)
		return err
	case queue.JobReconcile:
		if e.reconciler == nil {
			return errors.New("no reconciler configured")
		}
		_, err := e.reconciler.ReconcileAccount(ctx, job.Fid)
		return err
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// onlyMismatches reports whether every error joined into err is a
// reconciliation mismatch
func onlyMismatches(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for _, e := range errs {
			if !onlyMismatches(e) {
				return false
			}
		}
		return len(errs) > 0
	}
	var mismatch *reconcile.MismatchError
	return errors.As(err, &mismatch)
}
