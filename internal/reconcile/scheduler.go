package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sandwichfarm/castfeed/internal/ops"
)

// FidSource lists the accounts worth reconciling
type FidSource interface {
	KnownFids(ctx context.Context) ([]uint64, error)
}

// JobSink accepts reconcile jobs
type JobSink interface {
	EnqueueReconcile(ctx context.Context, fid uint64) error
}

// Scheduler enqueues a reconcile job for every known account on a cron
// schedule
type Scheduler struct {
	schedule string
	fids     FidSource
	sink     JobSink
	logger   *ops.Logger
	now      func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewScheduler creates a scheduler for a cron expression
func NewScheduler(schedule string, fids FidSource, sink JobSink, logger *ops.Logger) (*Scheduler, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid reconcile schedule %q", schedule)
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Scheduler{
		schedule: schedule,
		fids:     fids,
		sink:     sink,
		logger:   logger.WithComponent("reconcile_scheduler"),
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start runs the schedule in the background until ctx ends or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("reconcile scheduler started", "schedule", s.schedule)
	go s.run(ctx)
}

// Stop halts the scheduler and waits for the loop to exit
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneChan)

	for {
		wait, err := s.untilNext()
		if err != nil {
			s.logger.Error("failed to compute next reconcile tick", "schedule", s.schedule, "error", err)
			wait = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			s.logger.Info("reconcile scheduler stopping", "reason", ctx.Err())
			return
		case <-s.stopChan:
			s.logger.Info("reconcile scheduler stopping")
			return
		case <-time.After(wait):
		}

		if err == nil {
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("reconcile sweep failed", "enqueued", n, "error", err)
			}
		}
	}
}

func (s *Scheduler) untilNext() (time.Duration, error) {
	now := s.now().UTC()
	next, err := gronx.NextTickAfter(s.schedule, now, false)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}

// Sweep enqueues one reconcile job per known account and returns how many
// were enqueued
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	fids, err := s.fids.KnownFids(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	enqueued := 0
	for _, fid := range fids {
		if err := s.sink.EnqueueReconcile(ctx, fid); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue fid %d: %w", fid, err)
		}
		enqueued++
	}

	s.logger.Info("reconcile sweep enqueued", "accounts", enqueued)
	return enqueued, nil
}
