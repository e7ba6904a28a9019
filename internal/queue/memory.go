package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process queue backed by a buffered channel. Jobs are lost
// when the process exits.
type Memory struct {
	ch          chan *Job
	maxAttempts int
	pollTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]*Job
	dead     []*Job
	closed   bool
}

// NewMemory creates a queue holding up to capacity waiting jobs
func NewMemory(capacity, maxAttempts int, pollTimeout time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Memory{
		ch:          make(chan *Job, capacity),
		maxAttempts: maxAttempts,
		pollTimeout: pollTimeout,
		inFlight:    make(map[string]*Job),
	}
}

// Enqueue blocks while the queue is full, until ctx ends
func (m *Memory) Enqueue(ctx context.Context, job *Job) error {
	if err := prepare(job); err != nil {
		return err
	}
	cp := *job
	select {
	case m.ch <- &cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context) (*Job, error) {
	timer := time.NewTimer(m.pollTimeout)
	defer timer.Stop()

	select {
	case job := <-m.ch:
		m.mu.Lock()
		m.inFlight[job.ID] = job
		m.mu.Unlock()
		cp := *job
		return &cp, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Ack(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, job.ID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	m.mu.Lock()
	delete(m.inFlight, job.ID)
	recordFailure(job, cause)
	cp := *job
	if job.Attempts >= m.maxAttempts {
		m.dead = append(m.dead, &cp)
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	select {
	case m.ch <- &cp:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Memory) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Job, n)
	for i := range out {
		cp := *m.dead[i]
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) Len(ctx context.Context) (int64, error) {
	return int64(len(m.ch)), nil
}

func (m *Memory) DeadLen(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dead)), nil
}

// InFlight reports the number of delivered jobs not yet acked or nacked
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

func (m *Memory) Close() error {
	return nil
}
