package queue

import (
	"context"
	"sync"
	"time"
)

// Priority orders eligible jobs within one queue. Higher starts first; ties
// are broken by enqueue order.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the discriminated outcome of a settled job: a success payload or
// a classified error. Workers never panic across the queue boundary; every
// job resolves to exactly one Result.
type Result struct {
	Payload any
	Err     error
}

// Job is one unit of work. The payload is immutable after enqueue; status,
// progress, and result are owned by the queue that runs the job.
type Job struct {
	ID       string
	Queue    string
	Type     string
	RunID    string
	Payload  any
	Priority Priority
	ParentID string

	seq        uint64
	enqueuedAt time.Time

	q *Queue

	mu       sync.Mutex
	status   Status
	progress int
	result   Result
	done     chan struct{}
}

// Await blocks until the job settles or ctx is done. The returned error is
// only a context error; job failures are reported inside the Result.
func (j *Job) Await(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, nil
	}
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the job's progress in percent (0-100).
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// SetProgress updates progress and publishes a progress event. Settled jobs
// ignore further updates.
func (j *Job) SetProgress(pct int) {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	j.mu.Lock()
	if j.status == StatusCompleted || j.status == StatusFailed {
		j.mu.Unlock()
		return
	}
	j.progress = pct
	j.mu.Unlock()

	if j.q != nil {
		j.q.publishProgress(j, pct)
	}
}

// markRunning flips pending -> running; returns false if already settled.
func (j *Job) markRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending {
		return false
	}
	j.status = StatusRunning
	return true
}

// settle records the final result exactly once.
func (j *Job) settle(payload any, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusCompleted || j.status == StatusFailed {
		return false
	}
	j.result = Result{Payload: payload, Err: err}
	if err != nil {
		j.status = StatusFailed
	} else {
		j.status = StatusCompleted
		j.progress = 100
	}
	close(j.done)
	return true
}
