// Package flow builds parent/child job trees on top of the queue fabric.
// A parent phase fans out N child jobs and suspends at a join barrier until
// every child has settled; there is no early exit on partial success.
package flow

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/queue"
)

// ChildSpec describes one child job of a fan-out.
type ChildSpec struct {
	Queue    string
	Type     string
	Payload  any
	Priority queue.Priority
}

// ChildResult is one settled child, in spec order.
type ChildResult struct {
	Index   int
	JobID   string
	Payload any
	Err     error
}

// Builder fans jobs out through an injected queue manager.
type Builder struct {
	mgr    *queue.Manager
	logger *zap.Logger
}

// NewBuilder creates a flow builder on the given fabric.
func NewBuilder(mgr *queue.Manager, logger *zap.Logger) *Builder {
	return &Builder{mgr: mgr, logger: logger}
}

// FanOut enqueues all specs as children of parent and blocks until every
// child settles (success or failure). Results are returned in spec order.
// A child that cannot even be enqueued settles immediately as a failure;
// onSettle, when non-nil, is called after each settlement with the number
// of settled children so the caller can surface join progress.
func (b *Builder) FanOut(ctx context.Context, runID string, parent *queue.Job, specs []ChildSpec, onSettle func(settled, total int)) []ChildResult {
	results := make([]ChildResult, len(specs))
	if len(specs) == 0 {
		return results
	}

	var opts []queue.EnqueueOption
	if parent != nil {
		opts = append(opts, queue.WithParent(parent.ID))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0

	noteSettled := func() {
		mu.Lock()
		settled++
		n := settled
		mu.Unlock()
		if parent != nil {
			parent.SetProgress(n * 100 / len(specs))
		}
		if onSettle != nil {
			onSettle(n, len(specs))
		}
	}

	for i, spec := range specs {
		job, err := b.mgr.Enqueue(ctx, spec.Queue, spec.Type, runID, spec.Payload, spec.Priority, opts...)
		if err != nil {
			results[i] = ChildResult{Index: i, Err: err}
			noteSettled()
			continue
		}
		results[i] = ChildResult{Index: i, JobID: job.ID}

		wg.Add(1)
		go func(i int, job *queue.Job) {
			defer wg.Done()
			res, err := job.Await(ctx)
			if err != nil {
				// Join context canceled; record it as the child's outcome.
				results[i].Err = err
			} else {
				results[i].Payload = res.Payload
				results[i].Err = res.Err
			}
			noteSettled()
		}(i, job)
	}

	wg.Wait()

	failures := 0
	for i := range results {
		if results[i].Err != nil {
			failures++
		}
	}
	if failures > 0 {
		b.logger.Debug("Fan-out settled with partial failures",
			zap.String("run_id", runID),
			zap.Int("children", len(specs)),
			zap.Int("failed", failures),
		)
	}
	return results
}
