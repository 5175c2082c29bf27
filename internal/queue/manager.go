// Package queue implements the queue fabric: named queues with per-queue
// concurrency ceilings, token-bucket start rates, and priority ordering.
// A Manager is constructed once at process start and injected into the
// controller and workers; there is no global registration.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/streaming"
)

var (
	// ErrClosed is returned when enqueueing to, or draining, a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownQueue is returned for a queue name that was never registered.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Manager owns the named queues of the fabric.
type Manager struct {
	logger *zap.Logger
	bus    *streaming.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool
}

// NewManager creates an empty queue fabric.
func NewManager(logger *zap.Logger, bus *streaming.Bus) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger: logger,
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*Queue),
	}
}

// Register creates a queue with the given limits and handler. Registering a
// duplicate name is an error.
func (m *Manager) Register(cfg Config, handler Handler) error {
	if cfg.Name == "" {
		return fmt.Errorf("queue name required")
	}
	if handler == nil {
		return fmt.Errorf("queue %s: handler required", cfg.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("queue %s: %w", cfg.Name, ErrClosed)
	}
	if _, exists := m.queues[cfg.Name]; exists {
		return fmt.Errorf("queue %s already registered", cfg.Name)
	}
	m.queues[cfg.Name] = newQueue(m.ctx, cfg, handler, m.bus, m.logger)
	m.logger.Info("Queue registered",
		zap.String("queue", cfg.Name),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("rate_per_minute", cfg.RatePerMinute),
	)
	return nil
}

// EnqueueOption tweaks a job at enqueue time.
type EnqueueOption func(*Job)

// WithParent links the job to a parent job in a fan-out tree.
func WithParent(parentID string) EnqueueOption {
	return func(j *Job) { j.ParentID = parentID }
}

// Enqueue submits a payload to the named queue and returns the job handle.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobType, runID string, payload any, priority Priority, opts ...EnqueueOption) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	q, ok := m.queues[queueName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	job := &Job{
		ID:       uuid.New().String(),
		Queue:    queueName,
		Type:     jobType,
		RunID:    runID,
		Payload:  payload,
		Priority: priority,
		status:   StatusPending,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(job)
	}
	if err := q.enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateLimits applies new dispatch limits to a queue at runtime.
func (m *Manager) UpdateLimits(queueName string, cfg Config) error {
	m.mu.RLock()
	q, ok := m.queues[queueName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.updateLimits(cfg)
	m.logger.Info("Queue limits updated",
		zap.String("queue", queueName),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("rate_per_minute", cfg.RatePerMinute),
	)
	return nil
}

// Depth returns the number of jobs waiting in the named queue.
func (m *Manager) Depth(queueName string) int {
	m.mu.RLock()
	q, ok := m.queues[queueName]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// InFlight returns the number of jobs executing in the named queue.
func (m *Manager) InFlight(queueName string) int {
	m.mu.RLock()
	q, ok := m.queues[queueName]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.inFlight()
}

// Close drains every queue: pending jobs fail with ErrClosed, in-flight
// jobs run to completion under a canceled context.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	m.cancel()
	m.logger.Info("Queue fabric closed")
}
