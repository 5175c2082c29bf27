package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scanforge/orchestrator/internal/metrics"
	"github.com/scanforge/orchestrator/internal/streaming"
	"github.com/scanforge/orchestrator/internal/tracing"
)

// Handler executes one job and returns a success payload or a classified
// error. Handlers must not mutate shared state; everything flows back
// through the result.
type Handler func(ctx context.Context, job *Job) (any, error)

// Config sets one queue's dispatch limits. The numbers reflect the cost and
// fragility of the external API the queue's workers call; they are
// configuration, not constants.
type Config struct {
	Name          string
	Concurrency   int
	RatePerMinute int
	Burst         int
}

// Queue holds typed jobs for one worker class, enforcing a concurrency
// ceiling, a token-bucket start rate, and priority ordering.
type Queue struct {
	name    string
	handler Handler
	logger  *zap.Logger
	bus     *streaming.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cond        *sync.Cond
	backlog     jobHeap
	nextSeq     uint64
	running     int
	concurrency int
	limiter     *rate.Limiter
	closed      bool

	wg sync.WaitGroup
}

func newQueue(parent context.Context, cfg Config, handler Handler, bus *streaming.Bus, logger *zap.Logger) *Queue {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		name:        cfg.Name,
		handler:     handler,
		logger:      logger.With(zap.String("queue", cfg.Name)),
		bus:         bus,
		ctx:         ctx,
		cancel:      cancel,
		concurrency: cfg.Concurrency,
		limiter:     newLimiter(cfg),
	}
	if q.concurrency <= 0 {
		q.concurrency = 1
	}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(1)
	go q.dispatch()
	return q
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), burst)
}

func (q *Queue) enqueue(job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.name, ErrClosed)
	}
	job.q = q
	job.seq = q.nextSeq
	q.nextSeq++
	job.enqueuedAt = time.Now()
	heap.Push(&q.backlog, job)
	depth := q.backlog.Len()
	q.cond.Signal()
	q.mu.Unlock()

	metrics.JobsEnqueued.WithLabelValues(q.name, job.Type).Inc()
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
	q.bus.Publish(streaming.Event{
		RunID: job.RunID,
		Type:  streaming.TypeJobEnqueued,
		Queue: q.name,
		JobID: job.ID,
	})
	return nil
}

// dispatch is the queue's single scheduling loop. It reserves a concurrency
// slot, waits for a rate token, and only then pops the highest-priority
// job, so a high-priority arrival during the token wait still wins.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for !q.closed && (q.backlog.Len() == 0 || q.running >= q.concurrency) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.running++
		limiter := q.limiter
		q.mu.Unlock()

		waitStart := time.Now()
		if err := limiter.Wait(q.ctx); err != nil {
			// Shutdown while waiting for a token.
			q.mu.Lock()
			q.running--
			q.mu.Unlock()
			return
		}
		if wait := time.Since(waitStart); wait > 0 {
			metrics.RateLimitWait.WithLabelValues(q.name).Observe(wait.Seconds())
		}

		q.mu.Lock()
		if q.closed || q.backlog.Len() == 0 {
			q.running--
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		job := heap.Pop(&q.backlog).(*Job)
		depth := q.backlog.Len()
		q.mu.Unlock()

		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
		q.wg.Add(1)
		go q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.running--
		q.cond.Signal()
		q.mu.Unlock()
	}()

	if !job.markRunning() {
		return
	}
	metrics.QueueInFlight.WithLabelValues(q.name).Inc()
	defer metrics.QueueInFlight.WithLabelValues(q.name).Dec()
	q.bus.Publish(streaming.Event{
		RunID: job.RunID,
		Type:  streaming.TypeJobStarted,
		Queue: q.name,
		JobID: job.ID,
	})

	ctx, span := tracing.StartSpan(q.ctx, "queue."+q.name)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("run.id", job.RunID),
	)
	defer span.End()

	start := time.Now()
	payload, err := q.invoke(ctx, job)
	duration := time.Since(start)

	job.settle(payload, err)
	status := "success"
	eventType := streaming.TypeJobCompleted
	if err != nil {
		status = "failure"
		eventType = streaming.TypeJobFailed
		span.RecordError(err)
		q.logger.Warn("Job failed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.String("run_id", job.RunID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		q.logger.Debug("Job completed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Duration("duration", duration),
		)
	}
	metrics.RecordJobSettled(q.name, job.Type, status, duration.Seconds())
	q.bus.Publish(streaming.Event{
		RunID:   job.RunID,
		Type:    eventType,
		Queue:   q.name,
		JobID:   job.ID,
		Message: errMessage(err),
	})
}

// invoke runs the handler, converting a panic into a failed result so one
// bad job cannot take down the dispatcher.
func (q *Queue) invoke(ctx context.Context, job *Job) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

func (q *Queue) publishProgress(job *Job, pct int) {
	q.bus.Publish(streaming.Event{
		RunID:    job.RunID,
		Type:     streaming.TypeJobProgress,
		Queue:    q.name,
		JobID:    job.ID,
		Progress: pct,
	})
}

// updateLimits applies new concurrency/rate settings. Rate changes apply to
// the shared limiter immediately; a raised concurrency ceiling wakes the
// dispatcher.
func (q *Queue) updateLimits(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cfg.Concurrency > 0 {
		q.concurrency = cfg.Concurrency
	}
	if cfg.RatePerMinute > 0 {
		q.limiter.SetLimit(rate.Limit(float64(cfg.RatePerMinute) / 60.0))
		if cfg.Burst > 0 {
			q.limiter.SetBurst(cfg.Burst)
		}
	} else if cfg.RatePerMinute < 0 {
		q.limiter.SetLimit(rate.Inf)
	}
	q.cond.Broadcast()
}

func (q *Queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Len()
}

func (q *Queue) inFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// close stops the dispatcher, fails all pending jobs, and waits for
// in-flight jobs to settle.
func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var pending []*Job
	for q.backlog.Len() > 0 {
		pending = append(pending, heap.Pop(&q.backlog).(*Job))
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, job := range pending {
		job.settle(nil, fmt.Errorf("queue %s: %w", q.name, ErrClosed))
	}
	q.cancel()
	q.wg.Wait()
	metrics.QueueDepth.WithLabelValues(q.name).Set(0)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
