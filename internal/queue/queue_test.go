package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/streaming"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zap.NewNop(), streaming.NewBus(64))
	t.Cleanup(m.Close)
	return m
}

// unlimited returns a config whose token bucket never throttles tests.
func unlimited(name string, concurrency int) Config {
	return Config{Name: name, Concurrency: concurrency, RatePerMinute: 600000, Burst: 1000}
}

func TestEnqueueAwaitSuccess(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(unlimited("search", 2), func(ctx context.Context, job *Job) (any, error) {
		return "payload:" + job.Type, nil
	}))

	job, err := m.Enqueue(context.Background(), "search", "search", "run-1", nil, PriorityNormal)
	require.NoError(t, err)

	res, err := job.Await(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "payload:search", res.Payload)
	assert.Equal(t, StatusCompleted, job.Status())
	assert.Equal(t, 100, job.Progress())
}

func TestJobFailureIsAResultNotAnAwaitError(t *testing.T) {
	m := testManager(t)
	boom := errors.New("upstream 503")
	require.NoError(t, m.Register(unlimited("search", 1), func(ctx context.Context, job *Job) (any, error) {
		return nil, boom
	}))

	job, err := m.Enqueue(context.Background(), "search", "search", "run-1", nil, PriorityNormal)
	require.NoError(t, err)

	res, err := job.Await(context.Background())
	require.NoError(t, err, "Await only errors on context cancellation")
	require.ErrorIs(t, res.Err, boom)
	assert.Equal(t, StatusFailed, job.Status())
}

// High-priority jobs start before normal-priority jobs when the queue is
// saturated, regardless of enqueue order.
func TestPriorityOrderingUnderSaturation(t *testing.T) {
	m := testManager(t)

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	started := make(chan string, 8)

	require.NoError(t, m.Register(unlimited("search", 1), func(ctx context.Context, job *Job) (any, error) {
		if job.Type == "blocker" {
			<-release
			return nil, nil
		}
		mu.Lock()
		order = append(order, job.Type)
		mu.Unlock()
		started <- job.Type
		return nil, nil
	}))

	blocker, err := m.Enqueue(context.Background(), "search", "blocker", "run-1", nil, PriorityNormal)
	require.NoError(t, err)

	// While the single slot is occupied, enqueue normal first, then high.
	normal, err := m.Enqueue(context.Background(), "search", "normal", "run-1", nil, PriorityNormal)
	require.NoError(t, err)
	high, err := m.Enqueue(context.Background(), "search", "high", "run-1", nil, PriorityHigh)
	require.NoError(t, err)

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, j := range []*Job{blocker, normal, high} {
		_, err := j.Await(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "normal"}, order, "high priority must start first")
}

func TestFIFOWithinEqualPriority(t *testing.T) {
	m := testManager(t)

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	require.NoError(t, m.Register(unlimited("analysis", 1), func(ctx context.Context, job *Job) (any, error) {
		if job.Type == "blocker" {
			<-release
			return nil, nil
		}
		mu.Lock()
		order = append(order, job.Type)
		mu.Unlock()
		return nil, nil
	}))

	_, err := m.Enqueue(context.Background(), "analysis", "blocker", "run-1", nil, PriorityNormal)
	require.NoError(t, err)

	var jobs []*Job
	for _, name := range []string{"first", "second", "third"} {
		j, err := m.Enqueue(context.Background(), "analysis", name, "run-1", nil, PriorityNormal)
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, j := range jobs {
		_, err := j.Await(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestConcurrencyCeiling(t *testing.T) {
	m := testManager(t)

	const ceiling = 3
	var inFlight, peak int64
	release := make(chan struct{})

	require.NoError(t, m.Register(unlimited("quality", ceiling), func(ctx context.Context, job *Job) (any, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		return nil, nil
	}))

	var jobs []*Job
	for i := 0; i < 10; i++ {
		j, err := m.Enqueue(context.Background(), "quality", "score", "run-1", nil, PriorityNormal)
		require.NoError(t, err)
		jobs = append(jobs, j)
	}

	// Give the dispatcher time to start as many as it will.
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&inFlight), int64(ceiling))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, j := range jobs {
		_, err := j.Await(ctx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(ceiling))
}

func TestTokenBucketThrottlesStarts(t *testing.T) {
	m := testManager(t)

	var started int64
	// 60 per minute = 1/s, burst 1: the second job must wait ~1s.
	require.NoError(t, m.Register(Config{Name: "technical", Concurrency: 5, RatePerMinute: 60, Burst: 1},
		func(ctx context.Context, job *Job) (any, error) {
			atomic.AddInt64(&started, 1)
			return nil, nil
		}))

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(context.Background(), "technical", "probe", "run-1", nil, PriorityNormal)
		require.NoError(t, err)
	}

	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&started), int64(1), "token bucket must gate job starts")
}

func TestPanicBecomesFailedResult(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.Register(unlimited("search", 1), func(ctx context.Context, job *Job) (any, error) {
		panic("worker bug")
	}))

	job, err := m.Enqueue(context.Background(), "search", "search", "run-1", nil, PriorityNormal)
	require.NoError(t, err)

	res, err := job.Await(context.Background())
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "panic")
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m := testManager(t)
	_, err := m.Enqueue(context.Background(), "nope", "x", "run-1", nil, PriorityNormal)
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestCloseFailsPendingJobs(t *testing.T) {
	m := NewManager(zap.NewNop(), streaming.NewBus(16))

	release := make(chan struct{})
	require.NoError(t, m.Register(unlimited("search", 1), func(ctx context.Context, job *Job) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}))

	_, err := m.Enqueue(context.Background(), "search", "blocker", "run-1", nil, PriorityNormal)
	require.NoError(t, err)
	pending, err := m.Enqueue(context.Background(), "search", "waiting", "run-1", nil, PriorityNormal)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Close()
	}()

	res, err := pending.Await(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrClosed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not drain")
	}

	_, err = m.Enqueue(context.Background(), "search", "late", "run-1", nil, PriorityNormal)
	require.Error(t, err)
}

func TestUpdateLimitsRaisesConcurrency(t *testing.T) {
	m := testManager(t)

	release := make(chan struct{})
	var inFlight int64
	require.NoError(t, m.Register(unlimited("analysis", 1), func(ctx context.Context, job *Job) (any, error) {
		atomic.AddInt64(&inFlight, 1)
		<-release
		return nil, nil
	}))

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(context.Background(), "analysis", "extract", "run-1", nil, PriorityNormal)
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&inFlight))

	require.NoError(t, m.UpdateLimits("analysis", Config{Concurrency: 3}))
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&inFlight) < 3 {
		select {
		case <-deadline:
			t.Fatal("raised concurrency ceiling was not applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(release)
}

func TestDepthAndInFlight(t *testing.T) {
	m := testManager(t)

	release := make(chan struct{})
	require.NoError(t, m.Register(unlimited("search", 1), func(ctx context.Context, job *Job) (any, error) {
		<-release
		return nil, nil
	}))

	for i := 0; i < 4; i++ {
		_, err := m.Enqueue(context.Background(), "search", "search", "run-1", nil, PriorityNormal)
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, m.InFlight("search"))
	assert.Equal(t, 3, m.Depth("search"))
	close(release)
}
