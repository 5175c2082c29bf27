// Package health runs periodic dependency checks and serves their results
// over HTTP. Critical checkers gate readiness; non-critical ones only
// degrade the reported status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the health of one component or the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Checker probes a single dependency.
type Checker interface {
	// Name identifies the checker in reports.
	Name() string
	// Check returns nil when the dependency is usable.
	Check(ctx context.Context) error
	// Critical marks checkers whose failure makes the service unready.
	Critical() bool
}

// CheckResult is the last observed state of one checker.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Manager owns the registered checkers and a background loop that refreshes
// their results.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	checkers []Checker
	results  map[string]CheckResult

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a manager; Start must be called to begin checking.
func NewManager(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		results:  make(map[string]CheckResult),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Safe to call before Start only.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Start runs one immediate round of checks, then refreshes on the interval
// until Stop is called.
func (m *Manager) Start() {
	m.runChecks()
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks()
			}
		}
	}()
}

// Stop halts the background loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) runChecks() {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		start := time.Now()
		err := c.Check(ctx)
		cancel()

		result := CheckResult{
			Name:      c.Name(),
			Status:    StatusHealthy,
			Latency:   time.Since(start) / time.Millisecond,
			CheckedAt: time.Now().UTC(),
		}
		if err != nil {
			result.Error = err.Error()
			if c.Critical() {
				result.Status = StatusUnhealthy
			} else {
				result.Status = StatusDegraded
			}
			m.logger.Warn("Health check failed",
				zap.String("checker", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err),
			)
		}

		m.mu.Lock()
		m.results[c.Name()] = result
		m.mu.Unlock()
	}
}

// Overall folds the per-checker results into one service status. A failing
// critical checker makes the service unhealthy; any other failure degrades.
func (m *Manager) Overall() (Status, map[string]CheckResult) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := StatusHealthy
	out := make(map[string]CheckResult, len(m.results))
	for name, r := range m.results {
		out[name] = r
		switch r.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall, out
}

// Handler serves the full health report. Unhealthy reports get a 503 so
// load balancers can act on the status code alone.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		overall, results := m.Overall()
		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status": overall,
			"checks": results,
		})
	})
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	CheckName  string
	IsCritical bool
	Fn         func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Critical() bool { return c.IsCritical }

func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Pinger is anything with a context Ping, such as the Redis run-state store
// or the archive database client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a Pinger as a health checker.
func PingChecker(name string, p Pinger, critical bool) Checker {
	return CheckFunc{
		CheckName:  name,
		IsCritical: critical,
		Fn:         p.Ping,
	}
}

// DepthFunc reports a queue's backlog.
type DepthFunc func(queueName string) int

// QueueDepthChecker degrades when a queue's backlog exceeds maxDepth.
// Backlog is a capacity signal, not an outage, so it is never critical.
func QueueDepthChecker(queueName string, depth DepthFunc, maxDepth int) Checker {
	return CheckFunc{
		CheckName: "queue:" + queueName,
		Fn: func(context.Context) error {
			if d := depth(queueName); d > maxDepth {
				return fmt.Errorf("backlog %d exceeds threshold %d", d, maxDepth)
			}
			return nil
		},
	}
}
