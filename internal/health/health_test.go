package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyPinger struct {
	mu  sync.Mutex
	err error
}

func (p *flakyPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *flakyPinger) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(time.Hour, time.Second, zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func TestOverallHealthy(t *testing.T) {
	m := newTestManager(t)
	m.Register(PingChecker("redis", &flakyPinger{}, true))
	m.Register(PingChecker("database", &flakyPinger{}, false))
	m.Start()

	overall, results := m.Overall()
	assert.Equal(t, StatusHealthy, overall)
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["redis"].Status)
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	m := newTestManager(t)
	m.Register(PingChecker("redis", &flakyPinger{err: errors.New("connection refused")}, true))
	m.Start()

	overall, results := m.Overall()
	assert.Equal(t, StatusUnhealthy, overall)
	assert.Equal(t, "connection refused", results["redis"].Error)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := newTestManager(t)
	m.Register(PingChecker("redis", &flakyPinger{}, true))
	m.Register(PingChecker("database", &flakyPinger{err: errors.New("timeout")}, false))
	m.Start()

	overall, results := m.Overall()
	assert.Equal(t, StatusDegraded, overall)
	assert.Equal(t, StatusHealthy, results["redis"].Status)
	assert.Equal(t, StatusDegraded, results["database"].Status)
}

func TestQueueDepthChecker(t *testing.T) {
	depths := map[string]int{"search": 5, "analysis": 500}
	depth := func(name string) int { return depths[name] }

	ok := QueueDepthChecker("search", depth, 100)
	assert.NoError(t, ok.Check(context.Background()))
	assert.False(t, ok.Critical())

	backed := QueueDepthChecker("analysis", depth, 100)
	err := backed.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backlog 500")
}

func TestHandlerReportsStatusCode(t *testing.T) {
	m := newTestManager(t)
	m.Register(PingChecker("redis", &flakyPinger{err: errors.New("down")}, true))
	m.Start()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status Status                 `json:"status"`
		Checks map[string]CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "down", body.Checks["redis"].Error)
}

func TestHandlerRejectsNonGet(t *testing.T) {
	m := newTestManager(t)
	m.Start()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBackgroundRefreshPicksUpRecovery(t *testing.T) {
	pinger := &flakyPinger{err: errors.New("down")}
	m := NewManager(20*time.Millisecond, time.Second, zap.NewNop())
	defer m.Stop()
	m.Register(PingChecker("redis", pinger, true))
	m.Start()

	overall, _ := m.Overall()
	require.Equal(t, StatusUnhealthy, overall)

	pinger.set(nil)
	require.Eventually(t, func() bool {
		overall, _ := m.Overall()
		return overall == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
}
