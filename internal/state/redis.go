package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/metrics"
	"github.com/scanforge/orchestrator/internal/models"
)

const runKeyPrefix = "run:"

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a run's state survives after its last save.
	// Zero means no expiry.
	TTL time.Duration
}

// RedisStore persists run state in Redis with a small local read cache.
// Terminal runs are also archived to the relational store by the controller;
// Redis holds the live working copy.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]*models.ResearchState
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger,
		ttl:    cfg.TTL,
		cache:  make(map[string]*models.ResearchState),
	}, nil
}

// Ping verifies the Redis connection is still usable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save writes st to Redis and refreshes the local cache.
func (s *RedisStore) Save(ctx context.Context, st *models.ResearchState) error {
	if st == nil || st.RunID == "" {
		return fmt.Errorf("state: save requires a run id")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: marshal run %s: %w", st.RunID, err)
	}
	if err := s.client.Set(ctx, runKey(st.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("state: save run %s: %w", st.RunID, err)
	}

	cached := cloneState(st)
	s.mu.Lock()
	s.cache[st.RunID] = cached
	s.mu.Unlock()
	return nil
}

// Load returns the state for runID, serving from the local cache when the
// entry is present. The cache holds whatever this process last saved, and
// this process is the single writer, so a hit is never stale.
func (s *RedisStore) Load(ctx context.Context, runID string) (*models.ResearchState, error) {
	s.mu.RLock()
	cached, ok := s.cache[runID]
	s.mu.RUnlock()
	if ok {
		metrics.StateCacheHits.Inc()
		return cloneState(cached), nil
	}
	metrics.StateCacheMisses.Inc()

	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("state: load run %s: %w", runID, err)
	}

	var st models.ResearchState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: unmarshal run %s: %w", runID, err)
	}

	s.mu.Lock()
	s.cache[runID] = cloneState(&st)
	s.mu.Unlock()
	return &st, nil
}

// List scans for run keys and returns the run IDs.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, runKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), runKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}
	return ids, nil
}

// Delete removes a run from Redis and the local cache.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, runKey(runID)).Err(); err != nil {
		return fmt.Errorf("state: delete run %s: %w", runID, err)
	}
	s.mu.Lock()
	delete(s.cache, runID)
	s.mu.Unlock()
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func runKey(runID string) string {
	return runKeyPrefix + runID
}

func cloneState(st *models.ResearchState) *models.ResearchState {
	data, err := json.Marshal(st)
	if err != nil {
		return st
	}
	var out models.ResearchState
	if err := json.Unmarshal(data, &out); err != nil {
		return st
	}
	return &out
}
