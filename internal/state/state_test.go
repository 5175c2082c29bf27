package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/models"
)

func sampleState(runID string) *models.ResearchState {
	return &models.ResearchState{
		RunID: runID,
		Phase: models.PhaseGatheringEvidence,
		Thesis: &models.Thesis{
			Company: "Acme",
			Pillars: []models.Pillar{{ID: "market", Name: "Market", Weight: 1}},
		},
		Evidence: []models.Evidence{{
			ID:       "ev-1",
			PillarID: "market",
			Source:   models.Source{Type: models.SourceWeb, URL: "https://x.example"},
		}},
		IterationCount: 1,
		MaxIterations:  3,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		UpdatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	st := sampleState("run-1")
	require.NoError(t, s.Save(ctx, st))

	// Mutations after save must not leak into the store.
	st.Phase = models.PhaseFailed

	loaded, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseGatheringEvidence, loaded.Phase)
	assert.Equal(t, "Acme", loaded.Thesis.Company)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)

	require.NoError(t, s.Delete(ctx, "run-1"))
	_, err = s.Load(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsEmptyRunID(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Save(context.Background(), &models.ResearchState{}))
	assert.Error(t, s.Save(context.Background(), nil))
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleState("run-1")))
	require.NoError(t, store.Save(ctx, sampleState("run-2")))

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Len(t, loaded.Evidence, 1)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, ids)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreLoadMissing(t *testing.T) {
	store, _ := newRedisStore(t)
	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreServesCacheAfterSave(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleState("run-1")))

	// Wipe the backend; the local cache still serves the last save.
	mr.FlushAll()

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, store.Save(context.Background(), sampleState("run-1")))
	assert.Greater(t, mr.TTL("run:run-1"), time.Duration(0))
}

func TestRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}
