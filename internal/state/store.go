// Package state persists ResearchState between controller steps. The
// controller is the only writer; everything else reads through Load.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/scanforge/orchestrator/internal/models"
)

// ErrNotFound is returned when no state exists for a run ID.
var ErrNotFound = errors.New("run state not found")

// Store is the persisted state interface.
type Store interface {
	Save(ctx context.Context, st *models.ResearchState) error
	Load(ctx context.Context, runID string) (*models.ResearchState, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryStore keeps run state in process memory. Used in tests and as the
// fallback when Redis is not configured.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]byte)}
}

// Save stores a deep copy of st. Callers may keep mutating their value.
func (s *MemoryStore) Save(ctx context.Context, st *models.ResearchState) error {
	if st == nil || st.RunID == "" {
		return fmt.Errorf("state: save requires a run id")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: marshal run %s: %w", st.RunID, err)
	}
	s.mu.Lock()
	s.runs[st.RunID] = data
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored state, or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, runID string) (*models.ResearchState, error) {
	s.mu.RLock()
	data, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var st models.ResearchState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: unmarshal run %s: %w", runID, err)
	}
	return &st, nil
}

// List returns the stored run IDs in unspecified order.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes a run's state. Deleting a missing run is not an error.
func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}
