package calibration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists calibration history. Save only ever appends.
type Store interface {
	Save(ctx context.Context, m *Model) error
	Latest(ctx context.Context, sensorID string) (*Model, error)
	History(ctx context.Context, sensorID string) ([]*Model, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string][]*Model
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{models: make(map[string][]*Model)}
}

// Save appends a copy of m.
func (s *MemoryStore) Save(_ context.Context, m *Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.models[m.SensorID] = append(s.models[m.SensorID], &cp)
	return nil
}

// Latest returns the highest version.
func (s *MemoryStore) Latest(_ context.Context, sensorID string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.models[sensorID]
	if len(hist) == 0 {
		return nil, ErrNoModel
	}
	cp := *hist[len(hist)-1]
	return &cp, nil
}

// History returns all versions, oldest first.
func (s *MemoryStore) History(_ context.Context, sensorID string) ([]*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Model, 0, len(s.models[sensorID]))
	for _, m := range s.models[sensorID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Sensors lists the sensor ids with at least one model.
func (s *MemoryStore) Sensors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.models))
	for id := range s.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rollback re-activates an older version by appending a copy of it as the
// newest version. The copy keeps the original FittedAt so age checks still
// apply.
func Rollback(ctx context.Context, store Store, sensorID string, version int) (*Model, error) {
	hist, err := store.History(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if len(hist) == 0 {
		return nil, ErrNoModel
	}

	var target *Model
	for _, m := range hist {
		if m.Version == version {
			target = m
		}
	}
	if target == nil {
		return nil, fmt.Errorf("sensor %s has no version %d: %w", sensorID, version, ErrNoModel)
	}

	latest := hist[len(hist)-1]
	next := *target
	next.ID = uuid.NewString()
	next.Version = latest.Version + 1
	next.SupersedesID = latest.ID
	next.RolledBackFrom = target.ID
	if err := store.Save(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}
