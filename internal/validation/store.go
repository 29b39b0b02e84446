package validation

import (
	"context"
	"errors"
	"sync"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// ErrNoResult is returned when no run matches a query.
var ErrNoResult = errors.New("no validation result")

// Store keeps the append-only validation history.
type Store interface {
	Save(ctx context.Context, r *Result) error
	// Latest returns the newest run for method whose region equals bbox,
	// or failing that the newest overlapping one.
	Latest(ctx context.Context, bbox interpolation.BBox, method interpolation.Method) (*Result, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	results []*Result
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save appends r.
func (s *MemoryStore) Save(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results = append(s.results, &cp)
	return nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, bbox interpolation.BBox, method interpolation.Method) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := Pick(s.results, bbox, method); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, ErrNoResult
}

// Pick chooses from results (any order) the newest exact-region match for
// method, else the newest overlapping one.
func Pick(results []*Result, bbox interpolation.BBox, method interpolation.Method) *Result {
	var exact, overlap *Result
	for _, r := range results {
		if r.Method != method {
			continue
		}
		if r.Region == bbox && (exact == nil || r.CreatedAt.After(exact.CreatedAt)) {
			exact = r
		}
		if r.Region.Overlaps(bbox) && (overlap == nil || r.CreatedAt.After(overlap.CreatedAt)) {
			overlap = r
		}
	}
	if exact != nil {
		return exact
	}
	return overlap
}
