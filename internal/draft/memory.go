package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by --local mode,
// where the web server runs without AWS credentials. It enforces the same
// revision compare-and-swap semantics as the DynamoDB store.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string]*Draft
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[string]*Draft)}
}

// clone deep-copies a draft so callers never alias stored state.
func clone(d *Draft) (*Draft, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone draft %s: %w", d.ID, err)
	}
	var out Draft
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone draft %s: %w", d.ID, err)
	}
	return &out, nil
}

func (s *MemoryStore) Load(ctx context.Context, draftID string) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.drafts[draftID]
	if !ok {
		return nil, nil
	}
	return clone(stored)
}

func (s *MemoryStore) Save(ctx context.Context, d *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.drafts[d.ID]; ok && stored.Revision != d.Revision {
		return fmt.Errorf("save draft %s at revision %d (stored %d): %w",
			d.ID, d.Revision, stored.Revision, ErrConflict)
	}

	d.Revision++
	copied, err := clone(d)
	if err != nil {
		return err
	}
	s.drafts[d.ID] = copied
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftID)
	return nil
}
