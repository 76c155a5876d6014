package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// Store persists checkpoints.
type Store interface {
	Create(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Update(ctx context.Context, cp *Checkpoint) error

	// PendingForTask returns the task's single pending checkpoint, or nil.
	PendingForTask(ctx context.Context, taskID string) (*Checkpoint, error)

	// ListPending returns all pending checkpoints, oldest first.
	ListPending(ctx context.Context) ([]*Checkpoint, error)

	// ExpiredBefore returns pending checkpoints whose deadline passed.
	ExpiredBefore(ctx context.Context, cutoff time.Time) ([]*Checkpoint, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Create stores a new checkpoint.
func (s *MemoryStore) Create(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[cp.ID]; exists {
		return errs.Conflictf("checkpoint %s already exists", cp.ID)
	}
	s.checkpoints[cp.ID] = cp.clone()
	return nil
}

// Get returns a copy of the checkpoint.
func (s *MemoryStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, errs.Validationf("checkpoint %s not found", id)
	}
	return cp.clone(), nil
}

// Update replaces the stored checkpoint.
func (s *MemoryStore) Update(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkpoints[cp.ID]; !ok {
		return errs.Validationf("checkpoint %s not found", cp.ID)
	}
	s.checkpoints[cp.ID] = cp.clone()
	return nil
}

// PendingForTask returns the pending checkpoint for a task, or nil.
func (s *MemoryStore) PendingForTask(_ context.Context, taskID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.checkpoints {
		if cp.TaskID == taskID && cp.Status == StatusPending {
			return cp.clone(), nil
		}
	}
	return nil, nil
}

// ListPending returns all pending checkpoints, oldest first.
func (s *MemoryStore) ListPending(_ context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Status == StatusPending {
			out = append(out, cp.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExpiredBefore returns pending checkpoints whose deadline is before cutoff.
func (s *MemoryStore) ExpiredBefore(_ context.Context, cutoff time.Time) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Status == StatusPending && cp.ExpiresAt != nil && cp.ExpiresAt.Before(cutoff) {
			out = append(out, cp.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (cp *Checkpoint) clone() *Checkpoint {
	c := *cp
	if cp.Payload != nil {
		c.Payload = make(map[string]any, len(cp.Payload))
		for k, v := range cp.Payload {
			c.Payload[k] = v
		}
	}
	if cp.ExpiresAt != nil {
		at := *cp.ExpiresAt
		c.ExpiresAt = &at
	}
	if cp.ResolvedAt != nil {
		at := *cp.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}
