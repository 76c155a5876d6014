package task

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// Store persists tasks and their execution steps.
//
// Update is optimistic: the caller passes the task at the version it read,
// and the store rejects the write with a ConflictError if the stored
// version moved underneath it.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	List(ctx context.Context, states ...State) ([]*Task, error)

	PutStep(ctx context.Context, step *ExecutionStep) error
	Steps(ctx context.Context, taskID string, stage int) ([]*ExecutionStep, error)
	AllSteps(ctx context.Context, taskID string) ([]*ExecutionStep, error)
}

// MemoryStore is the in-process Store used by the single-binary daemon
// and the test suite.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	steps map[string][]*ExecutionStep
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		steps: make(map[string][]*ExecutionStep),
	}
}

// Create stores a new task.
func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return errs.Conflictf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t.clone()
	return nil
}

// Get returns a copy of the task.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, errs.Validationf("task %s not found", id)
	}
	return t.clone(), nil
}

// Update writes the task back if its version still matches, then bumps it.
func (s *MemoryStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[t.ID]
	if !ok {
		return errs.Validationf("task %s not found", t.ID)
	}
	if current.Version != t.Version {
		return errs.Conflictf("task %s version %d is stale, store has %d", t.ID, t.Version, current.Version)
	}

	updated := t.clone()
	updated.Version++
	s.tasks[t.ID] = updated
	t.Version = updated.Version
	return nil
}

// List returns tasks in the given states, or all tasks when none are
// given, ordered by creation time.
func (s *MemoryStore) List(_ context.Context, states ...State) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var out []*Task
	for _, t := range s.tasks {
		if len(want) == 0 || want[t.State] {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutStep inserts or replaces a step record by ID.
func (s *MemoryStore) PutStep(_ context.Context, step *ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.steps[step.TaskID]
	for i, existing := range records {
		if existing.ID == step.ID {
			records[i] = step.clone()
			return nil
		}
	}
	s.steps[step.TaskID] = append(records, step.clone())
	return nil
}

// Steps returns the step records for one stage of a task, in insertion
// order.
func (s *MemoryStore) Steps(_ context.Context, taskID string, stage int) ([]*ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionStep
	for _, step := range s.steps[taskID] {
		if step.Stage == stage {
			out = append(out, step.clone())
		}
	}
	return out, nil
}

// AllSteps returns every step record for a task, in insertion order.
func (s *MemoryStore) AllSteps(_ context.Context, taskID string) ([]*ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExecutionStep, 0, len(s.steps[taskID]))
	for _, step := range s.steps[taskID] {
		out = append(out, step.clone())
	}
	return out, nil
}

func (t *Task) clone() *Task {
	c := *t
	c.Context = cloneMap(t.Context)
	c.Output = cloneMap(t.Output)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (s *ExecutionStep) clone() *ExecutionStep {
	c := *s
	c.Input = cloneMap(s.Input)
	c.Output = cloneMap(s.Output)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// cloneMap is a shallow copy; nested values are shared but treated as
// immutable by the engine.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
