// Package task holds the task model: lifecycle states, the transition
// table, and the execution-step records that make stage progress durable.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// State is a task lifecycle state.
type State string

const (
	StateSubmitted         State = "SUBMITTED"
	StateQueued            State = "QUEUED"
	StatePlanning          State = "PLANNING"
	StateInProgress        State = "IN_PROGRESS"
	StateCheckpointPending State = "CHECKPOINT_PENDING"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateRejected          State = "REJECTED"
)

// transitions is the full set of legal state changes. Anything not listed
// returns InvalidStateError.
var transitions = map[State][]State{
	StateSubmitted:         {StateQueued, StateFailed},
	StateQueued:            {StatePlanning, StateFailed},
	StatePlanning:          {StateInProgress, StateFailed},
	StateInProgress:        {StateCheckpointPending, StateCompleted, StateFailed},
	StateCheckpointPending: {StateInProgress, StateFailed, StateRejected},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateQueued, StatePlanning, StateInProgress,
		StateCheckpointPending, StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is legal.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders tasks in the worker queue.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// StepStatus is the lifecycle of one execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Task is one orchestrated unit of work moving through the state machine.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	State       State    `json:"state"`
	Priority    Priority `json:"priority"`

	// Pipeline names the stage definition the executor runs for this task.
	Pipeline string `json:"pipeline"`

	// Stage is the index of the next stage to execute.
	Stage int `json:"stage"`

	// Context carries submitter metadata plus outputs accumulated by
	// completed steps, addressable from step-input templates.
	Context map[string]any `json:"context,omitempty"`

	// Output is the final result once the task completes.
	Output map[string]any `json:"output,omitempty"`

	// FailureReason is set when the task ends FAILED or REJECTED.
	FailureReason string `json:"failure_reason,omitempty"`

	// PendingCheckpointID is the open checkpoint while CHECKPOINT_PENDING.
	PendingCheckpointID string `json:"pending_checkpoint_id,omitempty"`

	// RerunStage forces re-execution of the current stage's steps, set
	// when a reviewer requests changes.
	RerunStage bool `json:"rerun_stage,omitempty"`

	// Version guards optimistic-concurrency updates in the store.
	Version int `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a SUBMITTED task.
func New(description, pipeline string, priority Priority, taskContext map[string]any) (*Task, error) {
	if description == "" {
		return nil, errs.Validationf("task description is required")
	}
	if pipeline == "" {
		return nil, errs.Validationf("task pipeline is required")
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, errs.Validationf("unknown priority %q", priority)
	}
	if taskContext == nil {
		taskContext = make(map[string]any)
	}

	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Description: description,
		State:       StateSubmitted,
		Priority:    priority,
		Pipeline:    pipeline,
		Context:     taskContext,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition moves the task to a new state, enforcing the transition table.
func (t *Task) Transition(to State) error {
	if !to.Valid() {
		return errs.Validationf("unknown task state %q", to)
	}
	if !t.State.CanTransition(to) {
		return &errs.InvalidStateError{Entity: "task", ID: t.ID, State: string(t.State)}
	}

	t.State = to
	t.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		now := t.UpdatedAt
		t.CompletedAt = &now
	}
	return nil
}

// ExecutionStep is the durable record of one step invocation within a
// stage. The executor skips steps already recorded as succeeded when a
// task resumes after a checkpoint or restart.
type ExecutionStep struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	Stage      int            `json:"stage"`
	Name       string         `json:"name"`
	Capability string         `json:"capability"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Status     StepStatus     `json:"status"`

	// Attempt counts invocations including retries, starting at 1.
	Attempt int `json:"attempt"`

	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewExecutionStep creates a running step record for the given attempt.
func NewExecutionStep(taskID string, stage int, name, capability string, input map[string]any) *ExecutionStep {
	return &ExecutionStep{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Stage:      stage,
		Name:       name,
		Capability: capability,
		Input:      input,
		Status:     StepRunning,
		Attempt:    1,
		StartedAt:  time.Now().UTC(),
	}
}

// Succeed marks the step done with its output.
func (s *ExecutionStep) Succeed(output map[string]any) {
	s.Status = StepSucceeded
	s.Output = output
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// Fail marks the step failed with the final error.
func (s *ExecutionStep) Fail(err error) {
	s.Status = StepFailed
	if err != nil {
		s.Error = err.Error()
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
}
