// Package orchestrator owns the task state machine: submission, advancing
// tasks through their pipeline, checkpoint resolution, failure, and
// cancellation. All state transitions happen here; the engine only runs
// steps.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/errs"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/orchestrator"

// escalationType marks checkpoints created for exhausted feedback loops,
// as opposed to pipeline-declared stage gates.
const escalationType = "escalation"

// Event classes published by the machine.
const (
	EventSubmitted         = "task.submitted"
	EventStarted           = "task.started"
	EventCheckpointPending = "task.checkpoint_pending"
	EventCompleted         = "task.completed"
	EventFailed            = "task.failed"
	EventRejected          = "task.rejected"
	EventCancel            = "task.cancel"
)

// EventBus is the slice of the bus the machine needs.
type EventBus interface {
	Publish(ctx context.Context, msg *bus.Message) error
	SubscribeEvents(pattern string, h bus.EventHandler) error
}

// Scheduler enqueues a task for a worker to advance.
type Scheduler func(taskID string, priority task.Priority)

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Description string
	Pipeline    string
	Priority    task.Priority
	Context     map[string]any
}

// Machine drives tasks through their lifecycle.
type Machine struct {
	tasks       task.Store
	library     *engine.Library
	executor    *engine.Executor
	checkpoints checkpoint.Service
	bus         EventBus
	logger      *zap.Logger
	tracer      trace.Tracer

	// locks serializes Advance per task; a second concurrent Advance for
	// the same task is a no-op, not a queued wait.
	locks sync.Map

	mu        sync.RWMutex
	scheduler Scheduler

	transitionCounter metric.Int64Counter
}

// NewMachine creates the task state machine.
func NewMachine(tasks task.Store, library *engine.Library, executor *engine.Executor, checkpoints checkpoint.Service, eventBus EventBus, logger *zap.Logger) (*Machine, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if library == nil {
		return nil, fmt.Errorf("pipeline library is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	transitions, err := meter.Int64Counter("taskd.tasks.transitions",
		metric.WithDescription("Task state transitions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Machine{
		tasks:             tasks,
		library:           library,
		executor:          executor,
		checkpoints:       checkpoints,
		bus:               eventBus,
		logger:            logger,
		tracer:            otel.Tracer(instrumentationName),
		transitionCounter: transitions,
	}, nil
}

// SetScheduler wires the worker pool's enqueue function.
func (m *Machine) SetScheduler(s Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduler = s
}

// Start subscribes the machine to checkpoint expiry events so policy
// outcomes reach tasks whose reviewers never showed up.
func (m *Machine) Start() error {
	if m.bus == nil {
		return nil
	}
	return m.bus.SubscribeEvents(checkpoint.EventExpired, func(ctx context.Context, msg *bus.Message) {
		var evt checkpoint.Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			m.logger.Warn("malformed checkpoint event", zap.Error(err))
			return
		}
		cp, err := m.checkpoints.Get(ctx, evt.CheckpointID)
		if err != nil {
			m.logger.Warn("expired checkpoint not found", zap.String("checkpoint_id", evt.CheckpointID))
			return
		}
		if err := m.applyResolution(ctx, cp, evt.Effective, evt.ReviewerNotes); err != nil {
			m.logger.Error("failed to apply checkpoint expiry",
				zap.String("checkpoint_id", evt.CheckpointID),
				zap.Error(err))
		}
	})
}

// Submit validates and accepts a new task, leaving it QUEUED for a worker.
func (m *Machine) Submit(ctx context.Context, req *SubmitRequest) (*task.Task, error) {
	ctx, span := m.tracer.Start(ctx, "orchestrator.Submit")
	defer span.End()

	if _, err := m.library.Get(req.Pipeline); err != nil {
		return nil, errs.Validationf("unknown pipeline %q", req.Pipeline)
	}

	t, err := task.New(req.Description, req.Pipeline, req.Priority, req.Context)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("task.id", t.ID))

	if err := m.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := m.transition(ctx, t, task.StateQueued); err != nil {
		return nil, err
	}

	m.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("pipeline", t.Pipeline),
		zap.String("priority", string(t.Priority)))

	m.emit(ctx, EventSubmitted, t.ID, map[string]any{
		"task_id":  t.ID,
		"pipeline": t.Pipeline,
		"state":    t.State,
	})
	m.schedule(t)
	return t, nil
}

// Get returns a task.
func (m *Machine) Get(ctx context.Context, id string) (*task.Task, error) {
	return m.tasks.Get(ctx, id)
}

// List returns tasks, optionally filtered by state.
func (m *Machine) List(ctx context.Context, states ...task.State) ([]*task.Task, error) {
	return m.tasks.List(ctx, states...)
}

// PendingCheckpoints returns all checkpoints awaiting resolution.
func (m *Machine) PendingCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	return m.checkpoints.ListPending(ctx)
}

// Steps returns a task's execution history.
func (m *Machine) Steps(ctx context.Context, id string) ([]*task.ExecutionStep, error) {
	if _, err := m.tasks.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.tasks.AllSteps(ctx, id)
}

// Advance drives a task as far as it can go: through planning, stage by
// stage, until it completes, fails, or parks on a checkpoint.
//
// Advance is serialized per task: a call that finds another in progress
// returns immediately without error, so duplicate queue deliveries and
// racing callers cannot double-execute steps.
func (m *Machine) Advance(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	if !lock.TryLock() {
		m.logger.Debug("task already advancing", zap.String("task_id", id))
		return nil
	}
	defer lock.Unlock()

	ctx, span := m.tracer.Start(ctx, "orchestrator.Advance",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		return err
	}

	switch t.State {
	case task.StateCheckpointPending:
		return nil
	case task.StateCompleted, task.StateFailed, task.StateRejected:
		return nil
	case task.StateSubmitted:
		if err := m.transition(ctx, t, task.StateQueued); err != nil {
			return err
		}
	}

	if t.State == task.StateQueued {
		if err := m.plan(ctx, t); err != nil {
			return err
		}
	}

	return m.run(ctx, t)
}

// plan resolves the pipeline and moves the task into execution.
func (m *Machine) plan(ctx context.Context, t *task.Task) error {
	if err := m.transition(ctx, t, task.StatePlanning); err != nil {
		return err
	}

	if _, err := m.library.Get(t.Pipeline); err != nil {
		m.fail(ctx, t, fmt.Sprintf("planning: %v", err))
		return nil
	}

	if err := m.transition(ctx, t, task.StateInProgress); err != nil {
		return err
	}
	m.emit(ctx, EventStarted, t.ID, map[string]any{"task_id": t.ID, "pipeline": t.Pipeline})
	return nil
}

// run executes stages from the task's current position.
func (m *Machine) run(ctx context.Context, t *task.Task) error {
	p, err := m.library.Get(t.Pipeline)
	if err != nil {
		m.fail(ctx, t, err.Error())
		return nil
	}

	var lastOutputs map[string]any
	for t.Stage < len(p.Stages) {
		stage := &p.Stages[t.Stage]

		rerun := t.RerunStage
		if rerun {
			t.RerunStage = false
			if err := m.tasks.Update(ctx, t); err != nil {
				return m.onUpdateConflict(ctx, t, err)
			}
		}

		outputs, err := m.executor.ExecuteStage(ctx, t, stage, t.Stage, rerun)
		if err != nil {
			return m.onStageError(ctx, t, stage, err)
		}
		lastOutputs = outputs

		if stage.Checkpoint != nil {
			return m.requestGate(ctx, t, stage, outputs)
		}

		t.Stage++
		if err := m.tasks.Update(ctx, t); err != nil {
			return m.onUpdateConflict(ctx, t, err)
		}
	}

	if lastOutputs == nil && len(p.Stages) > 0 {
		// Resumed past a gate on the final stage; rebuild its outputs.
		records, err := m.tasks.Steps(ctx, t.ID, len(p.Stages)-1)
		if err != nil {
			return err
		}
		lastOutputs = make(map[string]any, len(records))
		for _, rec := range records {
			if rec.Status == task.StepSucceeded {
				lastOutputs[rec.Name] = rec.Output
			}
		}
	}

	t.Output = lastOutputs
	if err := m.transition(ctx, t, task.StateCompleted); err != nil {
		return err
	}
	m.logger.Info("task completed", zap.String("task_id", t.ID))
	m.emit(ctx, EventCompleted, t.ID, map[string]any{"task_id": t.ID, "output": t.Output})
	return nil
}

// onStageError fails the task, or escalates to a human when a feedback
// loop ran out of attempts.
func (m *Machine) onStageError(ctx context.Context, t *task.Task, stage *engine.StageDef, stageErr error) error {
	// Cancellation may have finished the task underneath the executor.
	fresh, err := m.tasks.Get(ctx, t.ID)
	if err == nil && fresh.State.Terminal() {
		return nil
	}

	if errs.IsExhausted(stageErr) {
		return m.escalate(ctx, t, stage, stageErr)
	}
	if errors.Is(stageErr, context.Canceled) {
		return nil
	}

	m.fail(ctx, t, fmt.Sprintf("stage %s: %v", stage.Name, stageErr))
	return nil
}

// escalate parks an exhausted feedback loop on a human checkpoint that
// presents the best attempt.
func (m *Machine) escalate(ctx context.Context, t *task.Task, stage *engine.StageDef, cause error) error {
	payload := map[string]any{"cause": cause.Error()}
	if records, err := m.tasks.Steps(ctx, t.ID, t.Stage); err == nil {
		for _, rec := range records {
			if rec.Status == task.StepFailed && rec.Output != nil {
				payload["step"] = rec.Name
				payload["best_output"] = rec.Output["best_output"]
				payload["best_score"] = rec.Output["best_score"]
				payload["feedback"] = rec.Output["feedback"]
			}
		}
	}

	cp, err := m.checkpoints.RequestApproval(ctx, &checkpoint.ApprovalRequest{
		TaskID:  t.ID,
		Type:    escalationType,
		Summary: fmt.Sprintf("stage %s exhausted its attempt budget", stage.Name),
		Payload: payload,
	})
	if err != nil {
		m.fail(ctx, t, fmt.Sprintf("stage %s: %v (escalation failed: %v)", stage.Name, cause, err))
		return nil
	}

	t.PendingCheckpointID = cp.ID
	if err := m.transition(ctx, t, task.StateCheckpointPending); err != nil {
		return err
	}

	m.logger.Warn("task escalated to human review",
		zap.String("task_id", t.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("cause", cause.Error()))
	m.emit(ctx, EventCheckpointPending, t.ID, map[string]any{
		"task_id":       t.ID,
		"checkpoint_id": cp.ID,
		"type":          escalationType,
	})
	return nil
}

// requestGate parks the task on its stage's declared checkpoint.
func (m *Machine) requestGate(ctx context.Context, t *task.Task, stage *engine.StageDef, outputs map[string]any) error {
	gate := stage.Checkpoint

	cp, err := m.checkpoints.RequestApproval(ctx, &checkpoint.ApprovalRequest{
		TaskID:   t.ID,
		Type:     gate.Type,
		Summary:  gate.Summary,
		Payload:  outputs,
		OnExpiry: gate.OnExpiry,
		TTL:      gate.TTL.Std(),
	})
	if err != nil {
		var conflict *errs.ConflictError
		if errors.As(err, &conflict) {
			// A pending checkpoint already exists; park on it.
			existing, perr := m.checkpoints.PendingForTask(ctx, t.ID)
			if perr == nil && existing != nil {
				cp = existing
			} else {
				return err
			}
		} else {
			return err
		}
	}

	t.PendingCheckpointID = cp.ID
	if t.State != task.StateCheckpointPending {
		if err := m.transition(ctx, t, task.StateCheckpointPending); err != nil {
			return err
		}
	}

	m.emit(ctx, EventCheckpointPending, t.ID, map[string]any{
		"task_id":       t.ID,
		"checkpoint_id": cp.ID,
		"type":          cp.Type,
	})
	return nil
}

// ResolveCheckpoint records a human decision and applies it to the task.
func (m *Machine) ResolveCheckpoint(ctx context.Context, checkpointID string, status checkpoint.Status, reviewerID, notes string) (*checkpoint.Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "orchestrator.ResolveCheckpoint",
		trace.WithAttributes(
			attribute.String("checkpoint.id", checkpointID),
			attribute.String("checkpoint.resolution", string(status)),
		))
	defer span.End()

	cp, err := m.checkpoints.Resolve(ctx, checkpointID, status, reviewerID, notes)
	if err != nil {
		return nil, err
	}
	if err := m.applyResolution(ctx, cp, status, notes); err != nil {
		return nil, err
	}
	return cp, nil
}

// applyResolution moves the task according to a checkpoint outcome.
func (m *Machine) applyResolution(ctx context.Context, cp *checkpoint.Checkpoint, effective checkpoint.Status, notes string) error {
	t, err := m.tasks.Get(ctx, cp.TaskID)
	if err != nil {
		return err
	}
	if t.State != task.StateCheckpointPending || t.PendingCheckpointID != cp.ID {
		// Late outcome for a checkpoint the task no longer waits on.
		m.logger.Warn("checkpoint outcome ignored",
			zap.String("task_id", t.ID),
			zap.String("checkpoint_id", cp.ID),
			zap.String("task_state", string(t.State)))
		return nil
	}

	t.PendingCheckpointID = ""

	switch effective {
	case checkpoint.StatusApproved:
		if cp.Type == escalationType {
			if err := m.acceptBestAttempt(ctx, t); err != nil {
				return err
			}
		} else {
			t.Stage++
		}
		if err := m.transition(ctx, t, task.StateInProgress); err != nil {
			return err
		}
		m.schedule(t)

	case checkpoint.StatusChangesRequested:
		t.RerunStage = true
		if notes != "" {
			t.Context["reviewer_notes"] = notes
		}
		if err := m.transition(ctx, t, task.StateInProgress); err != nil {
			return err
		}
		m.schedule(t)

	case checkpoint.StatusRejected:
		reason := "checkpoint rejected"
		if notes != "" {
			reason = fmt.Sprintf("checkpoint rejected: %s", notes)
		}
		t.FailureReason = reason
		if err := m.transition(ctx, t, task.StateRejected); err != nil {
			return err
		}
		m.logger.Info("task rejected", zap.String("task_id", t.ID), zap.String("reason", reason))
		m.emit(ctx, EventRejected, t.ID, map[string]any{"task_id": t.ID, "reason": reason})

	default:
		return errs.Validationf("unhandled checkpoint outcome %q", effective)
	}
	return nil
}

// acceptBestAttempt promotes an exhausted flow step's best output to a
// success so execution can continue past it.
func (m *Machine) acceptBestAttempt(ctx context.Context, t *task.Task) error {
	records, err := m.tasks.Steps(ctx, t.ID, t.Stage)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != task.StepFailed || rec.Output == nil {
			continue
		}
		best, ok := rec.Output["best_output"].(map[string]any)
		if !ok {
			continue
		}
		output := make(map[string]any, len(best)+1)
		for k, v := range best {
			output[k] = v
		}
		if score, ok := rec.Output["best_score"]; ok {
			output["score"] = score
		}
		rec.Succeed(output)
		if err := m.tasks.PutStep(ctx, rec); err != nil {
			return err
		}
		m.logger.Info("best attempt accepted",
			zap.String("task_id", t.ID),
			zap.String("step", rec.Name))
	}
	return nil
}

// Fail force-fails a task with a reason.
func (m *Machine) Fail(ctx context.Context, id, reason string) error {
	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return &errs.InvalidStateError{Entity: "task", ID: t.ID, State: string(t.State)}
	}
	m.fail(ctx, t, reason)
	return nil
}

// Cancel interrupts a running task: agents get a cancellation broadcast
// and the task is failed with a "cancelled" reason.
func (m *Machine) Cancel(ctx context.Context, id string) error {
	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return &errs.InvalidStateError{Entity: "task", ID: t.ID, State: string(t.State)}
	}

	m.emit(ctx, EventCancel, t.ID, map[string]any{"task_id": t.ID})
	m.fail(ctx, t, "cancelled")
	m.logger.Info("task cancelled", zap.String("task_id", t.ID))
	return nil
}

// fail transitions to FAILED, tolerating races with other finishers.
func (m *Machine) fail(ctx context.Context, t *task.Task, reason string) {
	t.FailureReason = reason
	if err := m.transition(ctx, t, task.StateFailed); err != nil {
		m.logger.Warn("failed to fail task",
			zap.String("task_id", t.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	m.logger.Warn("task failed", zap.String("task_id", t.ID), zap.String("reason", reason))
	m.emit(ctx, EventFailed, t.ID, map[string]any{"task_id": t.ID, "reason": reason})
}

// transition applies one state change and persists it.
func (m *Machine) transition(ctx context.Context, t *task.Task, to task.State) error {
	from := t.State
	if err := t.Transition(to); err != nil {
		return err
	}
	if err := m.tasks.Update(ctx, t); err != nil {
		return err
	}
	m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	return nil
}

// onUpdateConflict swallows lost races with a concurrent terminal write.
func (m *Machine) onUpdateConflict(ctx context.Context, t *task.Task, updateErr error) error {
	var conflict *errs.ConflictError
	if !errors.As(updateErr, &conflict) {
		return updateErr
	}
	fresh, err := m.tasks.Get(ctx, t.ID)
	if err == nil && fresh.State.Terminal() {
		return nil
	}
	return updateErr
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (m *Machine) schedule(t *task.Task) {
	m.mu.RLock()
	s := m.scheduler
	m.mu.RUnlock()
	if s != nil {
		s(t.ID, t.Priority)
	}
}

func (m *Machine) emit(ctx context.Context, class, taskID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	msg, err := bus.NewEvent("orchestrator", class, taskID, payload)
	if err != nil {
		m.logger.Error("failed to build event", zap.String("class", class), zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.Warn("failed to publish event", zap.String("class", class), zap.Error(err))
	}
}
