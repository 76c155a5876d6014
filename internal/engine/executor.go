package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/errs"
	"github.com/fyrsmithlabs/taskd/internal/flow"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/engine"

// Config configures the step executor.
type Config struct {
	// PipelineDir holds the YAML pipeline definitions.
	PipelineDir string `koanf:"pipeline_dir"`

	// DefaultStepTimeout bounds one invocation attempt when the step
	// does not set its own.
	DefaultStepTimeout time.Duration `koanf:"default_step_timeout"`

	// Retry is the per-step retry policy for retryable failures.
	Retry agent.RetryPolicy `koanf:"retry"`
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		PipelineDir:        "pipelines",
		DefaultStepTimeout: 30 * time.Second,
		Retry:              agent.DefaultRetryPolicy(),
	}
}

// Executor runs pipeline stages. It owns no task state transitions; it
// persists step records and reports outcomes to the caller.
type Executor struct {
	config     *Config
	dispatcher agent.Dispatcher
	flows      *flow.Runner
	store      task.Store
	logger     *zap.Logger
	tracer     trace.Tracer

	stepCounter metric.Int64Counter
}

// NewExecutor creates a stage executor.
func NewExecutor(cfg *Config, dispatcher agent.Dispatcher, flows *flow.Runner, store task.Store, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if flows == nil {
		return nil, fmt.Errorf("flow runner is required")
	}
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	steps, err := meter.Int64Counter("taskd.engine.steps",
		metric.WithDescription("Step executions by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Executor{
		config:      cfg,
		dispatcher:  dispatcher,
		flows:       flows,
		store:       store,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		stepCounter: steps,
	}, nil
}

// ExecuteStage runs one stage's steps in order, returning the stage's
// outputs keyed by step name.
//
// Step outputs are persisted as each step succeeds, so a resumed or
// retried stage skips completed work; rerun forces every step to execute
// again, which is how reviewer-requested changes re-enter a stage. When a
// parallel group fails, the whole stage fails but the persisted outputs
// of its succeeded members are retained.
func (e *Executor) ExecuteStage(ctx context.Context, t *task.Task, stage *StageDef, stageIndex int, rerun bool) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ExecuteStage",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("stage.name", stage.Name),
			attribute.Int("stage.index", stageIndex),
		))
	defer span.End()

	scope, err := e.buildScope(ctx, t)
	if err != nil {
		return nil, err
	}

	done := make(map[string]map[string]any)
	if !rerun {
		records, err := e.store.Steps(ctx, t.ID, stageIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to load step records: %w", err)
		}
		for _, rec := range records {
			if rec.Status == task.StepSucceeded {
				done[rec.Name] = rec.Output
			}
		}
	}

	outputs := make(map[string]any, len(stage.Steps))
	stepsScope := scope["steps"].(map[string]any)

	i := 0
	for i < len(stage.Steps) {
		step := stage.Steps[i]

		if step.ParallelGroup == "" {
			out, err := e.runStep(ctx, t, stageIndex, &step, scope, done)
			if err != nil {
				return nil, err
			}
			outputs[step.Name] = out
			stepsScope[step.Name] = out
			i++
			continue
		}

		// Consecutive steps in the same group run concurrently.
		j := i
		for j < len(stage.Steps) && stage.Steps[j].ParallelGroup == step.ParallelGroup {
			j++
		}
		group := stage.Steps[i:j]

		groupOut, err := e.runGroup(ctx, t, stageIndex, group, scope, done)
		if err != nil {
			return nil, err
		}
		for name, out := range groupOut {
			outputs[name] = out
			stepsScope[name] = out
		}
		i = j
	}

	return outputs, nil
}

// runGroup executes a parallel group. The group fails atomically: any
// member failure fails the stage, while outputs of members that already
// succeeded stay persisted for the retry to skip.
func (e *Executor) runGroup(ctx context.Context, t *task.Task, stageIndex int, group []StepDef, scope map[string]any, done map[string]map[string]any) (map[string]map[string]any, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	outputs := make(map[string]map[string]any, len(group))

	for i := range group {
		step := group[i]
		g.Go(func() error {
			out, err := e.runStep(gctx, t, stageIndex, &step, scope, done)
			if err != nil {
				return err
			}
			mu.Lock()
			outputs[step.Name] = out
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// runStep executes one step, skipping it when a succeeded record exists.
func (e *Executor) runStep(ctx context.Context, t *task.Task, stageIndex int, step *StepDef, scope map[string]any, done map[string]map[string]any) (map[string]any, error) {
	if out, ok := done[step.Name]; ok {
		e.logger.Debug("skipping completed step",
			zap.String("task_id", t.ID),
			zap.String("step", step.Name))
		return out, nil
	}

	input, err := RenderInput(step.Input, scope)
	if err != nil {
		return nil, err
	}

	if step.Flow != nil {
		return e.runFlowStep(ctx, t, stageIndex, step, input)
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}

	record := task.NewExecutionStep(t.ID, stageIndex, step.Name, step.Capability, input)
	if err := e.store.PutStep(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record step start: %w", err)
	}

	res, attempts, err := agent.InvokeWithRetry(ctx, e.dispatcher, &agent.Request{
		TaskID:     t.ID,
		StepID:     record.ID,
		Capability: step.Capability,
		Input:      input,
		Timeout:    timeout,
	}, e.config.Retry)

	record.Attempt = attempts
	if err != nil {
		record.Fail(err)
		if putErr := e.store.PutStep(ctx, record); putErr != nil {
			e.logger.Error("failed to record step failure", zap.String("step", step.Name), zap.Error(putErr))
		}
		e.countStep(ctx, step.Capability, "failed")
		e.logger.Warn("step failed",
			zap.String("task_id", t.ID),
			zap.String("step", step.Name),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, fmt.Errorf("step %s: %w", step.Name, err)
	}

	record.Succeed(res.Output)
	if err := e.store.PutStep(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record step result: %w", err)
	}
	e.countStep(ctx, step.Capability, "succeeded")
	return res.Output, nil
}

// runFlowStep executes a feedback loop as one step. An exhausted loop is
// recorded with its best output so escalation can present it.
func (e *Executor) runFlowStep(ctx context.Context, t *task.Task, stageIndex int, step *StepDef, input map[string]any) (map[string]any, error) {
	record := task.NewExecutionStep(t.ID, stageIndex, step.Name, step.Flow.Generate, input)
	if err := e.store.PutStep(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record step start: %w", err)
	}

	session, err := e.flows.Run(ctx, &flow.Request{
		TaskID:      t.ID,
		Generate:    step.Flow.Generate,
		Evaluate:    step.Flow.Evaluate,
		Input:       input,
		MaxAttempts: step.Flow.MaxAttempts,
		Threshold:   step.Flow.Threshold,
	})
	if session != nil {
		record.Attempt = len(session.Attempts)
	}

	if err != nil {
		record.Fail(err)
		if best := session.BestAttempt(); best != nil {
			// Keep the best output around for the escalation payload.
			record.Output = map[string]any{
				"best_output": best.Output,
				"best_score":  best.Score,
				"feedback":    best.Feedback,
			}
		}
		if putErr := e.store.PutStep(ctx, record); putErr != nil {
			e.logger.Error("failed to record step failure", zap.String("step", step.Name), zap.Error(putErr))
		}
		status := "failed"
		if errs.IsExhausted(err) {
			status = "exhausted"
		}
		e.countStep(ctx, step.Flow.Generate, status)
		return nil, fmt.Errorf("step %s: %w", step.Name, err)
	}

	best := session.BestAttempt()
	output := make(map[string]any, len(best.Output)+1)
	for k, v := range best.Output {
		output[k] = v
	}
	output["score"] = best.Score

	record.Succeed(output)
	if err := e.store.PutStep(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record step result: %w", err)
	}
	e.countStep(ctx, step.Flow.Generate, "succeeded")
	return output, nil
}

// buildScope assembles the template scope: the task's identity and
// context, plus every succeeded step output so far under "steps".
func (e *Executor) buildScope(ctx context.Context, t *task.Task) (map[string]any, error) {
	steps := make(map[string]any)
	records, err := e.store.AllSteps(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step records: %w", err)
	}
	for _, rec := range records {
		if rec.Status == task.StepSucceeded {
			steps[rec.Name] = rec.Output
		}
	}

	return map[string]any{
		"task": map[string]any{
			"id":          t.ID,
			"description": t.Description,
			"pipeline":    t.Pipeline,
			"context":     t.Context,
		},
		"steps": steps,
	}, nil
}

func (e *Executor) countStep(ctx context.Context, capability, status string) {
	e.stepCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("status", status),
	))
}
