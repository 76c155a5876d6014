package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/errs"
	"github.com/fyrsmithlabs/taskd/internal/flow"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

// fastRetry keeps executor tests quick.
func fastRetry() agent.RetryPolicy {
	return agent.RetryPolicy{MaxRetries: 2, Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond}
}

func newTestExecutor(t *testing.T, reg *agent.Registry, store task.Store) *Executor {
	t.Helper()
	d := agent.NewLocalDispatcher(reg)

	flows, err := flow.NewRunner(flow.NewDefaultConfig(), d, nil, nil)
	require.NoError(t, err)

	cfg := NewDefaultConfig()
	cfg.Retry = fastRetry()
	cfg.DefaultStepTimeout = 2 * time.Second

	exec, err := NewExecutor(cfg, d, flows, store, nil)
	require.NoError(t, err)
	return exec
}

func newTestTask(t *testing.T, store task.Store, taskContext map[string]any) *task.Task {
	t.Helper()
	tk, err := task.New("test task", "content", task.PriorityNormal, taskContext)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), tk))
	return tk
}

func TestExecuteStageSequential(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("research.gather", agent.InvokerFunc(
		func(_ context.Context, req *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{
				"notes": "notes on " + req.Input["topic"].(string),
			}}, nil
		})))
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(_ context.Context, req *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{
				"text": "draft using " + req.Input["notes"].(string),
			}}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, map[string]any{"topic": "socks"})

	stage := &StageDef{
		Name: "draft",
		Steps: []StepDef{
			{Name: "research", Capability: "research.gather", Input: map[string]any{"topic": "${task.context.topic}"}},
			{Name: "write", Capability: "content.generate", Input: map[string]any{"notes": "${steps.research.notes}"}},
		},
	}

	outputs, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.NoError(t, err)

	write := outputs["write"].(map[string]any)
	assert.Equal(t, "draft using notes on socks", write["text"])

	records, err := store.Steps(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, task.StepSucceeded, rec.Status)
	}
}

func TestExecuteStageParallelGroup(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32

	concurrent := agent.InvokerFunc(func(_ context.Context, req *agent.Request) (*agent.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return &agent.Result{Success: true, Output: map[string]any{"by": req.Capability}}, nil
	})

	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("text.spellcheck", concurrent))
	require.NoError(t, reg.Register("text.factcheck", concurrent))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name: "checks",
		Steps: []StepDef{
			{Name: "spellcheck", Capability: "text.spellcheck", ParallelGroup: "checks"},
			{Name: "factcheck", Capability: "text.factcheck", ParallelGroup: "checks"},
		},
	}

	outputs, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
	assert.Equal(t, int32(2), peak.Load(), "group members must overlap")
}

func TestExecuteStageParallelGroupFailsAtomically(t *testing.T) {
	var mu sync.Mutex
	started := map[string]bool{}

	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("text.spellcheck", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			mu.Lock()
			started["spellcheck"] = true
			mu.Unlock()
			return &agent.Result{Success: true, Output: map[string]any{"ok": true}}, nil
		})))
	require.NoError(t, reg.Register("text.factcheck", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			mu.Lock()
			started["factcheck"] = true
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return &agent.Result{Success: false, Retryable: false, ErrorMessage: "claims unverifiable"}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name: "checks",
		Steps: []StepDef{
			{Name: "spellcheck", Capability: "text.spellcheck", ParallelGroup: "checks"},
			{Name: "factcheck", Capability: "text.factcheck", ParallelGroup: "checks"},
		},
	}

	_, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factcheck")

	// The succeeded sibling's output is retained for the retry to skip.
	records, err := store.Steps(context.Background(), tk.ID, 0)
	require.NoError(t, err)

	byName := map[string]task.StepStatus{}
	for _, rec := range records {
		byName[rec.Name] = rec.Status
	}
	assert.Equal(t, task.StepSucceeded, byName["spellcheck"])
	assert.Equal(t, task.StepFailed, byName["factcheck"])
	assert.True(t, started["spellcheck"] && started["factcheck"])
}

func TestExecuteStageResumeSkipsSucceededSteps(t *testing.T) {
	var calls atomic.Int32
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			calls.Add(1)
			return &agent.Result{Success: true, Output: map[string]any{"text": "draft"}}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name:  "draft",
		Steps: []StepDef{{Name: "write", Capability: "content.generate"}},
	}

	_, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Second pass skips.
	outputs, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotNil(t, outputs["write"])

	// Rerun forces execution again.
	_, err = exec.ExecuteStage(context.Background(), tk, stage, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteStageRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			if calls.Add(1) <= 2 {
				return &agent.Result{Success: false, Retryable: true, ErrorMessage: "overloaded"}, nil
			}
			return &agent.Result{Success: true, Output: map[string]any{"text": "draft"}}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name:  "draft",
		Steps: []StepDef{{Name: "write", Capability: "content.generate"}},
	}

	_, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	records, err := store.Steps(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempt)
}

func TestExecuteStageNonRetryableFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			calls.Add(1)
			return &agent.Result{Success: false, Retryable: false, ErrorMessage: "bad prompt"}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name:  "draft",
		Steps: []StepDef{{Name: "write", Capability: "content.generate"}},
	}

	_, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var agentErr *errs.AgentError
	assert.ErrorAs(t, err, &agentErr)
}

func TestExecuteStageFlowStep(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"text": "draft"}}, nil
		})))
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"score": 0.95}}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name: "draft",
		Steps: []StepDef{{
			Name: "write",
			Flow: &FlowDef{Generate: "content.generate", Evaluate: "quality.evaluate"},
		}},
	}

	outputs, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.NoError(t, err)

	write := outputs["write"].(map[string]any)
	assert.Equal(t, "draft", write["text"])
	assert.Equal(t, 0.95, write["score"])
}

func TestExecuteStageFlowExhaustionKeepsBestOutput(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"text": "mediocre draft"}}, nil
		})))
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"score": 0.4}}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name: "draft",
		Steps: []StepDef{{
			Name: "write",
			Flow: &FlowDef{Generate: "content.generate", Evaluate: "quality.evaluate", MaxAttempts: 2},
		}},
	}

	_, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.Error(t, err)
	assert.True(t, errs.IsExhausted(err))

	records, err := store.Steps(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, task.StepFailed, records[0].Status)
	assert.Equal(t, "mediocre draft", records[0].Output["best_output"].(map[string]any)["text"])
	assert.Equal(t, 0.4, records[0].Output["best_score"])
}

func TestExecuteStageTemplateErrorFailsWithoutInvoking(t *testing.T) {
	var calls atomic.Int32
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			calls.Add(1)
			return &agent.Result{Success: true}, nil
		})))

	store := task.NewMemoryStore()
	exec := newTestExecutor(t, reg, store)
	tk := newTestTask(t, store, nil)

	stage := &StageDef{
		Name: "draft",
		Steps: []StepDef{{
			Name:       "write",
			Capability: "content.generate",
			Input:      map[string]any{"notes": "${steps.research.notes}"},
		}},
	}

	_, err := exec.ExecuteStage(context.Background(), tk, stage, 0, false)
	require.Error(t, err)

	var cfgErr *errs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Zero(t, calls.Load())
}
