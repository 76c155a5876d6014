package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// scriptedLoop wires a generator that labels drafts by attempt and an
// evaluator that returns the scripted score for each attempt in order.
func scriptedLoop(t *testing.T, scores []float64) agent.Dispatcher {
	t.Helper()
	reg := agent.NewRegistry()

	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(_ context.Context, req *agent.Request) (*agent.Result, error) {
			draft := "draft"
			if fb, ok := req.Input["feedback"].(string); ok {
				draft = "draft revised for: " + fb
			}
			return &agent.Result{Success: true, Output: map[string]any{"text": draft}}, nil
		})))

	call := 0
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			score := scores[call]
			call++
			return &agent.Result{Success: true, Output: map[string]any{
				"score":    score,
				"feedback": "needs work",
				"issues": []map[string]any{
					{"kind": "tone", "current": "stiff", "desired": "conversational"},
				},
			}}, nil
		})))

	return agent.NewLocalDispatcher(reg)
}

func newRunner(t *testing.T, d agent.Dispatcher) *Runner {
	t.Helper()
	r, err := NewRunner(NewDefaultConfig(), d, nil, nil)
	require.NoError(t, err)
	return r
}

func TestRunApprovesOnceThresholdMet(t *testing.T) {
	r := newRunner(t, scriptedLoop(t, []float64{0.6, 0.7, 0.9}))

	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
		Input:    map[string]any{"topic": "socks"},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApproved, session.Outcome)
	require.Len(t, session.Attempts, 3)
	assert.Equal(t, 0.9, session.BestAttempt().Score)
	assert.Equal(t, 3, session.BestAttempt().Number)
}

func TestRunThresholdIsInclusive(t *testing.T) {
	// Exactly 0.85 on the first attempt approves immediately.
	r := newRunner(t, scriptedLoop(t, []float64{0.85, 0.85, 0.85}))

	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApproved, session.Outcome)
	assert.Len(t, session.Attempts, 1)
}

func TestRunExhaustsAttemptBudget(t *testing.T) {
	r := newRunner(t, scriptedLoop(t, []float64{0.5}))

	session, err := r.Run(context.Background(), &Request{
		TaskID:      "task-1",
		Generate:    "content.generate",
		Evaluate:    "quality.evaluate",
		MaxAttempts: 1,
	})
	require.Error(t, err)

	var exhausted *errs.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, 0.5, exhausted.BestScore)

	assert.Equal(t, OutcomeExhausted, session.Outcome)
	require.NotNil(t, session.BestAttempt())
	assert.Equal(t, 0.5, session.BestAttempt().Score)
}

func TestRunKeepsBestAttemptAcrossDecline(t *testing.T) {
	// Scores decline; the best attempt preserved is the first.
	r := newRunner(t, scriptedLoop(t, []float64{0.8, 0.6, 0.4}))

	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
	})
	require.Error(t, err)
	assert.True(t, errs.IsExhausted(err))
	assert.Equal(t, 1, session.BestAttempt().Number)
	assert.Equal(t, 0.8, session.BestAttempt().Score)
}

func TestRunFeedsIssuesForward(t *testing.T) {
	reg := agent.NewRegistry()

	var secondInput map[string]any
	call := 0
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(_ context.Context, req *agent.Request) (*agent.Result, error) {
			call++
			if call == 2 {
				secondInput = req.Input
			}
			return &agent.Result{Success: true, Output: map[string]any{"text": "draft"}}, nil
		})))

	evalCall := 0
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			evalCall++
			score := 0.5
			if evalCall > 1 {
				score = 0.95
			}
			return &agent.Result{Success: true, Output: map[string]any{
				"score":    score,
				"feedback": "too stiff",
				"issues":   []map[string]any{{"kind": "tone"}},
			}}, nil
		})))

	r := newRunner(t, agent.NewLocalDispatcher(reg))
	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
		Input:    map[string]any{"topic": "socks"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, session.Outcome)

	require.NotNil(t, secondInput)
	assert.Equal(t, "socks", secondInput["topic"], "original input survives")
	assert.Equal(t, "too stiff", secondInput["feedback"])
	assert.Equal(t, 2, secondInput["attempt"])
	assert.NotNil(t, secondInput["previous_output"])
	assert.NotEmpty(t, secondInput["issues"])
}

func TestRunEvaluatorSeesOriginalRequirements(t *testing.T) {
	reg := agent.NewRegistry()

	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"text": "draft"}}, nil
		})))

	var evalInputs []map[string]any
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(_ context.Context, req *agent.Request) (*agent.Result, error) {
			evalInputs = append(evalInputs, req.Input)
			score := 0.5
			if len(evalInputs) > 1 {
				score = 0.95
			}
			return &agent.Result{Success: true, Output: map[string]any{
				"score":    score,
				"feedback": "closer",
			}}, nil
		})))

	r := newRunner(t, agent.NewLocalDispatcher(reg))
	requirements := map[string]any{"topic": "socks", "length": "short"}
	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
		Input:    requirements,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, session.Outcome)

	// Every evaluation carries the artifact plus the original ask, even
	// after feedback reshapes the generate input.
	require.Len(t, evalInputs, 2)
	for _, in := range evalInputs {
		assert.NotNil(t, in["output"])
		assert.Equal(t, requirements, in["requirements"])
	}
}

func TestRunMechanismFailureIsNotExhaustion(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: false, Retryable: false, ErrorMessage: "model unavailable"}, nil
		})))
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"score": 1.0}}, nil
		})))

	r := newRunner(t, agent.NewLocalDispatcher(reg))
	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
	})
	require.Error(t, err)
	assert.False(t, errs.IsExhausted(err))

	var agentErr *errs.AgentError
	assert.ErrorAs(t, err, &agentErr)
	assert.Equal(t, OutcomeFailed, session.Outcome)
}

func TestRunRejectsMalformedVerdict(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("content.generate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"text": "draft"}}, nil
		})))
	require.NoError(t, reg.Register("quality.evaluate", agent.InvokerFunc(
		func(context.Context, *agent.Request) (*agent.Result, error) {
			return &agent.Result{Success: true, Output: map[string]any{"verdict": "fine"}}, nil
		})))

	r := newRunner(t, agent.NewLocalDispatcher(reg))
	session, err := r.Run(context.Background(), &Request{
		TaskID:   "task-1",
		Generate: "content.generate",
		Evaluate: "quality.evaluate",
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, session.Outcome)
	assert.Contains(t, err.Error(), "score")
}

func TestRunRequiresCapabilities(t *testing.T) {
	r := newRunner(t, agent.NewLocalDispatcher(agent.NewRegistry()))

	_, err := r.Run(context.Background(), &Request{TaskID: "task-1"})
	require.Error(t, err)
	var cfgErr *errs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestParseVerdictScoreRange(t *testing.T) {
	_, err := parseVerdict(map[string]any{"score": 1.5})
	assert.Error(t, err)

	_, err = parseVerdict(map[string]any{"score": -0.1})
	assert.Error(t, err)

	v, err := parseVerdict(map[string]any{"score": 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Score)
}
