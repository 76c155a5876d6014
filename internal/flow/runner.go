package flow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/errs"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/flow"

// Event classes published by the runner.
const (
	EventAttempt  = "flow.attempt"
	EventFinished = "flow.finished"
)

// Config holds the loop defaults applied when a request leaves them zero.
type Config struct {
	MaxAttempts int     `koanf:"max_attempts"`
	Threshold   float64 `koanf:"threshold"`
}

// NewDefaultConfig returns the production defaults: three attempts
// against a 0.85 approval threshold.
func NewDefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Threshold:   0.85,
	}
}

// Request describes one feedback loop to run.
type Request struct {
	TaskID string

	// Generate produces candidate output from the input (plus feedback on
	// later attempts). Evaluate scores it.
	Generate string
	Evaluate string

	// Input seeds the first generate call.
	Input map[string]any

	// MaxAttempts and Threshold override the configured defaults when
	// positive.
	MaxAttempts int
	Threshold   float64
}

// EventPublisher is the slice of the bus the runner needs.
type EventPublisher interface {
	Publish(ctx context.Context, msg *bus.Message) error
}

// Runner executes feedback sessions.
type Runner struct {
	config     *Config
	dispatcher agent.Dispatcher
	retry      agent.RetryPolicy
	publisher  EventPublisher
	logger     *zap.Logger
	tracer     trace.Tracer

	attemptCounter metric.Int64Counter
	outcomeCounter metric.Int64Counter
}

// NewRunner creates a feedback-loop runner. The publisher may be nil.
func NewRunner(cfg *Config, dispatcher agent.Dispatcher, publisher EventPublisher, logger *zap.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	attempts, err := meter.Int64Counter("taskd.flow.attempts",
		metric.WithDescription("Feedback loop attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	outcomes, err := meter.Int64Counter("taskd.flow.outcomes",
		metric.WithDescription("Feedback loop terminal outcomes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Runner{
		config:         cfg,
		dispatcher:     dispatcher,
		retry:          agent.DefaultRetryPolicy(),
		publisher:      publisher,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		attemptCounter: attempts,
		outcomeCounter: outcomes,
	}, nil
}

// Run executes the loop until approval, exhaustion, or mechanism failure.
//
// The session is always returned, including on error, so callers can
// inspect attempts. An EXHAUSTED session is paired with *errs.ExhaustedError;
// a FAILED session with the underlying mechanism error.
func (r *Runner) Run(ctx context.Context, req *Request) (*Session, error) {
	if req.Generate == "" || req.Evaluate == "" {
		return nil, errs.Configurationf("flow requires generate and evaluate capabilities")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.config.MaxAttempts
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = r.config.Threshold
	}

	ctx, span := r.tracer.Start(ctx, "flow.Run",
		trace.WithAttributes(
			attribute.String("task.id", req.TaskID),
			attribute.String("flow.generate", req.Generate),
			attribute.String("flow.evaluate", req.Evaluate),
			attribute.Int("flow.max_attempts", maxAttempts),
		))
	defer span.End()

	session := newSession(req.TaskID, req.Generate, req.Evaluate, threshold, maxAttempts)
	input := cloneInput(req.Input)

	for n := 1; n <= maxAttempts; n++ {
		attempt, err := r.attempt(ctx, session, n, input, req.Input)
		if err != nil {
			session.Error = err.Error()
			session.finish(OutcomeFailed)
			r.finishMetrics(ctx, session)
			r.emitFinished(ctx, session)
			return session, err
		}

		session.Attempts = append(session.Attempts, *attempt)
		if best := session.BestAttempt(); best == nil || attempt.Score > best.Score {
			session.Best = n - 1
		}

		r.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("generate", req.Generate)))
		r.emitAttempt(ctx, session, attempt)

		// Threshold is inclusive: meeting it is approval.
		if attempt.Score >= threshold {
			session.finish(OutcomeApproved)
			r.logger.Info("flow approved",
				zap.String("task_id", req.TaskID),
				zap.Int("attempt", n),
				zap.Float64("score", attempt.Score))
			r.finishMetrics(ctx, session)
			r.emitFinished(ctx, session)
			return session, nil
		}

		input = nextInput(req.Input, attempt)
	}

	session.finish(OutcomeExhausted)
	best := session.BestAttempt()
	exhausted := &errs.ExhaustedError{Attempts: maxAttempts, BestScore: best.Score}
	session.Error = exhausted.Error()

	r.logger.Warn("flow exhausted",
		zap.String("task_id", req.TaskID),
		zap.Int("attempts", maxAttempts),
		zap.Float64("best_score", best.Score))
	r.finishMetrics(ctx, session)
	r.emitFinished(ctx, session)
	return session, exhausted
}

// attempt runs one generate/evaluate round. The evaluator is given the
// generated output alongside the original requirements so it scores the
// artifact against what was actually asked for, not the fed-back input.
func (r *Runner) attempt(ctx context.Context, session *Session, n int, input, requirements map[string]any) (*Attempt, error) {
	genRes, _, err := agent.InvokeWithRetry(ctx, r.dispatcher, &agent.Request{
		TaskID:     session.TaskID,
		Capability: session.Generate,
		Input:      input,
	}, r.retry)
	if err != nil {
		return nil, fmt.Errorf("generate attempt %d: %w", n, err)
	}

	evalRes, _, err := agent.InvokeWithRetry(ctx, r.dispatcher, &agent.Request{
		TaskID:     session.TaskID,
		Capability: session.Evaluate,
		Input: map[string]any{
			"task_id":      session.TaskID,
			"attempt":      n,
			"output":       genRes.Output,
			"requirements": requirements,
		},
	}, r.retry)
	if err != nil {
		return nil, fmt.Errorf("evaluate attempt %d: %w", n, err)
	}

	verdict, err := parseVerdict(evalRes.Output)
	if err != nil {
		return nil, fmt.Errorf("evaluate attempt %d: %w", n, err)
	}

	return &Attempt{
		Number:   n,
		Output:   genRes.Output,
		Score:    verdict.Score,
		Feedback: verdict.Feedback,
		Issues:   verdict.Issues,
	}, nil
}

// nextInput folds the evaluator's feedback into the next generate call:
// the original input plus the prior output and the concrete issues to fix.
func nextInput(original map[string]any, prior *Attempt) map[string]any {
	next := cloneInput(original)
	next["attempt"] = prior.Number + 1
	next["previous_output"] = prior.Output
	next["previous_score"] = prior.Score
	if prior.Feedback != "" {
		next["feedback"] = prior.Feedback
	}
	if len(prior.Issues) > 0 {
		next["issues"] = prior.Issues
	}
	return next
}

func cloneInput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Runner) finishMetrics(ctx context.Context, session *Session) {
	r.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(session.Outcome))))
}

func (r *Runner) emitAttempt(ctx context.Context, session *Session, attempt *Attempt) {
	r.emit(ctx, EventAttempt, session.TaskID, map[string]any{
		"session_id": session.ID,
		"task_id":    session.TaskID,
		"attempt":    attempt.Number,
		"score":      attempt.Score,
	})
}

func (r *Runner) emitFinished(ctx context.Context, session *Session) {
	payload := map[string]any{
		"session_id": session.ID,
		"task_id":    session.TaskID,
		"outcome":    session.Outcome,
		"attempts":   len(session.Attempts),
	}
	if best := session.BestAttempt(); best != nil {
		payload["best_score"] = best.Score
	}
	r.emit(ctx, EventFinished, session.TaskID, payload)
}

func (r *Runner) emit(ctx context.Context, class, taskID string, payload map[string]any) {
	if r.publisher == nil {
		return
	}
	msg, err := bus.NewEvent("flow", class, taskID, payload)
	if err != nil {
		r.logger.Error("failed to build event", zap.String("class", class), zap.Error(err))
		return
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.logger.Warn("failed to publish event", zap.String("class", class), zap.Error(err))
	}
}
