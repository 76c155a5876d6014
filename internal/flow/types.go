// Package flow runs generate/evaluate feedback loops: a generator
// capability produces work, an evaluator scores it, and feedback is folded
// into the next attempt until the score clears the threshold or the
// attempt budget runs out.
package flow

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal status of a feedback session.
type Outcome string

const (
	// OutcomeApproved means an attempt met or beat the threshold.
	OutcomeApproved Outcome = "APPROVED"

	// OutcomeExhausted means the attempt budget ran out below threshold.
	// The best attempt is preserved for escalation.
	OutcomeExhausted Outcome = "EXHAUSTED"

	// OutcomeFailed means the loop mechanism itself broke, e.g. an agent
	// failed non-retryably. Distinct from running out of attempts.
	OutcomeFailed Outcome = "FAILED"
)

// Issue is one concrete defect an evaluator found, precise enough to act on.
type Issue struct {
	// Kind classifies the defect, e.g. "tone", "length", "accuracy".
	Kind string `json:"kind"`

	// Target is what part of the output the issue points at.
	Target string `json:"target,omitempty"`

	// Current and Desired describe the gap.
	Current string `json:"current,omitempty"`
	Desired string `json:"desired,omitempty"`

	// Note is free-form elaboration.
	Note string `json:"note,omitempty"`
}

// Attempt is one generate/evaluate round.
type Attempt struct {
	Number   int            `json:"number"`
	Output   map[string]any `json:"output,omitempty"`
	Score    float64        `json:"score"`
	Feedback string         `json:"feedback,omitempty"`
	Issues   []Issue        `json:"issues,omitempty"`
}

// Session is the record of one feedback loop run.
type Session struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// Generate and Evaluate are the capability names driving the loop.
	Generate string `json:"generate"`
	Evaluate string `json:"evaluate"`

	Threshold   float64 `json:"threshold"`
	MaxAttempts int     `json:"max_attempts"`

	Outcome  Outcome   `json:"outcome"`
	Attempts []Attempt `json:"attempts"`

	// Best indexes the highest-scoring attempt in Attempts, -1 when none.
	Best int `json:"best"`

	// Error holds the mechanism failure when Outcome is FAILED.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// newSession creates a running session record.
func newSession(taskID, generate, evaluate string, threshold float64, maxAttempts int) *Session {
	return &Session{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Generate:    generate,
		Evaluate:    evaluate,
		Threshold:   threshold,
		MaxAttempts: maxAttempts,
		Best:        -1,
		StartedAt:   time.Now().UTC(),
	}
}

// BestAttempt returns the highest-scoring attempt, or nil.
func (s *Session) BestAttempt() *Attempt {
	if s == nil || s.Best < 0 || s.Best >= len(s.Attempts) {
		return nil
	}
	return &s.Attempts[s.Best]
}

func (s *Session) finish(outcome Outcome) {
	s.Outcome = outcome
	now := time.Now().UTC()
	s.FinishedAt = &now
}
