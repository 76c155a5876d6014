// Package errs defines the error taxonomy shared by the orchestration engine.
//
// Every failure surfaced by the engine is one of these kinds, so callers can
// decide between retrying, failing the stage, or escalating to a human without
// string matching. Use errors.As to classify.
package errs

import (
	"fmt"
	"time"
)

// ValidationError reports bad caller input, rejected before any state change.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an invariant violation, such as requesting a second
// pending checkpoint for a task or a lost optimistic-concurrency race.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Msg
}

// Conflictf builds a ConflictError with a formatted message.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports a malformed stage or step definition. These are
// deploy-time bugs: never retried, always surfaced to the operator.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Msg
}

// Configurationf builds a ConfigurationError with a formatted message.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation applied to an entity in a state that
// does not permit it, such as resolving an already-resolved checkpoint.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s is %s", e.Entity, e.ID, e.State)
}

// TimeoutError reports that an agent or peer did not respond in time.
// Agent timeouts are always retryable; checkpoint expiry is policy-driven
// and handled separately by the checkpoint manager.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s did not complete within %s", e.Op, e.Timeout)
}

// AgentError reports a failure declared by an agent itself. Retryable controls
// whether the executor applies its local backoff policy before failing the stage.
type AgentError struct {
	Capability string
	Message    string
	Retryable  bool
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Capability, e.Message)
}

// ExhaustedError reports that a feedback flow hit its attempt cap without
// reaching the approval threshold. This is a designed outcome, not a bug:
// the best attempt is preserved and routed to human escalation.
type ExhaustedError struct {
	Attempts  int
	BestScore float64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted: %d attempts, best score %.2f below threshold", e.Attempts, e.BestScore)
}
