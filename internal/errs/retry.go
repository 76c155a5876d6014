package errs

import "errors"

// IsRetryable reports whether the executor may retry the operation locally.
// Only agent-declared retryable failures and timeouts qualify; validation,
// configuration, conflict, and state errors never do.
func IsRetryable(err error) bool {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Retryable
	}
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsExhausted reports whether err is a flow-exhaustion outcome, which is
// surfaced as a successful-but-unapproved result rather than a task failure.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Kind returns a short taxonomy tag for a task failure reason. The tag is
// stored with the task so operators can distinguish failure classes without
// parsing messages.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case is[*ValidationError](err):
		return "validation"
	case is[*ConflictError](err):
		return "conflict"
	case is[*ConfigurationError](err):
		return "configuration"
	case is[*InvalidStateError](err):
		return "invalid_state"
	case is[*TimeoutError](err):
		return "timeout"
	case is[*AgentError](err):
		return "agent"
	case is[*ExhaustedError](err):
		return "exhausted"
	default:
		return "internal"
	}
}

func is[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
