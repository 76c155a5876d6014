package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "retryable agent error",
			err:  &AgentError{Capability: "content.generate", Message: "rate limited", Retryable: true},
			want: true,
		},
		{
			name: "non-retryable agent error",
			err:  &AgentError{Capability: "content.generate", Message: "bad request", Retryable: false},
			want: false,
		},
		{
			name: "timeout",
			err:  &TimeoutError{Op: "agent.image.generate", Timeout: 30 * time.Second},
			want: true,
		},
		{
			name: "wrapped timeout",
			err:  fmt.Errorf("dispatch step: %w", &TimeoutError{Op: "agent.image.generate", Timeout: time.Second}),
			want: true,
		},
		{
			name: "validation never retries",
			err:  Validationf("description is required"),
			want: false,
		},
		{
			name: "configuration never retries",
			err:  Configurationf("unresolved placeholder %q", "${steps.draft.output}"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Validationf("empty"), "validation"},
		{Conflictf("pending checkpoint exists"), "conflict"},
		{Configurationf("bad stage"), "configuration"},
		{&InvalidStateError{Entity: "checkpoint", ID: "cp-1", State: "approved"}, "invalid_state"},
		{&TimeoutError{Op: "x", Timeout: time.Second}, "timeout"},
		{&AgentError{Capability: "c", Message: "m"}, "agent"},
		{&ExhaustedError{Attempts: 3, BestScore: 0.7}, "exhausted"},
		{errors.New("boom"), "internal"},
		{nil, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestIsExhausted(t *testing.T) {
	err := fmt.Errorf("flow: %w", &ExhaustedError{Attempts: 3, BestScore: 0.7})
	assert.True(t, IsExhausted(err))
	assert.False(t, IsExhausted(errors.New("boom")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation: description is required", Validationf("description is required").Error())
	assert.Equal(t, "invalid state: checkpoint cp-1 is approved",
		(&InvalidStateError{Entity: "checkpoint", ID: "cp-1", State: "approved"}).Error())
	assert.Contains(t, (&ExhaustedError{Attempts: 3, BestScore: 0.72}).Error(), "3 attempts")
}
