package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// newTestBus starts a bus backed by an embedded NATS server.
func newTestBus(t *testing.T) *Bus {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	b, err := Connect(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus(t)

	err := b.Subscribe("content.generate", func(_ context.Context, msg *Message) (*Message, error) {
		var in map[string]string
		require.NoError(t, json.Unmarshal(msg.Payload, &in))
		return msg.Reply(KindResponse, map[string]string{"text": "draft for " + in["prompt"]})
	})
	require.NoError(t, err)

	req, err := NewRequest("engine", "content.generate", "task-1", map[string]string{"prompt": "socks"})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)

	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.Equal(t, "draft for socks", out["text"])
}

func TestRequestAgentError(t *testing.T) {
	b := newTestBus(t)

	err := b.Subscribe("content.generate", func(_ context.Context, _ *Message) (*Message, error) {
		return nil, &errs.AgentError{Capability: "content.generate", Message: "rate limited", Retryable: true}
	})
	require.NoError(t, err)

	req, err := NewRequest("engine", "content.generate", "task-1", map[string]string{})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), req, 2*time.Second)
	require.Error(t, err)

	var agentErr *errs.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.True(t, agentErr.Retryable)
	assert.Contains(t, agentErr.Message, "rate limited")
}

func TestRequestTimeout(t *testing.T) {
	b := newTestBus(t)

	err := b.Subscribe("slow.agent", func(_ context.Context, msg *Message) (*Message, error) {
		time.Sleep(500 * time.Millisecond)
		return msg.Reply(KindResponse, map[string]string{})
	})
	require.NoError(t, err)

	req, err := NewRequest("engine", "slow.agent", "task-1", map[string]string{})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), req, 50*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *errs.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.True(t, errs.IsRetryable(err))
}

func TestRequestNoResponder(t *testing.T) {
	b := newTestBus(t)

	req, err := NewRequest("engine", "nobody.home", "task-1", map[string]string{})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), req, 100*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *errs.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestBroadcastEvents(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []string
	recordEvents := func(_ context.Context, msg *Message) {
		mu.Lock()
		got = append(got, msg.Event)
		mu.Unlock()
	}

	require.NoError(t, b.SubscribeEvents("task.*", recordEvents))
	require.NoError(t, b.SubscribeEvents("checkpoint.>", recordEvents))

	evt, err := NewEvent("engine", "task.submitted", "task-1", map[string]string{"state": "SUBMITTED"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), evt))

	evt, err = NewEvent("checkpoints", "checkpoint.created", "task-1", map[string]string{"type": "final_review"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), evt))

	require.NoError(t, b.Flush())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"task.submitted", "checkpoint.created"}, got)
}

func TestDeduplicatesByMessageID(t *testing.T) {
	b := newTestBus(t)

	var handled atomic.Int32
	err := b.Subscribe("audit.log", func(_ context.Context, _ *Message) (*Message, error) {
		handled.Add(1)
		return nil, nil
	})
	require.NoError(t, err)

	msg, err := NewRequest("engine", "audit.log", "task-1", map[string]string{})
	require.NoError(t, err)

	// Same message published twice simulates an at-least-once redelivery.
	require.NoError(t, b.Publish(context.Background(), msg))
	require.NoError(t, b.Publish(context.Background(), msg))
	require.NoError(t, b.Flush())

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr string
	}{
		{
			name:   "valid request",
			mutate: func(*Message) {},
		},
		{
			name:    "missing recipient",
			mutate:  func(m *Message) { m.To = "" },
			wantErr: "recipient",
		},
		{
			name:    "request without correlation",
			mutate:  func(m *Message) { m.CorrelationID = "" },
			wantErr: "correlation",
		},
		{
			name:    "unknown kind",
			mutate:  func(m *Message) { m.Kind = "NUDGE" },
			wantErr: "unknown message kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewRequest("engine", "content.generate", "task-1", nil)
			require.NoError(t, err)
			tt.mutate(msg)

			err = msg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEventValidateRequiresClass(t *testing.T) {
	evt, err := NewEvent("engine", "task.submitted", "task-1", nil)
	require.NoError(t, err)
	require.NoError(t, evt.Validate())

	evt.Event = ""
	assert.Error(t, evt.Validate())
}

func TestMessageExpired(t *testing.T) {
	msg, err := NewEvent("engine", "task.submitted", "task-1", nil)
	require.NoError(t, err)

	assert.False(t, msg.Expired(time.Now()))

	msg.TTL = time.Minute
	assert.False(t, msg.Expired(msg.Timestamp.Add(30*time.Second)))
	assert.True(t, msg.Expired(msg.Timestamp.Add(2*time.Minute)))
}
