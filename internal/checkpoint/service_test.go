package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// capturePublisher records emitted events instead of hitting a live bus.
type capturePublisher struct {
	mu     sync.Mutex
	events []*bus.Message
}

func (p *capturePublisher) Publish(_ context.Context, msg *bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)
	return nil
}

func (p *capturePublisher) classes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

func newTestService(t *testing.T) (Service, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	svc, err := NewService(NewDefaultConfig(), NewMemoryStore(), pub, nil)
	require.NoError(t, err)
	return svc, pub
}

func TestRequestApproval(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	cp, err := svc.RequestApproval(ctx, &ApprovalRequest{
		TaskID:  "task-1",
		Type:    "final_review",
		Summary: "draft ready",
		Payload: map[string]any{"text": "v3"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, cp.Status)
	assert.Equal(t, ExpireReject, cp.OnExpiry)
	// No TTL was given and none is configured, so the gate waits forever.
	assert.Nil(t, cp.ExpiresAt)
	assert.Empty(t, cp.ReviewerID)
	assert.Equal(t, []string{EventCreated}, pub.classes())
}

func TestRequestApprovalExplicitTTL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.RequestApproval(ctx, &ApprovalRequest{
		TaskID: "task-1",
		Type:   "final_review",
		TTL:    time.Hour,
	})
	require.NoError(t, err)

	require.NotNil(t, cp.ExpiresAt)
	assert.WithinDuration(t, cp.CreatedAt.Add(time.Hour), *cp.ExpiresAt, time.Second)
}

func TestSecondPendingCheckpointConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-1", Type: "plan_review"})
	require.NoError(t, err)

	_, err = svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-1", Type: "final_review"})
	require.Error(t, err)
	var conflict *errs.ConflictError
	assert.ErrorAs(t, err, &conflict)

	// Other tasks are unaffected.
	_, err = svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-2", Type: "final_review"})
	assert.NoError(t, err)
}

func TestResolve(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	cp, err := svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-1", Type: "final_review"})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, cp.ID, StatusChangesRequested, "sam@example.com", "tighten the intro")
	require.NoError(t, err)
	assert.Equal(t, StatusChangesRequested, resolved.Status)
	assert.Equal(t, "sam@example.com", resolved.ReviewerID)
	assert.Equal(t, "tighten the intro", resolved.ReviewerNotes)
	require.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, []string{EventCreated, EventResolved}, pub.classes())
}

func TestResolveTwiceIsInvalidState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-1", Type: "final_review"})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, cp.ID, StatusApproved, "sam@example.com", "")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, cp.ID, StatusRejected, "kim@example.com", "")
	require.Error(t, err)
	var stateErr *errs.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(StatusApproved), stateErr.State)
}

func TestResolveRejectsNonResolutionStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cp, err := svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-1", Type: "final_review"})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, cp.ID, StatusExpired, "sam@example.com", "")
	require.Error(t, err)
	var valErr *errs.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestExpireStaleDefaultRejects(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	cp, err := svc.RequestApproval(ctx, &ApprovalRequest{
		TaskID: "task-1",
		Type:   "final_review",
		TTL:    time.Millisecond,
	})
	require.NoError(t, err)

	n, err := svc.ExpireStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	classes := pub.classes()
	require.Contains(t, classes, EventExpired)

	// The expiry event carries the policy outcome the task acts on.
	last := pub.events[len(pub.events)-1]
	assert.Contains(t, string(last.Payload), string(StatusRejected))
}

func TestExpireStaleApprovePolicy(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	_, err := svc.RequestApproval(ctx, &ApprovalRequest{
		TaskID:   "task-1",
		Type:     "style_check",
		OnExpiry: ExpireApprove,
		TTL:      time.Millisecond,
	})
	require.NoError(t, err)

	n, err := svc.ExpireStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, EventExpired, last.Event)
	assert.Contains(t, string(last.Payload), string(StatusApproved))
}

func TestExpireStaleEscalatePolicyRearms(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	_, err := svc.RequestApproval(ctx, &ApprovalRequest{
		TaskID:   "task-1",
		Type:     "escalation",
		OnExpiry: ExpireEscalate,
		TTL:      time.Millisecond,
	})
	require.NoError(t, err)

	n, err := svc.ExpireStale(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A fresh pending checkpoint replaced the expired one.
	next, err := svc.PendingForTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Escalation)
	assert.Equal(t, StatusPending, next.Status)
	// The replacement re-arms with the original gate's deadline length.
	require.NotNil(t, next.ExpiresAt)

	assert.Equal(t, []string{EventCreated, EventCreated}, pub.classes())
}

func TestExpireStaleSkipsUnexpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RequestApproval(ctx, &ApprovalRequest{TaskID: "task-1", Type: "final_review"})
	require.NoError(t, err)

	// A gate without a deadline is never swept, no matter how late.
	n, err := svc.ExpireStale(ctx, time.Now().Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
