// Package checkpoint manages human approval gates: creation, resolution,
// and expiry of checkpoints that pause task execution.
package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// Status is a checkpoint lifecycle status.
type Status string

const (
	StatusPending          Status = "pending"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusChangesRequested Status = "changes_requested"
	StatusExpired          Status = "expired"
)

// Resolved reports whether the status is one a human resolution produces.
func (s Status) Resolved() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusChangesRequested:
		return true
	}
	return false
}

// ExpiryPolicy decides what an expired checkpoint does to its task.
type ExpiryPolicy string

const (
	// ExpireReject fails the gate closed: the task is rejected. Default.
	ExpireReject ExpiryPolicy = "reject"

	// ExpireApprove fails the gate open: execution continues.
	ExpireApprove ExpiryPolicy = "approve"

	// ExpireEscalate re-creates the checkpoint with a fresh deadline and
	// bumped escalation level.
	ExpireEscalate ExpiryPolicy = "escalate"
)

// Valid reports whether p is a known policy.
func (p ExpiryPolicy) Valid() bool {
	switch p {
	case ExpireReject, ExpireApprove, ExpireEscalate:
		return true
	}
	return false
}

// Checkpoint is one pending (or settled) human decision attached to a task.
type Checkpoint struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// Type labels what is being reviewed, e.g. "plan_review",
	// "final_review", "escalation".
	Type string `json:"type"`

	Status Status `json:"status"`

	// Summary is what the reviewer sees: a description of the work
	// awaiting their decision.
	Summary string `json:"summary"`

	// Payload carries the artifacts under review, e.g. the step outputs.
	Payload map[string]any `json:"payload,omitempty"`

	// ReviewerID identifies who resolved the checkpoint. Empty until a
	// human decision lands; expiry leaves it empty.
	ReviewerID string `json:"reviewer_id,omitempty"`

	// ReviewerNotes is free-form feedback captured at resolution. For
	// changes_requested it is fed back into the re-executed step.
	ReviewerNotes string `json:"reviewer_notes,omitempty"`

	// OnExpiry is applied when ExpiresAt passes while still pending.
	OnExpiry ExpiryPolicy `json:"on_expiry"`

	// Escalation counts how many times an escalate policy has re-armed
	// this gate.
	Escalation int `json:"escalation,omitempty"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// New creates a pending checkpoint.
func New(taskID, cpType, summary string, payload map[string]any, onExpiry ExpiryPolicy, ttl time.Duration) (*Checkpoint, error) {
	if taskID == "" {
		return nil, errs.Validationf("checkpoint task id is required")
	}
	if cpType == "" {
		return nil, errs.Validationf("checkpoint type is required")
	}
	if onExpiry == "" {
		onExpiry = ExpireReject
	}
	if !onExpiry.Valid() {
		return nil, errs.Validationf("unknown expiry policy %q", onExpiry)
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Type:      cpType,
		Status:    StatusPending,
		Summary:   summary,
		Payload:   payload,
		OnExpiry:  onExpiry,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		at := cp.CreatedAt.Add(ttl)
		cp.ExpiresAt = &at
	}
	return cp, nil
}
