package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/errs"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/checkpoint"

// Event classes published by the service.
const (
	EventCreated  = "checkpoint.created"
	EventResolved = "checkpoint.resolved"
	EventExpired  = "checkpoint.expired"
)

// EventPublisher is the slice of the bus the service needs.
type EventPublisher interface {
	Publish(ctx context.Context, msg *bus.Message) error
}

// Config configures the checkpoint service.
type Config struct {
	// DefaultTTL is applied to checkpoints created without a deadline.
	// Zero means no expiry.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// NewDefaultConfig returns production defaults: checkpoints wait
// indefinitely unless a TTL is configured, and the sweeper runs every
// minute for the ones that have one.
func NewDefaultConfig() *Config {
	return &Config{
		DefaultTTL:    0,
		SweepInterval: time.Minute,
	}
}

// ApprovalRequest asks for a new human gate on a task.
type ApprovalRequest struct {
	TaskID   string
	Type     string
	Summary  string
	Payload  map[string]any
	OnExpiry ExpiryPolicy

	// TTL overrides the configured default when positive.
	TTL time.Duration
}

// Event is the payload of every checkpoint lifecycle event.
type Event struct {
	CheckpointID string `json:"checkpoint_id"`
	TaskID       string `json:"task_id"`
	Type         string `json:"type"`
	Status       Status `json:"status"`

	// Effective is the resolution the task machine should act on. For
	// expiry it is the policy outcome, not the literal expired status.
	Effective Status `json:"effective"`

	ReviewerID    string `json:"reviewer_id,omitempty"`
	ReviewerNotes string `json:"reviewer_notes,omitempty"`
}

// Service manages checkpoint lifecycle.
type Service interface {
	RequestApproval(ctx context.Context, req *ApprovalRequest) (*Checkpoint, error)
	Resolve(ctx context.Context, id string, status Status, reviewerID, notes string) (*Checkpoint, error)
	Get(ctx context.Context, id string) (*Checkpoint, error)
	PendingForTask(ctx context.Context, taskID string) (*Checkpoint, error)
	ListPending(ctx context.Context) ([]*Checkpoint, error)
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	StartSweeper(ctx context.Context)
}

type service struct {
	config    *Config
	store     Store
	publisher EventPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	createdCounter  metric.Int64Counter
	resolvedCounter metric.Int64Counter
	expiredCounter  metric.Int64Counter
}

// NewService creates a checkpoint service. The publisher may be nil, in
// which case lifecycle events are not emitted.
func NewService(cfg *Config, store Store, publisher EventPublisher, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	created, err := meter.Int64Counter("taskd.checkpoints.created",
		metric.WithDescription("Checkpoints created"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	resolved, err := meter.Int64Counter("taskd.checkpoints.resolved",
		metric.WithDescription("Checkpoints resolved by a human"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	expired, err := meter.Int64Counter("taskd.checkpoints.expired",
		metric.WithDescription("Checkpoints expired by policy"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &service{
		config:          cfg,
		store:           store,
		publisher:       publisher,
		logger:          logger,
		tracer:          otel.Tracer(instrumentationName),
		createdCounter:  created,
		resolvedCounter: resolved,
		expiredCounter:  expired,
	}, nil
}

// RequestApproval creates a pending checkpoint for a task. A task may hold
// at most one pending checkpoint at a time.
func (s *service) RequestApproval(ctx context.Context, req *ApprovalRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.RequestApproval",
		trace.WithAttributes(
			attribute.String("task.id", req.TaskID),
			attribute.String("checkpoint.type", req.Type),
		))
	defer span.End()

	existing, err := s.store.PendingForTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending checkpoints: %w", err)
	}
	if existing != nil {
		return nil, errs.Conflictf("task %s already has pending checkpoint %s", req.TaskID, existing.ID)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	cp, err := New(req.TaskID, req.Type, req.Summary, req.Payload, req.OnExpiry, ttl)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}

	s.createdCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", cp.Type)))
	s.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("task_id", cp.TaskID),
		zap.String("type", cp.Type))

	s.emit(ctx, EventCreated, cp, StatusPending, "")
	return cp, nil
}

// Resolve records a human decision on a pending checkpoint. Resolving a
// checkpoint that is not pending returns InvalidStateError, so late or
// duplicate decisions are rejected rather than applied twice.
func (s *service) Resolve(ctx context.Context, id string, status Status, reviewerID, notes string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.Resolve",
		trace.WithAttributes(
			attribute.String("checkpoint.id", id),
			attribute.String("checkpoint.resolution", string(status)),
		))
	defer span.End()

	if !status.Resolved() {
		return nil, errs.Validationf("invalid resolution %q", status)
	}

	cp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Status != StatusPending {
		return nil, &errs.InvalidStateError{Entity: "checkpoint", ID: cp.ID, State: string(cp.Status)}
	}

	cp.Status = status
	cp.ReviewerID = reviewerID
	cp.ReviewerNotes = notes
	now := time.Now().UTC()
	cp.ResolvedAt = &now

	if err := s.store.Update(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to update checkpoint: %w", err)
	}

	s.resolvedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", cp.Type),
		attribute.String("resolution", string(status)),
	))
	s.logger.Info("checkpoint resolved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("task_id", cp.TaskID),
		zap.String("resolution", string(status)),
		zap.String("reviewer_id", reviewerID))

	s.emit(ctx, EventResolved, cp, status, notes)
	return cp, nil
}

// Get returns a checkpoint by ID.
func (s *service) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return s.store.Get(ctx, id)
}

// PendingForTask returns the task's pending checkpoint, or nil.
func (s *service) PendingForTask(ctx context.Context, taskID string) (*Checkpoint, error) {
	return s.store.PendingForTask(ctx, taskID)
}

// ListPending returns all pending checkpoints, oldest first.
func (s *service) ListPending(ctx context.Context) ([]*Checkpoint, error) {
	return s.store.ListPending(ctx)
}

// ExpireStale settles every pending checkpoint whose deadline passed,
// applying its expiry policy. Returns the number settled.
func (s *service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.ExpireStale")
	defer span.End()

	stale, err := s.store.ExpiredBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired checkpoints: %w", err)
	}

	for _, cp := range stale {
		if err := s.expire(ctx, cp, now); err != nil {
			s.logger.Error("failed to expire checkpoint",
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err))
			return 0, err
		}
	}
	return len(stale), nil
}

// expire settles one checkpoint per its policy.
func (s *service) expire(ctx context.Context, cp *Checkpoint, now time.Time) error {
	cp.Status = StatusExpired
	at := now.UTC()
	cp.ResolvedAt = &at
	if err := s.store.Update(ctx, cp); err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}

	effective := StatusRejected
	switch cp.OnExpiry {
	case ExpireApprove:
		effective = StatusApproved
	case ExpireEscalate:
		// Re-arm the gate with a fresh deadline of the same length; the
		// task stays paused.
		ttl := s.config.DefaultTTL
		if cp.ExpiresAt != nil {
			ttl = cp.ExpiresAt.Sub(cp.CreatedAt)
		}
		next, err := New(cp.TaskID, cp.Type, cp.Summary, cp.Payload, ExpireEscalate, ttl)
		if err != nil {
			return err
		}
		next.Escalation = cp.Escalation + 1
		if err := s.store.Create(ctx, next); err != nil {
			return fmt.Errorf("failed to create escalation checkpoint: %w", err)
		}
		s.logger.Warn("checkpoint escalated",
			zap.String("task_id", cp.TaskID),
			zap.String("checkpoint_id", next.ID),
			zap.Int("escalation", next.Escalation))
		s.expiredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", string(cp.OnExpiry))))
		s.emit(ctx, EventCreated, next, StatusPending, "")
		return nil
	}

	s.expiredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", string(cp.OnExpiry))))
	s.logger.Warn("checkpoint expired",
		zap.String("checkpoint_id", cp.ID),
		zap.String("task_id", cp.TaskID),
		zap.String("effective", string(effective)))

	s.emit(ctx, EventExpired, cp, effective, "")
	return nil
}

// StartSweeper runs the expiry sweep on the configured interval until the
// context is cancelled.
func (s *service) StartSweeper(ctx context.Context) {
	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.ExpireStale(ctx, now); err != nil {
					s.logger.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// emit publishes a lifecycle event; failures are logged, never fatal.
func (s *service) emit(ctx context.Context, class string, cp *Checkpoint, effective Status, notes string) {
	if s.publisher == nil {
		return
	}

	msg, err := bus.NewEvent("checkpoints", class, cp.TaskID, Event{
		CheckpointID:  cp.ID,
		TaskID:        cp.TaskID,
		Type:          cp.Type,
		Status:        cp.Status,
		Effective:     effective,
		ReviewerID:    cp.ReviewerID,
		ReviewerNotes: notes,
	})
	if err != nil {
		s.logger.Error("failed to build event", zap.String("class", class), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("failed to publish event", zap.String("class", class), zap.Error(err))
	}
}
