package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// cancelGrace is how long a cancelled invocation gets to wind down before
// the host abandons it and reports a timeout. Overridden in tests.
var cancelGrace = 5 * time.Second

// cancelEvent is the payload of a "task.cancel" broadcast.
type cancelEvent struct {
	TaskID string `json:"task_id"`
}

// Host serves a Registry's capabilities over the bus. Each registered
// capability gets a subscription on its own subject; incoming requests run
// under a per-task context that is cancelled when a "task.cancel" event
// for that task arrives.
type Host struct {
	bus      *bus.Bus
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	inflight map[string]map[uint64]context.CancelFunc
}

// NewHost creates a host for reg over b.
func NewHost(b *bus.Bus, reg *Registry, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		bus:      b,
		registry: reg,
		logger:   logger,
		inflight: make(map[string]map[uint64]context.CancelFunc),
	}
}

// Start subscribes every registered capability and the cancellation
// broadcast. Capabilities registered after Start are not served.
func (h *Host) Start() error {
	for _, capability := range h.registry.List() {
		capability := capability
		err := h.bus.Subscribe(capability, func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
			return h.serve(ctx, capability, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe capability %s: %w", capability, err)
		}
	}

	if err := h.bus.SubscribeEvents("task.cancel", h.onCancel); err != nil {
		return fmt.Errorf("failed to subscribe cancellations: %w", err)
	}

	h.logger.Info("agent host started", zap.Strings("capabilities", h.registry.List()))
	return nil
}

// serve decodes one request, invokes the capability, and builds the reply.
func (h *Host) serve(ctx context.Context, capability string, msg *bus.Message) (*bus.Message, error) {
	inv, err := h.registry.Resolve(capability)
	if err != nil {
		return nil, err
	}

	var input map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &input); err != nil {
			return nil, errs.Validationf("malformed input for %s: %v", capability, err)
		}
	}

	ctx, release := h.track(ctx, msg.TaskID)
	defer release()

	res, err := h.invoke(ctx, inv, &Request{
		TaskID:     msg.TaskID,
		StepID:     msg.CorrelationID,
		Capability: capability,
		Input:      input,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &errs.AgentError{
			Capability: capability,
			Message:    res.ErrorMessage,
			Retryable:  res.Retryable,
		}
	}

	return msg.Reply(bus.KindResponse, res.Output)
}

// invoke runs the capability, bounding how long it may outlive its
// context. An invoker that ignores cancellation is abandoned after the
// grace period and reported as timed out; its goroutine is left to finish
// on its own.
func (h *Host) invoke(ctx context.Context, inv Invoker, req *Request) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := inv.Invoke(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
	}

	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		h.logger.Warn("invocation did not stop after cancellation",
			zap.String("task_id", req.TaskID),
			zap.String("capability", req.Capability))
		return nil, &errs.TimeoutError{Op: req.Capability, Timeout: cancelGrace}
	}
}

// track derives a cancellable context tied to the task and records it so
// onCancel can interrupt the invocation.
func (h *Host) track(parent context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	if taskID == "" {
		return ctx, cancel
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.inflight[taskID] == nil {
		h.inflight[taskID] = make(map[uint64]context.CancelFunc)
	}
	h.inflight[taskID][id] = cancel
	h.mu.Unlock()

	return ctx, func() {
		cancel()
		h.mu.Lock()
		defer h.mu.Unlock()
		if funcs, ok := h.inflight[taskID]; ok {
			delete(funcs, id)
			if len(funcs) == 0 {
				delete(h.inflight, taskID)
			}
		}
	}
}

// onCancel interrupts every in-flight invocation for the cancelled task.
func (h *Host) onCancel(_ context.Context, msg *bus.Message) {
	var evt cancelEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil || evt.TaskID == "" {
		return
	}

	h.mu.Lock()
	funcs := h.inflight[evt.TaskID]
	delete(h.inflight, evt.TaskID)
	h.mu.Unlock()

	for _, cancel := range funcs {
		cancel()
	}
	if len(funcs) > 0 {
		h.logger.Info("cancelled in-flight invocations",
			zap.String("task_id", evt.TaskID),
			zap.Int("count", len(funcs)))
	}
}
