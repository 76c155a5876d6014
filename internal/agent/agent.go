// Package agent defines the capability contract every pluggable agent
// satisfies, and the registry that maps capability names to
// implementations. New agents are added by registration, never by
// modifying the executor.
package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// Request is one unit of work dispatched to a capability.
type Request struct {
	// TaskID is the owning task, used for correlation and cancellation.
	TaskID string `json:"task_id"`

	// StepID is the execution step that spawned this request.
	StepID string `json:"step_id"`

	// Capability is the target capability name.
	Capability string `json:"capability"`

	// Input is the rendered step input.
	Input map[string]any `json:"input"`

	// Timeout bounds the invocation. Zero means the dispatcher default.
	Timeout time.Duration `json:"-"`
}

// Result is the typed outcome of a capability invocation.
type Result struct {
	Success      bool           `json:"success"`
	Output       map[string]any `json:"output,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Invoker is implemented by every agent capability. Invoke must honor
// context cancellation; agents that do not are cut off after the engine's
// grace period and treated as failed-timeout.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req *Request) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// Dispatcher sends a Request to the capability named in it and returns the
// result. The bus-backed implementation lives in this package; tests may
// use a Registry directly via LocalDispatcher.
type Dispatcher interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps capability names to implementations.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register adds or replaces the implementation for a capability name.
func (r *Registry) Register(capability string, inv Invoker) error {
	if capability == "" {
		return errs.Validationf("capability name is required")
	}
	if inv == nil {
		return errs.Validationf("invoker is required for capability %q", capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[capability] = inv
	return nil
}

// Resolve returns the implementation for a capability name.
func (r *Registry) Resolve(capability string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invokers[capability]
	if !ok {
		return nil, errs.Configurationf("no agent registered for capability %q", capability)
	}
	return inv, nil
}

// List returns all registered capability names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalDispatcher invokes capabilities in-process through a Registry,
// bypassing the bus. Used by tests and single-process deployments.
type LocalDispatcher struct {
	registry *Registry
}

// NewLocalDispatcher creates a dispatcher over reg.
func NewLocalDispatcher(reg *Registry) *LocalDispatcher {
	return &LocalDispatcher{registry: reg}
}

// Invoke resolves and calls the capability, mapping declared failures to
// the error taxonomy the executor retries on.
func (d *LocalDispatcher) Invoke(ctx context.Context, req *Request) (*Result, error) {
	inv, err := d.registry.Resolve(req.Capability)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	res, err := inv.Invoke(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &errs.TimeoutError{Op: "agent." + req.Capability, Timeout: req.Timeout}
		}
		return nil, err
	}
	if !res.Success {
		return nil, &errs.AgentError{
			Capability: req.Capability,
			Message:    res.ErrorMessage,
			Retryable:  res.Retryable,
		}
	}
	return res, nil
}
