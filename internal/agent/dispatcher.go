package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/taskd/internal/bus"
)

// BusDispatcher invokes capabilities over the message bus. Agent failures
// come back as *errs.AgentError and missing or slow responders as
// *errs.TimeoutError, both mapped by the bus itself.
type BusDispatcher struct {
	bus  *bus.Bus
	from string
}

// NewBusDispatcher creates a dispatcher that sends requests as from.
func NewBusDispatcher(b *bus.Bus, from string) *BusDispatcher {
	return &BusDispatcher{bus: b, from: from}
}

// Invoke sends the request to "agent.<capability>" and decodes the reply.
func (d *BusDispatcher) Invoke(ctx context.Context, req *Request) (*Result, error) {
	msg, err := bus.NewRequest(d.from, req.Capability, req.TaskID, req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", req.Capability, err)
	}

	reply, err := d.bus.Request(ctx, msg, req.Timeout)
	if err != nil {
		return nil, err
	}

	var output map[string]any
	if len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, &output); err != nil {
			return nil, fmt.Errorf("failed to decode %s output: %w", req.Capability, err)
		}
	}
	return &Result{Success: true, Output: output}, nil
}
