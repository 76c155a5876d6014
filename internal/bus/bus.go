// Package bus routes structured messages between the orchestration engine
// and agent capabilities over NATS.
//
// Direct messages use request/reply on "agent.<capability>" subjects;
// broadcast events use "event.<class>" subjects. When no external NATS URL
// is configured the bus runs an embedded server in-process, which also
// backs the test suite.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

const (
	subjectAgentPrefix = "agent."
	subjectEventPrefix = "event."
)

// Config configures the bus.
type Config struct {
	// URL is the NATS server URL. Empty means run an embedded server.
	URL string `koanf:"url"`

	// Name identifies this client to the server.
	Name string `koanf:"name"`

	// RequestTimeout is the default timeout for Request when the caller
	// passes zero.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// DedupWindow is how long delivered message IDs are remembered for
	// at-least-once deduplication.
	DedupWindow time.Duration `koanf:"dedup_window"`
}

// NewDefaultConfig returns sensible defaults (embedded server).
func NewDefaultConfig() *Config {
	return &Config{
		Name:           "taskd",
		RequestTimeout: 30 * time.Second,
		DedupWindow:    5 * time.Minute,
	}
}

// Handler answers a direct message. A non-nil reply is sent back to the
// requester; returning an error sends a KindError reply instead.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// EventHandler observes a broadcast event. Events are fire-and-forget.
type EventHandler func(ctx context.Context, msg *Message)

// Bus is the NATS-backed message transport. It owns no durable entities.
type Bus struct {
	conn     *nats.Conn
	embedded *embeddedServer
	config   *Config
	logger   *zap.Logger
	dedup    *dedupWindow

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// Connect creates a bus. With an empty cfg.URL an embedded NATS server is
// started and the bus connects to it.
func Connect(cfg *Config, logger *zap.Logger) (*Bus, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}

	b := &Bus{
		config: cfg,
		logger: logger,
		dedup:  newDedupWindow(cfg.DedupWindow),
	}

	url := cfg.URL
	if url == "" {
		emb, err := startEmbeddedServer()
		if err != nil {
			return nil, fmt.Errorf("start embedded nats server: %w", err)
		}
		b.embedded = emb
		url = emb.ClientURL()
		logger.Info("started embedded nats server", zap.String("url", url))
	}

	conn, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		if b.embedded != nil {
			b.embedded.Shutdown()
		}
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	b.conn = conn

	return b, nil
}

// Publish sends a message without awaiting a reply. EVENTs go to their
// event-class subject; direct messages go to the recipient capability.
func (b *Bus) Publish(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return errs.Validationf("invalid message: %v", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	subject := subjectAgentPrefix + msg.To
	if msg.Kind == KindEvent {
		subject = subjectEventPrefix + msg.Event
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler as the recipient for a capability name.
// Duplicate deliveries within the dedup window are dropped before the
// handler runs.
func (b *Bus) Subscribe(capability string, h Handler) error {
	if capability == "" {
		return errs.Validationf("capability name is required")
	}

	sub, err := b.conn.Subscribe(subjectAgentPrefix+capability, func(m *nats.Msg) {
		msg, ok := b.decode(m.Data)
		if !ok {
			return
		}
		if b.dedup.seen(msg.ID) {
			b.logger.Debug("dropped duplicate message",
				zap.String("id", msg.ID),
				zap.String("to", capability))
			return
		}

		go b.dispatch(capability, m, msg, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", capability, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// dispatch runs the handler and sends its reply on the NATS reply inbox.
func (b *Bus) dispatch(capability string, m *nats.Msg, msg *Message, h Handler) {
	reply, err := h(context.Background(), msg)
	if m.Reply == "" {
		return
	}

	if err != nil {
		errReply, buildErr := msg.Reply(KindError, ErrorPayload{
			Message:   err.Error(),
			Retryable: errs.IsRetryable(err),
		})
		if buildErr != nil {
			b.logger.Error("build error reply", zap.Error(buildErr))
			return
		}
		reply = errReply
	}
	if reply == nil {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error("marshal reply", zap.String("capability", capability), zap.Error(err))
		return
	}
	if err := m.Respond(data); err != nil {
		b.logger.Warn("respond failed", zap.String("capability", capability), zap.Error(err))
	}
}

// SubscribeEvents registers an observer for an event-class pattern.
// Patterns use NATS wildcards, e.g. "task.*", "checkpoint.>".
func (b *Bus) SubscribeEvents(pattern string, h EventHandler) error {
	if pattern == "" {
		return errs.Validationf("event pattern is required")
	}

	sub, err := b.conn.Subscribe(subjectEventPrefix+pattern, func(m *nats.Msg) {
		msg, ok := b.decode(m.Data)
		if !ok {
			return
		}
		if msg.Expired(time.Now()) {
			return
		}
		go h(context.Background(), msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe events %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Request sends a REQUEST and awaits the paired RESPONSE.
//
// An ERROR reply is returned as *errs.AgentError carrying the agent's
// retryable flag. No reply within the timeout is *errs.TimeoutError, which
// the executor treats as retryable.
func (b *Bus) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, errs.Validationf("invalid request: %v", err)
	}
	if msg.Kind != KindRequest {
		return nil, errs.Validationf("Request requires a REQUEST message, got %s", msg.Kind)
	}
	if timeout <= 0 {
		timeout = b.config.RequestTimeout
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	natsReply, err := b.conn.RequestWithContext(reqCtx, subjectAgentPrefix+msg.To, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, &errs.TimeoutError{Op: subjectAgentPrefix + msg.To, Timeout: timeout}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("request %s: %w", msg.To, err)
	}

	var reply Message
	if err := json.Unmarshal(natsReply.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", msg.To, err)
	}

	if reply.Kind == KindError {
		var ep ErrorPayload
		if err := json.Unmarshal(reply.Payload, &ep); err != nil {
			return nil, fmt.Errorf("decode error payload from %s: %w", msg.To, err)
		}
		return nil, &errs.AgentError{
			Capability: msg.To,
			Message:    ep.Message,
			Retryable:  ep.Retryable,
		}
	}

	return &reply, nil
}

// decode unmarshals wire data, logging and dropping malformed messages.
func (b *Bus) decode(data []byte) (*Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("dropped malformed message", zap.Error(err))
		return nil, false
	}
	return &msg, true
}

// Flush blocks until all published messages have been processed by the
// server. Useful in tests to avoid sleeping.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Close drains subscriptions and shuts down the embedded server if one
// was started.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
	b.dedup.stop()
}
