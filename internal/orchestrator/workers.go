package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent task advancers.
	Workers int `koanf:"workers"`

	// QueueDepth is the per-priority queue capacity.
	QueueDepth int `koanf:"queue_depth"`
}

// NewDefaultPoolConfig returns production defaults.
func NewDefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:    4,
		QueueDepth: 256,
	}
}

// Pool advances queued tasks with a fixed set of workers. Urgent tasks are
// always drained before normal, and normal before low.
type Pool struct {
	machine *Machine
	logger  *zap.Logger

	urgent chan string
	normal chan string
	low    chan string

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool and wires itself as the machine's scheduler.
func NewPool(cfg *PoolConfig, machine *Machine, logger *zap.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = NewDefaultPoolConfig()
	}
	if machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	p := &Pool{
		machine: machine,
		logger:  logger,
		urgent:  make(chan string, cfg.QueueDepth),
		normal:  make(chan string, cfg.QueueDepth),
		low:     make(chan string, cfg.QueueDepth),
	}
	machine.SetScheduler(p.Enqueue)

	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Enqueue schedules a task for advancing. A full queue drops the entry
// with a log line; the resubmission path is the recovery sweep.
func (p *Pool) Enqueue(taskID string, priority task.Priority) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	queue := p.normal
	switch priority {
	case task.PriorityUrgent:
		queue = p.urgent
	case task.PriorityLow:
		queue = p.low
	}

	select {
	case queue <- taskID:
	default:
		p.logger.Error("worker queue full, dropping task",
			zap.String("task_id", taskID),
			zap.String("priority", string(priority)))
	}
}

// Recover re-enqueues every non-terminal, non-waiting task. Called at
// startup so work interrupted by a restart resumes.
func (p *Pool) Recover(ctx context.Context) error {
	pending, err := p.machine.List(ctx,
		task.StateSubmitted, task.StateQueued, task.StatePlanning, task.StateInProgress)
	if err != nil {
		return fmt.Errorf("failed to list recoverable tasks: %w", err)
	}
	for _, t := range pending {
		p.Enqueue(t.ID, t.Priority)
	}
	if len(pending) > 0 {
		p.logger.Info("recovered tasks", zap.Int("count", len(pending)))
	}
	return nil
}

func (p *Pool) worker() {
	for {
		// Higher priorities win when multiple queues are ready.
		var id string
		var ok bool
		select {
		case id, ok = <-p.urgent:
		default:
			select {
			case id, ok = <-p.urgent:
			case id, ok = <-p.normal:
			default:
				select {
				case id, ok = <-p.urgent:
				case id, ok = <-p.normal:
				case id, ok = <-p.low:
				}
			}
		}
		if !ok {
			return
		}

		if err := p.machine.Advance(context.Background(), id); err != nil {
			p.logger.Error("advance failed", zap.String("task_id", id), zap.Error(err))
		}
	}
}

// Close stops accepting work and lets idle workers exit.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.urgent)
	close(p.normal)
	close(p.low)
}
