package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

func TestPoolAdvancesSubmittedTasks(t *testing.T) {
	f := newFixture(t, plainPipeline, nil)
	registerEcho(t, f.registry, "content.generate", map[string]any{"text": "a draft"})
	registerEcho(t, f.registry, "content.publish", map[string]any{"url": "https://example.com/p/1"})

	pool, err := NewPool(&PoolConfig{Workers: 2, QueueDepth: 16}, f.machine, nil)
	require.NoError(t, err)
	defer pool.Close()

	tk := submit(t, f)

	require.Eventually(t, func() bool {
		stored, err := f.machine.Get(context.Background(), tk.ID)
		return err == nil && stored.State == task.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolRecoverReenqueuesInterruptedWork(t *testing.T) {
	f := newFixture(t, plainPipeline, nil)
	registerEcho(t, f.registry, "content.generate", map[string]any{"text": "a draft"})
	registerEcho(t, f.registry, "content.publish", map[string]any{"url": "https://example.com/p/1"})

	// Submitted before any pool exists, like work stranded by a restart.
	tk := submit(t, f)

	pool, err := NewPool(&PoolConfig{Workers: 1, QueueDepth: 16}, f.machine, nil)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Recover(context.Background()))

	require.Eventually(t, func() bool {
		stored, err := f.machine.Get(context.Background(), tk.ID)
		return err == nil && stored.State == task.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolEnqueueAfterClose(t *testing.T) {
	f := newFixture(t, plainPipeline, nil)

	pool, err := NewPool(nil, f.machine, nil)
	require.NoError(t, err)
	pool.Close()

	assert.NotPanics(t, func() {
		pool.Enqueue("some-task", task.PriorityUrgent)
	})
	assert.NotPanics(t, pool.Close)
}
