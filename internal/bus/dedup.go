package bus

import (
	"sync"
	"time"
)

// dedupWindow remembers delivered message IDs for a bounded window so
// at-least-once redeliveries are dropped before reaching handlers. It does
// not survive restarts; cross-restart duplicates are the handlers' problem,
// which is why handlers must be idempotent by message ID.
type dedupWindow struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
	done    chan struct{}
	once    sync.Once
}

func newDedupWindow(window time.Duration) *dedupWindow {
	d := &dedupWindow{
		window:  window,
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go d.sweep()
	return d
}

// seen records the ID and reports whether it was already present within
// the window.
func (d *dedupWindow) seen(id string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.entries[id]; ok && now.Sub(at) < d.window {
		return true
	}
	d.entries[id] = now
	return false
}

// sweep drops expired entries periodically.
func (d *dedupWindow) sweep() {
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for id, at := range d.entries {
				if now.Sub(at) >= d.window {
					delete(d.entries, id)
				}
			}
			d.mu.Unlock()
		}
	}
}

func (d *dedupWindow) stop() {
	d.once.Do(func() { close(d.done) })
}
