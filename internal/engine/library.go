package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// Library holds the loaded pipeline definitions and hot-reloads them when
// the definition directory changes. A reload that fails validation keeps
// the previous definitions; running tasks are never left without one.
type Library struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewLibrary loads every pipeline in dir.
func NewLibrary(dir string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pipelines, err := loadPipelineDir(dir)
	if err != nil {
		return nil, err
	}

	return &Library{
		dir:       dir,
		logger:    logger,
		pipelines: pipelines,
	}, nil
}

// Get returns a pipeline by name.
func (l *Library) Get(name string) (*Pipeline, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.pipelines[name]
	if !ok {
		return nil, errs.Configurationf("unknown pipeline %q", name)
	}
	return p, nil
}

// Names returns the loaded pipeline names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.pipelines))
	for name := range l.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload re-reads the directory, swapping in the new set atomically.
func (l *Library) Reload() error {
	pipelines, err := loadPipelineDir(l.dir)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.pipelines = pipelines
	l.mu.Unlock()

	l.logger.Info("pipelines reloaded", zap.Strings("names", l.Names()))
	return nil
}

// Watch reloads definitions whenever the directory changes, until the
// context is cancelled.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := l.Reload(); err != nil {
					l.logger.Error("pipeline reload failed, keeping previous definitions",
						zap.String("trigger", event.Name),
						zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("pipeline watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
