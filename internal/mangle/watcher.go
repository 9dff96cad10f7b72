package mangle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce batches the burst of events an editor save produces.
const DefaultReloadDebounce = 250 * time.Millisecond

// RulesWatcher reloads the engine when its rules file changes. It watches the
// parent directory so atomic-rename saves are seen.
type RulesWatcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	log      *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.Mutex
	reloads int
	lastErr error
}

// NewRulesWatcher returns nil without error when the engine has no rules file.
func NewRulesWatcher(engine *Engine, debounce time.Duration, log *zap.Logger) (*RulesWatcher, error) {
	if engine == nil || !engine.cfg.Enable || engine.cfg.RulesPath == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	path, err := filepath.Abs(engine.cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("rules path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &RulesWatcher{
		engine:   engine,
		path:     path,
		debounce: debounce,
		log:      log,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (rw *RulesWatcher) Run(ctx context.Context) {
	defer close(rw.done)
	defer rw.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != rw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(rw.debounce)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.log.Warn("rules watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			rw.reload()
		}
	}
}

// Done is closed once Run returns.
func (rw *RulesWatcher) Done() <-chan struct{} { return rw.done }

// Stats returns the number of successful reloads and the last reload error.
func (rw *RulesWatcher) Stats() (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.reloads, rw.lastErr
}

func (rw *RulesWatcher) reload() {
	err := rw.engine.Reload()
	rw.mu.Lock()
	rw.lastErr = err
	if err == nil {
		rw.reloads++
	}
	rw.mu.Unlock()
	if err != nil {
		rw.log.Warn("rules reload failed, keeping previous program", zap.String("path", rw.path), zap.Error(err))
	}
}
