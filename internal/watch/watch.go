// Package watch re-checks the current snapshot fingerprint when its file changes.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"backlogwatch/internal/logger"
)

// Checker is called after a debounced change to the watched file.
type Checker interface {
	CheckSource(ctx context.Context) (bool, error)
}

// Watcher watches one file through its parent directory, so editors and
// exporters that replace the file by rename are still seen.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	target   string
	checker  Checker
	logger   *zap.Logger
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// New creates a watcher for file. debounce <= 0 selects 500ms.
func New(file string, checker Checker, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		target:   abs,
		checker:  checker,
		logger:   logger.OrNop(log),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching; it returns once the directory watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.target)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching snapshot file", zap.String("path", w.target))
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			changed, err := w.checker.CheckSource(ctx)
			if err != nil {
				w.logger.Warn("source check failed", zap.Error(err))
				continue
			}
			if changed {
				w.logger.Info("snapshot file changed", zap.String("path", w.target))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}
