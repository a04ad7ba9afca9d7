// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/plthook"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a config directory and reloads the merged config when
// one of ConfigFiles is written or created.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	stop    sync.Once
	done    chan struct{}
}

// NewWatcher creates a config directory watcher.
// onChange is called with the merged config and the name of the changed file.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetDebounce changes the settle delay. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Start begins watching the config directory for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
			<-w.done
		}
	})
}

func watched(name string) bool {
	base := filepath.Base(name)
	for _, f := range ConfigFiles {
		if base == f {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var debounceTimer *time.Timer
	var lastFile string
	stopTimer := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				stopTimer()
				return
			}
			if !watched(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			lastFile = filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", lastFile), zap.Stringer("op", event.Op))

			stopTimer()
			file := lastFile
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(file)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				stopTimer()
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}

// Reconfigurer accepts runtime settings; *plthook.Engine implements it.
type Reconfigurer interface {
	Reconfigure(plthook.Settings) error
}

// Apply returns a Watcher callback that pushes reloaded settings into r
// and sets level, when non-nil, to the reloaded log level.
func Apply(r Reconfigurer, level *zap.AtomicLevel, logger *zap.Logger) func(*Config, string) {
	return func(cfg *Config, file string) {
		if level != nil {
			level.SetLevel(cfg.Level())
		}
		if err := r.Reconfigure(cfg.Settings()); err != nil {
			logger.Error("engine reconfigure failed", zap.String("file", file), zap.Error(err))
		}
	}
}
