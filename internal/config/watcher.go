package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/platform"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads config.toml when it changes on disk and pushes the new
// pattern tables into a classifier registry.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	registry *agent.Registry

	ctx    context.Context
	cancel context.CancelFunc

	// onChange receives every successfully parsed config
	onChange func(*Config)

	started atomic.Bool
	done    chan struct{}
}

// NewWatcher watches the directory holding path. registry and onChange may
// be nil. Call Start in a goroutine.
func NewWatcher(path string, registry *agent.Registry, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher: empty path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if warning := platform.CheckFsnotifySupport(dir); warning != "" {
		cfgLog.Warn("config_watch_unreliable", slog.String("dir", dir), slog.String("reason", warning))
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		watcher:  fw,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start watches until Stop. Editors replace files by rename, so the parent
// directory is watched and events are filtered by name.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.done)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		cfgLog.Warn("config_watcher_add_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	var (
		debounce *time.Timer
		timerMu  sync.Mutex
	)
	defer func() {
		timerMu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			timerMu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			cfgLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts the watcher down and waits for a running Start to return.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
	if w.started.Load() {
		<-w.done
	}
}

// reload parses the file. A broken file keeps the previous config live.
func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := LoadFile(w.path)
	if err != nil {
		cfgLog.Warn("config_reload_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}

	cacheMu.Lock()
	cache = cfg
	cacheMu.Unlock()

	if w.registry != nil {
		w.registry.Replace(cfg.PatternTables())
	}
	cfgLog.Info("config_reloaded", slog.String("path", w.path), slog.Int("tools", len(cfg.Tools)))

	if w.onChange != nil {
		w.onChange(cfg)
	}
}
