package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ReloadableConfig watches the config file and swaps in new versions that
// pass validation. Watchers decide how to apply the change.
type ReloadableConfig struct {
	path      string
	current   atomic.Pointer[Config]
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	closeOnce sync.Once
	reloadMu  sync.Mutex // serializes reloads so the last write wins
}

// NewReloadable loads path and starts watching it.
func NewReloadable(path string) (*ReloadableConfig, error) {
	return newReloadable(path, true)
}

func newReloadable(path string, watch bool) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &ReloadableConfig{
		path:   path,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)
	if !watch {
		return r, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch registers fn to run after every accepted reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload forces a reload from disk.
func (r *ReloadableConfig) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()

	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}

	return nil
}

// validateTransition rejects changes that need a process restart.
func validateTransition(old, new *Config) error {
	if old.Metrics.Listen != new.Metrics.Listen {
		return fmt.Errorf("metrics listen address change requires restart")
	}
	if old.Metrics.AuthToken != new.Metrics.AuthToken {
		return fmt.Errorf("metrics auth token change requires restart")
	}
	return nil
}

func (r *ReloadableConfig) watchLoop() {
	target := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := r.Reload(); err != nil {
					log.Printf("config reload failed: %v", err)
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}
