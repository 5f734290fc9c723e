package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// configHeader is written atop every rewritten config file so a human
// opening it understands it is meant to be hand-edited.
const configHeader = "# jobkeep scheduler configuration.\n" +
	"# This file is human-editable: add, remove, or change job definitions\n" +
	"# here and call ReloadConfig (or restart) to pick up the changes.\n" +
	"# Runtime state (next run time, run counts, last error, ...) lives in\n" +
	"# the state database alongside this file, never in this file.\n\n"

// ConfigFile is the on-disk schema of the human-editable job config.
type ConfigFile struct {
	Jobs []JobDefinition `yaml:"jobs"`

	// Extra preserves unknown top-level keys the same way JobDefinition.Extra
	// preserves unknown per-job keys.
	Extra map[string]any `yaml:",inline"`
}

// LoadConfig reads the config file at path. A missing file is not an
// error: it is treated as an empty job set.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ConfigFile{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path atomically (write-to-temp + rename), so a
// reader in the middle of a reload always sees either the old or the new
// full file, never a partial write.
func SaveConfig(path string, cfg *ConfigFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".scheduler-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.WriteString(configHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}

// ConfigChangeHandler is called with the freshly loaded config whenever
// the config file changes on disk.
type ConfigChangeHandler func(cfg *ConfigFile)

// ConfigWatcher watches the config file for external edits and reloads it,
// debounced.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handlers []ConfigChangeHandler
	debounce time.Duration
	stopChan chan struct{}
	mu       sync.Mutex
}

// NewConfigWatcher creates a watcher for the config file at path.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		path:     path,
		watcher:  w,
		debounce: 300 * time.Millisecond,
	}, nil
}

// OnChange registers a handler to be called after a debounced reload.
func (cw *ConfigWatcher) OnChange(handler ConfigChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Start begins watching the config file.
func (cw *ConfigWatcher) Start() error {
	if err := cw.watcher.Add(cw.path); err != nil {
		return err
	}
	cw.stopChan = make(chan struct{})
	go cw.watchLoop()
	slog.Info("scheduler config watcher started", "path", cw.path)
	return nil
}

// Stop halts the watcher.
func (cw *ConfigWatcher) Stop() {
	if cw.stopChan != nil {
		close(cw.stopChan)
	}
	cw.watcher.Close()
	slog.Info("scheduler config watcher stopped")
}

func (cw *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-cw.stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cw.debounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("scheduler config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	slog.Info("scheduler config file changed, reloading", "path", cw.path)

	cfg, err := LoadConfig(cw.path)
	if err != nil {
		slog.Error("scheduler config reload failed", "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ConfigChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	slog.Info("scheduler config reloaded", "jobs", len(cfg.Jobs))
}
