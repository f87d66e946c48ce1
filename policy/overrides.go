package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// OverrideSet is the yaml shape of the policy override file.
type OverrideSet struct {
	QuietStartHour *int              `yaml:"quiet_start_hour"`
	QuietEndHour   *int              `yaml:"quiet_end_hour"`
	RateLimits     map[string]Limits `yaml:"rate_limits"`
}

// Overrides hot-reloads a policy override file. A broken or deleted
// file keeps the last good set.
type Overrides struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *OverrideSet
}

// WatchOverrides loads the file and starts watching it for changes.
func WatchOverrides(path string, logger *slog.Logger) (*Overrides, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Overrides{path: path, logger: logger}
	if err := o.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create override watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	o.watcher = watcher

	go o.watchLoop()
	logger.Info("Policy overrides loaded", "path", path)
	return o, nil
}

// Current returns the last successfully loaded set.
func (o *Overrides) Current() *OverrideSet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Close stops the watcher.
func (o *Overrides) Close() error {
	if o.watcher == nil {
		return nil
	}
	return o.watcher.Close()
}

func (o *Overrides) watchLoop() {
	for {
		select {
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := o.reload(); err != nil {
					o.logger.Warn("Policy override reload failed, keeping previous set",
						"path", o.path, "error", err)
					continue
				}
				o.logger.Info("Policy overrides reloaded", "path", o.path)
			}
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.logger.Warn("Policy override watcher error", "error", err)
		}
	}
}

func (o *Overrides) reload() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}

	var set OverrideSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("parse overrides: %w", err)
	}

	o.mu.Lock()
	o.current = &set
	o.mu.Unlock()
	return nil
}
