package topology

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry caches constellations loaded from a directory and can watch the
// directory so later lookups see edited files.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	cache    map[string]*Constellation
	watcher  *fsnotify.Watcher
	onChange func(name string, c *Constellation, err error)
}

// NewRegistry creates a registry over dir.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Constellation),
	}
}

// Dir returns the watched directory.
func (r *Registry) Dir() string { return r.dir }

// Get returns the named constellation, loading it on first use.
func (r *Registry) Get(name string) (*Constellation, error) {
	r.mu.RLock()
	c, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := LoadNamed(r.dir, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[name] = c
	r.mu.Unlock()
	return c, nil
}

// Names lists the constellation documents present in the directory.
func (r *Registry) Names() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// OnChange registers a callback invoked after a watched file is reloaded.
// err is set when the new document failed to load.
func (r *Registry) OnChange(fn func(name string, c *Constellation, err error)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Watch reloads cached constellations when their files change until ctx is
// done. A document that no longer loads is evicted, so the next Get reports
// the error instead of serving a stale topology.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	r.logger.Info("watching constellations for changes", slog.String("dir", r.dir))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				r.logger.Debug("constellation watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".yaml" {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				r.reload(strings.TrimSuffix(filepath.Base(event.Name), ".yaml"))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("constellation watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

func (r *Registry) reload(name string) {
	c, err := LoadNamed(r.dir, name)

	r.mu.Lock()
	if err != nil {
		delete(r.cache, name)
	} else {
		r.cache[name] = c
	}
	onChange := r.onChange
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("failed to reload constellation",
			slog.String("name", name),
			slog.String("error", err.Error()))
	} else {
		r.logger.Info("constellation reloaded", slog.String("name", name))
	}
	if onChange != nil {
		onChange(name, c, err)
	}
}

// Close stops watching.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher != nil {
		err := r.watcher.Close()
		r.watcher = nil
		return err
	}
	return nil
}
