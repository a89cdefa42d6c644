package wasm

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads plugins when their module files change on disk. A
// rebuild that fails (partially written file, transient compile error) is
// retried with exponential backoff; until a rebuild succeeds, requests keep
// running on the previous generation.
type Watcher struct {
	registry *Registry
	notify   *fsnotify.Watcher
	logger   *zap.Logger

	// byDir maps a watched directory to the plugin names whose module files
	// live there. Directories are watched rather than files so atomic
	// rename-into-place updates are observed.
	byDir map[string]map[string]string
}

// NewWatcher creates a watcher over the registry's plugins.
func NewWatcher(registry *Registry) (*Watcher, error) {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		registry: registry,
		notify:   notify,
		logger:   registry.logger,
		byDir:    make(map[string]map[string]string),
	}
	for _, p := range registry.Plugins() {
		if err := w.add(p.Name(), p.cfg.Path); err != nil {
			notify.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) add(name, path string) error {
	dir := filepath.Dir(path)
	files, ok := w.byDir[dir]
	if !ok {
		if err := w.notify.Add(dir); err != nil {
			return err
		}
		files = make(map[string]string)
		w.byDir[dir] = files
	}
	files[filepath.Base(path)] = name
	return nil
}

// Run processes file events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.notify.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.notify.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			name := w.pluginFor(event.Name)
			if name == "" {
				continue
			}
			w.reload(ctx, name)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("plugin watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) pluginFor(path string) string {
	files, ok := w.byDir[filepath.Dir(path)]
	if !ok {
		return ""
	}
	return files[filepath.Base(path)]
}

func (w *Watcher) reload(ctx context.Context, name string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second

	op := func() error {
		return w.registry.Reload(ctx, name)
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		w.logger.Error("plugin reload failed", zap.String("plugin", name), zap.Error(err))
		return
	}
	w.logger.Info("plugin reloaded", zap.String("plugin", name))
}
