package wasm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wudi/wasmbridge/internal/logging"
)

// PluginConfig describes one guest module managed by a Registry.
type PluginConfig struct {
	Name           string
	Path           string
	Config         []byte
	PoolSize       int
	Timeout        time.Duration
	MaxMemoryPages uint32
	Interpreter    bool
	Features       Features
}

// Plugin is a stable handle over a reloadable Middleware. Requests resolve
// the current middleware at dispatch time, so a hot swap never tears a
// request in half: in-flight requests finish on the instance pool they
// started with.
type Plugin struct {
	name    string
	cfg     PluginConfig
	current atomic.Pointer[Middleware]
}

// Name returns the configured plugin name.
func (p *Plugin) Name() string { return p.name }

// Wrap composes the plugin's current middleware around next.
func (p *Plugin) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.current.Load().serve(w, r, next)
	})
}

// Stats reports on the current middleware generation.
func (p *Plugin) Stats() Stats {
	return p.current.Load().Stats()
}

// swapDrainDelay is how long a replaced middleware generation stays alive so
// in-flight requests can finish before its runtime is closed.
const swapDrainDelay = 30 * time.Second

// Registry loads plugins from configuration and keeps compiled middleware in
// an LRU keyed by plugin name, path, modification time and size, so an
// unchanged file reloads for free and evicted generations are closed.
type Registry struct {
	mu      sync.Mutex
	logger  *zap.Logger
	cache   *lru.Cache[string, *Middleware]
	plugins map[string]*Plugin
	closed  bool
}

// DefaultCacheSize bounds how many middleware generations the registry keeps
// warm across reloads.
const DefaultCacheSize = 16

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Global()
	}
	r := &Registry{
		logger:  logger,
		plugins: make(map[string]*Plugin),
	}
	cache, err := lru.NewWithEvict(DefaultCacheSize, func(key string, m *Middleware) {
		time.AfterFunc(swapDrainDelay, func() {
			if err := m.Close(context.Background()); err != nil {
				logger.Warn("evicted wasm middleware close failed", zap.String("key", key), zap.Error(err))
			}
		})
	})
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Load compiles (or reuses) the middleware for cfg and registers it under
// cfg.Name. Loading an already-registered name swaps the plugin in place.
func (r *Registry) Load(ctx context.Context, cfg PluginConfig) (*Plugin, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("wasm: plugin name is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("wasm: plugin %q has no path", cfg.Name)
	}

	m, err := r.middlewareFor(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[cfg.Name]
	if !ok {
		p = &Plugin{name: cfg.Name, cfg: cfg}
		r.plugins[cfg.Name] = p
	}
	p.cfg = cfg
	p.current.Store(m)
	return p, nil
}

// Reload rebuilds the named plugin from its path. A no-op when the file is
// unchanged, since the cache key includes the modification time.
func (r *Registry) Reload(ctx context.Context, name string) error {
	r.mu.Lock()
	p, ok := r.plugins[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("wasm: unknown plugin %q", name)
	}
	m, err := r.middlewareFor(ctx, p.cfg)
	if err != nil {
		return err
	}
	p.current.Store(m)
	return nil
}

// Plugin returns a registered plugin by name.
func (r *Registry) Plugin(name string) (*Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Plugins returns registered plugins in no particular order.
func (r *Registry) Plugins() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// Stats returns a per-plugin stats snapshot, keyed by plugin name.
func (r *Registry) Stats() map[string]Stats {
	out := make(map[string]Stats)
	for _, p := range r.Plugins() {
		out[p.Name()] = p.Stats()
	}
	return out
}

func (r *Registry) middlewareFor(ctx context.Context, cfg PluginConfig) (*Middleware, error) {
	fi, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("wasm: plugin %q: %w", cfg.Name, err)
	}
	key := fmt.Sprintf("%s|%s|%d|%d", cfg.Name, cfg.Path, fi.ModTime().UnixNano(), fi.Size())

	r.mu.Lock()
	if m, ok := r.cache.Get(key); ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	opts := []Option{
		WithGuestPath(cfg.Path),
		WithGuestConfig(cfg.Config),
		WithLogger(r.logger.Named(cfg.Name)),
		WithPoolSize(cfg.PoolSize),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithInvocationTimeout(cfg.Timeout))
	}
	if cfg.MaxMemoryPages > 0 {
		opts = append(opts, WithMaxMemoryPages(cfg.MaxMemoryPages))
	}
	if cfg.Interpreter {
		opts = append(opts, WithInterpreter())
	}
	m, err := NewMiddleware(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("wasm: plugin %q: %w", cfg.Name, err)
	}
	if cfg.Features != 0 {
		m.featureMask.Store(uint32(m.Features().WithEnabled(cfg.Features)))
	}

	r.mu.Lock()
	r.cache.Add(key, m)
	r.mu.Unlock()
	return m, nil
}

// Close shuts down every cached middleware generation immediately.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, key := range r.cache.Keys() {
		if m, ok := r.cache.Peek(key); ok {
			if err := m.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	r.cache.Purge()
	return firstErr
}
