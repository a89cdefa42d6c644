package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/wasmbridge/internal/config"
	"github.com/wudi/wasmbridge/internal/logging"
	"github.com/wudi/wasmbridge/internal/metrics"
	"github.com/wudi/wasmbridge/internal/middleware"
	"github.com/wudi/wasmbridge/wasm"
)

// Server hosts the WebAssembly middleware chain in front of a terminal
// handler, plus an admin endpoint for health, stats, and metrics.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *wasm.Registry
	watcher  *wasm.Watcher
	metrics  *metrics.Collector

	main  *http.Server
	admin *http.Server
}

// NewServer loads every configured plugin and assembles the middleware chain.
// Any plugin that fails to load is fatal.
func NewServer(cfg *config.Config, terminal http.Handler) (*Server, error) {
	logger := logging.Global()

	registry, err := wasm.NewRegistry(logger)
	if err != nil {
		return nil, err
	}

	var plugins []*wasm.Plugin
	for _, pc := range cfg.Plugins {
		guestConfig, err := pc.GuestConfig()
		if err != nil {
			registry.Close(context.Background())
			return nil, err
		}
		features, err := config.ParseFeatures(pc.Features)
		if err != nil {
			registry.Close(context.Background())
			return nil, err
		}
		p, err := registry.Load(context.Background(), wasm.PluginConfig{
			Name:           pc.Name,
			Path:           pc.Path,
			Config:         guestConfig,
			PoolSize:       pc.PoolSize,
			Timeout:        pc.Timeout,
			MaxMemoryPages: pc.MaxMemoryPages,
			Interpreter:    pc.RuntimeMode == "interpreter",
			Features:       features,
		})
		if err != nil {
			registry.Close(context.Background())
			return nil, err
		}
		plugins = append(plugins, p)
		logger.Info("wasm plugin loaded",
			zap.String("plugin", p.Name()),
			zap.String("path", pc.Path),
			zap.String("features", p.Stats().Features),
		)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.NewCollector(),
	}
	s.metrics.RegisterPlugins(registry.Stats)

	if cfg.Watch {
		w, err := wasm.NewWatcher(registry)
		if err != nil {
			registry.Close(context.Background())
			return nil, err
		}
		s.watcher = w
	}

	// Plugins wrap the terminal handler in config order: the first listed
	// plugin sees the request first and the response last.
	h := terminal
	for i := len(plugins) - 1; i >= 0; i-- {
		h = plugins[i].Wrap(h)
	}
	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(),
		s.metrics.Middleware(),
	)
	s.main = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           chain.Then(h),
		ReadTimeout:       cfg.Listener.ReadTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: s.adminHandler(),
		}
	}

	return s, nil
}

// TerminalFromConfig builds the handler behind the middleware chain: a
// reverse proxy when an upstream is configured, else a 404.
func TerminalFromConfig(upstream string) (http.Handler, error) {
	if upstream == "" {
		return http.NotFoundHandler(), nil
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", upstream, err)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}

func (s *Server) adminHandler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	router.HandlerFunc(http.MethodGet, "/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.registry.Stats())
	})
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	return router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", zap.String("address", s.main.Addr))
		if err := s.main.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if s.admin != nil {
		g.Go(func() error {
			s.logger.Info("admin listening", zap.String("address", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	if s.watcher != nil {
		g.Go(func() error {
			if err := s.watcher.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Listener.WriteTimeout+5*time.Second)
		defer cancel()
		_ = s.main.Shutdown(shutdownCtx)
		if s.admin != nil {
			_ = s.admin.Shutdown(shutdownCtx)
		}
		return s.registry.Close(shutdownCtx)
	})

	return g.Wait()
}
