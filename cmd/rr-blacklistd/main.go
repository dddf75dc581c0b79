package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/config"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/transport"
	"github.com/haukened/rr-blacklist/internal/engine/infra/metrics"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist/bolt"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist/lru"
	"github.com/haukened/rr-blacklist/internal/engine/services/maintainer"
)

const (
	version = "0.1.0-dev"
	appName = "rr-blacklistd"

	defaultShutdownTimeout = 10 * time.Second
	defaultBlacklistName   = "default"
)

// Application holds the components of the blacklist authority.
type Application struct {
	config     *config.AppConfig
	logger     log.Logger
	pool       *executor.Pool
	provider   *blacklist.Provider
	failures   maintainer.FailureHandler
	server     *transport.Server
	hub        *transport.Hub
	httpServer *http.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":     version,
		"env":         cfg.Env,
		"log_level":   cfg.Log.Level,
		"network":     cfg.Server.Network,
		"address":     cfg.Server.Address,
		"http":        cfg.Server.HTTPAddress,
		"db":          cfg.Blacklist.DB,
		"default_ttl": cfg.Blacklist.DefaultTTL.String(),
		"policy":      policyField(cfg),
	}, "Starting "+appName)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := buildApplication(cfg, reg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}
	log.Info(nil, appName+" stopped gracefully")
}

func policyField(cfg *config.AppConfig) string {
	if !cfg.Policy.Enabled {
		return "disabled"
	}
	return cfg.Policy.File
}

// buildApplication constructs all components and wires them together.
// Collectors are registered with reg, which also backs /metrics.
func buildApplication(cfg *config.AppConfig, reg *prometheus.Registry) (*Application, error) {
	logger := log.GetLogger()
	m := metrics.New(reg)
	pool := executor.NewPool(cfg.Executor.Workers, cfg.Executor.Queue, logger)

	provider, err := buildProvider(cfg, pool, m, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to build blacklists: %w", err)
	}

	failures, err := buildMaintainer(cfg, provider, logger)
	if err != nil {
		provider.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to build maintainer: %w", err)
	}

	cache, err := lru.New(cfg.Blacklist.CacheSize)
	if err != nil {
		provider.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	notifyURL := cfg.Server.NotifyURL
	if notifyURL == "" {
		notifyURL = transport.NotifyURL(cfg.Server.HTTPAddress)
	}

	server := transport.NewServer(cfg.Server.Network, cfg.Server.Address, cfg.Server.MaxConnections, logger)
	server.SetObserver(m)
	(&transport.Authority{
		Provider:  provider,
		Cache:     cache,
		Failures:  failures,
		NotifyURL: notifyURL,
		Logger:    logger,
	}).Register(server)

	hub := transport.NewHub(func(name string) (blacklist.ChangeNotifier, error) {
		return provider.Get(name)
	}, m, logger)

	return &Application{
		config:   cfg,
		logger:   logger,
		pool:     pool,
		provider: provider,
		failures: failures,
		server:   server,
		hub:      hub,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddress,
			Handler:           transport.NewHTTPHandler(hub, reg),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func buildProvider(cfg *config.AppConfig, pool *executor.Pool, m *metrics.Metrics, logger log.Logger) (*blacklist.Provider, error) {
	var store blacklist.Store
	if cfg.Blacklist.DB != "" {
		s, err := bolt.New(cfg.Blacklist.DB)
		if err != nil {
			return nil, err
		}
		store = s
		logger.Info(map[string]any{"db": cfg.Blacklist.DB}, "Blacklist persistence enabled")
	} else {
		logger.Info(nil, "Blacklist persistence disabled")
	}

	provider := blacklist.NewProvider(blacklist.Options{
		DefaultTTL: cfg.Blacklist.DefaultTTL,
		Executor:   pool,
		Logger:     logger,
		Observer:   m,
	}, store)
	if err := provider.Open(cfg.Blacklist.Names...); err != nil {
		provider.Close()
		return nil, err
	}
	logger.Info(map[string]any{"blacklists": provider.Names()}, "Blacklists opened")
	return provider, nil
}

// buildMaintainer returns the handler for reported job failures. Without a
// policy failures are only logged.
func buildMaintainer(cfg *config.AppConfig, provider *blacklist.Provider, logger log.Logger) (maintainer.FailureHandler, error) {
	if !cfg.Policy.Enabled {
		return maintainer.Noop{Logger: logger}, nil
	}
	policy, err := maintainer.LoadPolicy(cfg.Policy.File)
	if err != nil {
		return nil, err
	}
	target := defaultBlacklistName
	if len(cfg.Blacklist.Names) > 0 {
		target = cfg.Blacklist.Names[0]
	}
	b, err := provider.Get(target)
	if err != nil {
		return nil, err
	}
	logger.Info(map[string]any{
		"policy":    policy.Name,
		"blacklist": target,
		"entries":   len(policy.Entries),
	}, "Maintainer policy loaded")
	return maintainer.New(b, policy, logger)
}

// Run serves requests and notifications until ctx is cancelled, then shuts
// down and writes final snapshots.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.server.Serve(gctx)
	})
	g.Go(func() error {
		app.logger.Info(map[string]any{"address": ln.Addr().String()}, "HTTP server listening")
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info(nil, "Shutdown initiated")
		app.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
			app.logger.Warn(map[string]any{"error": err}, "Error during HTTP shutdown")
		}
		return nil
	})

	runErr := g.Wait()
	return errors.Join(runErr, app.shutdown())
}

// shutdown drains the executor, so queued persistence finishes while the
// store is open, then closes the blacklists and flushes them to the store.
func (app *Application) shutdown() error {
	app.pool.Close()
	err := app.provider.Close()
	if err != nil {
		app.logger.Error(map[string]any{"error": err}, "Error closing blacklists")
	}
	return err
}
