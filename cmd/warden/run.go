package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"

	"github.com/dshills/warden/internal/broker"
	"github.com/dshills/warden/internal/config"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/pipeline"
	"github.com/dshills/warden/internal/plugin"
	"github.com/dshills/warden/internal/plugin/api"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/binder"
	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/loader"
	"github.com/dshills/warden/internal/plugin/trust"
	"github.com/dshills/warden/internal/store"
)

func loadConfig(c *cli.Context) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(c.String("config"), os.Environ())
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Logging())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runHost(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, m, log)
		defer srv.Close()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	shared, err := openShared(cfg.Loader.SharedLibs)
	if err != nil {
		return err
	}

	graph := capability.NewGraph()
	rt := &plugin.Runtime{
		Services: &api.Services{
			Graph:  graph,
			Binder: binder.New(),
			Events: api.NewEventBus(graph, api.WithEventLogger(log.WithComponent("events"))),
			UI:     api.NewUIRegistry(graph),
			Pipeline: pipeline.NewEngine(
				pipeline.WithLogger(log.WithComponent("pipeline")),
				pipeline.WithMetrics(m),
			),
			Store:      st,
			APIVersion: cfg.Host.APIVersion,
		},
		HostModules:    loader.StandardModules(),
		Shared:         shared,
		Allow:          cfg.Loader.HostModules,
		DenyReferences: cfg.Loader.DenyReferences,
		DenyPackages:   cfg.Loader.DenyPackages,
		Strict:         cfg.Loader.Strict,
		Verifier:       newVerifier(cfg, log),
		Logger:         log.Logger,
		Metrics:        m,
	}

	if cfg.Broker.Executable != "" {
		launcher := broker.NewLauncher(launcherConfig(cfg),
			broker.WithLauncherLogger(log.WithComponent("launcher")),
			broker.WithLauncherMetrics(m),
		)
		defer launcher.Close()
		rt.Elevator = launcher
	}

	manager := plugin.NewManager(rt, plugin.WithPluginDir(cfg.Host.PluginDir))
	if _, err := manager.Discover(); err != nil {
		log.Warn("some plugins were not registered", "error", err)
	}
	if err := manager.LoadAll(ctx); err != nil {
		log.Warn("some plugins failed to load", "error", err)
	}
	if err := manager.EnableAll(ctx); err != nil {
		log.Warn("some plugins failed to enable", "error", err)
	}
	log.Info("plugins running", "enabled", len(manager.ListByState(plugin.StateEnabled)),
		"failed", len(manager.Report()))

	if cfg.Host.Watch {
		w, err := plugin.NewWatcher(manager, cfg.Host.PluginDir)
		if err != nil {
			log.Warn("plugin directory not watched", "dir", cfg.Host.PluginDir, "error", err)
		} else {
			defer w.Close()
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("plugin watcher stopped", "error", err)
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return manager.DisableAll(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return store.NewRedisStore(ctx, store.RedisOptions{URL: cfg.Store.RedisURL, ConnectTimeout: 5 * time.Second})
	default:
		return store.NewFileStore(cfg.DataPath(cfg.Store.Dir))
	}
}

func openShared(paths []string) ([]*archive.Archive, error) {
	shared := make([]*archive.Archive, 0, len(paths))
	for _, p := range paths {
		a, err := archive.Open(p)
		if err != nil {
			return nil, fmt.Errorf("shared library %s: %w", p, err)
		}
		shared = append(shared, a)
	}
	return shared, nil
}

func newVerifier(cfg *config.Config, log *logging.Logger) *trust.Verifier {
	opts := []trust.AuthorityCacheOption{
		trust.WithTTL(cfg.Trust.AuthorityTTL.Duration),
		trust.WithCacheLogger(log.WithComponent("authority")),
	}
	if path := cfg.DataPath(cfg.Trust.AuthorityCache); path != "" {
		opts = append(opts, trust.WithCacheFile(path))
	}
	if cfg.Trust.AuthorityURL != "" {
		opts = append(opts, trust.WithFetcher(&trust.HTTPFetcher{BaseURL: cfg.Trust.AuthorityURL}))
	}
	return trust.NewVerifier(trust.NewAuthorityCache(opts...), trust.WithVerifierLogger(log.WithComponent("trust")))
}

// launcherConfig passes the host's broker and trust settings to the broker
// command line.
func launcherConfig(cfg *config.Config) broker.LauncherConfig {
	args := []string{
		"--grants", absPath(cfg.DataPath(cfg.Broker.GrantFile)),
		"--log-level", cfg.Log.Level,
		"--authority-ttl", cfg.Trust.AuthorityTTL.String(),
	}
	if cfg.Broker.AutoAcceptTrusted {
		args = append(args, "--auto-accept-trusted")
	}
	if cfg.Broker.AutoAcceptPolicy != "" {
		args = append(args, "--policy", cfg.Broker.AutoAcceptPolicy)
	}
	if cfg.Trust.AuthorityURL != "" {
		args = append(args, "--authority-url", cfg.Trust.AuthorityURL)
	}
	if path := cfg.DataPath(cfg.Trust.AuthorityCache); path != "" {
		args = append(args, "--authority-cache", absPath(path))
	}
	return broker.LauncherConfig{
		Executable:     cfg.Broker.Executable,
		Args:           args,
		StartTimeout:   cfg.Broker.StartTimeout.Duration,
		RequestTimeout: cfg.Broker.RequestTimeout.Duration,
		MaxRestarts:    cfg.Broker.MaxRestarts,
	}
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func serveMetrics(addr string, m *metrics.Metrics, log *logging.Logger) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}
