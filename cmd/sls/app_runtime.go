package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/vvidic/simple-lookup-service/internal/api"
	"github.com/vvidic/simple-lookup-service/internal/buildinfo"
	"github.com/vvidic/simple-lookup-service/internal/config"
	"github.com/vvidic/simple-lookup-service/internal/geo"
	"github.com/vvidic/simple-lookup-service/internal/lease"
	"github.com/vvidic/simple-lookup-service/internal/maintenance"
	"github.com/vvidic/simple-lookup-service/internal/pubsub"
	"github.com/vvidic/simple-lookup-service/internal/service"
	"github.com/vvidic/simple-lookup-service/internal/store"
)

// slsApp holds everything run wires together, so shutdown can unwind it in
// reverse order.
type slsApp struct {
	cfg       *config.EnvConfig
	bundle    *store.Bundle
	geo       *geo.Resolver
	flusher   *pubsub.Flusher
	pub       *pubsub.Manager
	svc       *service.LookupService
	driver    *maintenance.Driver
	compactor *maintenance.ArchiveCompactor
	srv       *api.Server
	ln        net.Listener
}

func run(opts cliOptions) error {
	cfg, err := config.LoadEnvConfig(opts.configDir)
	if err != nil {
		return err
	}
	applyCLIOverrides(cfg, opts)

	logClose, err := redirectLogs(cfg.LogFile)
	if err != nil {
		return err
	}
	defer logClose()

	log.Printf("[sls] starting version=%s commit=%s built=%s",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	if cfg.AdminToken != "" && config.IsWeakToken(cfg.AdminToken) {
		log.Printf("[sls] warning: SLS_ADMIN_TOKEN looks weak, consider a longer random token")
	}

	app, err := newSlsApp(cfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServer()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

// applyCLIOverrides lets explicit flags win over environment and file values.
func applyCLIOverrides(cfg *config.EnvConfig, opts cliOptions) {
	if opts.host != "" {
		cfg.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logFile != "" {
		cfg.LogFile = opts.logFile
	}
}

// redirectLogs points the stdlib logger at the configured file. An empty
// path keeps stderr.
func redirectLogs(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	log.SetOutput(f)
	return func() { _ = f.Close() }, nil
}

func newSlsApp(cfg *config.EnvConfig) (*slsApp, error) {
	app := &slsApp{cfg: cfg}

	bundle, err := bootstrapStore(cfg)
	if err != nil {
		return nil, err
	}
	app.bundle = bundle
	log.Printf("[sls] store backend %s ready", cfg.StoreBackend)

	g, err := geo.Open(cfg.GeoDBPath)
	if err != nil {
		app.closeBundle()
		return nil, fmt.Errorf("open geo database: %w", err)
	}
	app.geo = g

	leases := lease.NewManager(cfg.LeaseCapacity, cfg.LeaseDefaultTTL, cfg.LeaseMaxTTL)

	app.flusher = pubsub.NewFlusher(pubsub.NewHTTPPusher(nil), cfg.FlushConcurrency, cfg.PushTimeout, cfg.PushFailureLimit)
	app.pub = pubsub.NewManager(cfg.FanoutQueueSize, app.flusher)
	app.pub.Start()

	app.svc = service.NewLookupService(bundle.Store, bundle.Archive, leases, app.pub, bundle.Subs, g, cfg.CachePrefix)

	ctx := context.Background()
	if restored, err := app.svc.RestoreSubscriptions(ctx); err != nil {
		log.Printf("[sls] restore subscriptions: %v", err)
	} else if restored > 0 {
		log.Printf("[sls] restored %d subscriptions", restored)
	}
	if added, removed, err := app.svc.ReconcileLeases(ctx); err != nil {
		log.Printf("[sls] reconcile leases: %v", err)
	} else {
		log.Printf("[sls] lease reconcile: %d added, %d removed", added, removed)
	}

	app.driver = maintenance.NewDriver(maintenance.Config{
		PruneInterval:  cfg.PruneInterval,
		PruneThreshold: cfg.PruneThreshold,
		FlushInterval:  cfg.FlushCheckInterval,
		MemoryInterval: cfg.MemoryInterval,
	}, app.svc, app.pub)
	app.driver.Start()

	compactor, err := maintenance.NewArchiveCompactor(bundle.Archive, cfg.ArchiveCompactSchedule, cfg.ArchiveRetention)
	if err != nil {
		app.shutdown(context.Background())
		return nil, err
	}
	app.compactor = compactor
	app.compactor.Start()

	app.srv = api.NewServer(cfg.Host, cfg.Port, cfg.AdminToken, int64(cfg.MaxBodyBytes), cfg.RequestTimeout, app.svc)
	return app, nil
}

func bootstrapStore(cfg *config.EnvConfig) (*store.Bundle, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.BootstrapMemory(), nil
	case config.BackendSQLite:
		return store.BootstrapSQLite(cfg.DataDir)
	case config.BackendRedis:
		return store.BootstrapRedis(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// startServer opens the listener, capped by MaxConns, and serves in the
// background. The returned channel carries a fatal serve error.
func (a *slsApp) startServer() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", a.srv.Addr())
	if err != nil {
		errCh <- fmt.Errorf("listen on %s: %w", a.srv.Addr(), err)
		return errCh
	}
	if a.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, a.cfg.MaxConns)
	}
	a.ln = ln

	go func() {
		log.Printf("[sls] api server listening on %s", ln.Addr())
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("[sls] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// shutdown unwinds in reverse construction order: stop accepting requests,
// stop background jobs, drain fan-out and flushes, then close storage.
func (a *slsApp) shutdown(ctx context.Context) {
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			log.Printf("[sls] server shutdown: %v", err)
		}
	}
	if a.compactor != nil {
		a.compactor.Stop()
	}
	if a.driver != nil {
		a.driver.Stop()
	}
	if a.pub != nil {
		a.pub.Stop()
	}
	if a.flusher != nil {
		a.flusher.Wait()
	}
	if a.geo != nil {
		if err := a.geo.Close(); err != nil {
			log.Printf("[sls] geo close: %v", err)
		}
	}
	a.closeBundle()
	log.Printf("[sls] stopped")
}

func (a *slsApp) closeBundle() {
	if a.bundle == nil || a.bundle.Closer == nil {
		return
	}
	if err := a.bundle.Closer.Close(); err != nil {
		log.Printf("[sls] store close: %v", err)
	}
}
