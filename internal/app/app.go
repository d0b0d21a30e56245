// Package app wires the job store, workers, relay, stall monitor, retention
// sweeper and HTTP API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/events"
	"scan-orchestrator/internal/relay"
	"scan-orchestrator/internal/repository/memory"
	"scan-orchestrator/internal/repository/postgresql"
	"scan-orchestrator/internal/repository/sqlite"
	"scan-orchestrator/internal/retention"
	"scan-orchestrator/internal/scanner"
	"scan-orchestrator/internal/service"
	httptransport "scan-orchestrator/internal/transport/http"
	"scan-orchestrator/internal/worker"
)

const (
	shutdownTimeout   = 15 * time.Second
	relayDrainTimeout = 30 * time.Second
)

type App struct {
	cfg     config.Config
	bus     *events.Bus
	store   *service.Store
	closers []func() error
}

// New opens the configured backends. Close releases them.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg, bus: events.NewBus()}
	repo, err := a.openRepository(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	opts := []service.StoreOption{
		service.WithStallGrace(cfg.Stall.Grace),
		service.WithPollInterval(cfg.Store.PollInterval),
	}
	if cfg.Store.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, Password: cfg.Store.RedisPassword})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, service.WithQueue(service.NewRedisQueue(rdb, cfg.Store.RedisQueueKey)))
	}

	a.store = service.NewStore(repo, a.bus, opts...)
	return a, nil
}

// Migrate applies the schema of the configured backend.
func Migrate(ctx context.Context, cfg config.Config) error {
	a := &App{cfg: cfg}
	defer func() { _ = a.Close() }()
	_, err := a.openRepository(ctx)
	return err
}

// openRepository opens the backend and applies its schema.
func (a *App) openRepository(ctx context.Context) (service.Repository, error) {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		return memory.NewJobRepository(), nil
	case config.BackendSQLite:
		repo, err := sqlite.Open(a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	case config.BackendPostgres:
		pool, err := postgresql.NewPool(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("pg: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		repo := postgresql.NewJobRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
}

// Close releases the backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Store() *service.Store { return a.store }

// Sweep runs one retention pass.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	return a.sweeper().Sweep(ctx)
}

func (a *App) sweeper() *retention.Sweeper {
	return retention.New(a.store, retention.Config{
		Retention: a.cfg.Retention.Retention,
		Interval:  a.cfg.Retention.Interval,
	})
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs every component until ctx is done or one of them fails, then
// shuts down in order: the API and the workers stop first, then the bus is
// closed and the relay delivers what is left.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	slog.InfoContext(ctx, "starting", "config", a.cfg)

	pool, err := a.workerPool()
	if err != nil {
		_ = ln.Close()
		return err
	}
	relayDone, stopRelay, err := a.startRelay(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer stopRelay()

	srv := &http.Server{
		Handler:           httptransport.Routes(httptransport.NewHandler(service.NewJobService(a.store))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(gctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
	} else {
		slog.InfoContext(ctx, "no workers configured, serving the API only")
	}

	monitor := service.NewStallMonitor(a.store, service.StallMonitorConfig{
		Timeout:  a.cfg.Stall.Timeout,
		Grace:    a.cfg.Stall.Grace,
		Interval: a.cfg.Stall.CheckInterval,
	})
	g.Go(func() error { return monitor.Run(gctx) })
	sweeper := a.sweeper()
	g.Go(func() error { return sweeper.Run(gctx) })

	err = g.Wait()

	// nothing publishes any more
	a.bus.Close()
	select {
	case <-relayDone:
	case <-time.After(relayDrainTimeout):
		slog.WarnContext(ctx, "relay did not drain in time, dead-lettering the rest")
		stopRelay()
		<-relayDone
	}

	slog.InfoContext(ctx, "stopped")
	return err
}

// workerPool returns nil when no workers are configured.
func (a *App) workerPool() (*worker.Pool, error) {
	if a.cfg.Worker.Workers <= 0 {
		return nil, nil
	}
	scan, err := scanner.New(scanner.Config{Path: a.cfg.Scanner.Path, Args: a.cfg.Scanner.Args})
	if err != nil {
		return nil, err
	}
	processor := worker.NewProcessor(a.store, scan, worker.Config{
		Workers:           a.cfg.Worker.Workers,
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval,
		MaxRuntime:        a.cfg.Worker.MaxRuntime,
		MaxStalls:         a.cfg.Worker.MaxStalls,
	})
	return worker.NewPool(a.store, processor, a.cfg.Worker.Workers), nil
}

// startRelay subscribes the relay to the bus. Its context outlives ctx so
// the events of the last transitions are still delivered during shutdown.
// Only transitions made by this process reach the bus.
func (a *App) startRelay(ctx context.Context) (<-chan struct{}, func(), error) {
	done := make(chan struct{})
	if a.cfg.Coordinator.URL == "" {
		slog.WarnContext(ctx, "COORDINATOR_URL is not set, lifecycle callbacks are disabled")
		close(done)
		return done, func() {}, nil
	}

	client, err := relay.NewClient(relay.ClientConfig{
		BaseURL:     a.cfg.Coordinator.URL,
		StatePath:   a.cfg.Coordinator.StatePath,
		ResultsPath: a.cfg.Coordinator.ResultsPath,
		Token:       a.cfg.Coordinator.Token,
		Timeout:     a.cfg.Relay.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}

	var sink relay.DeadLetterSink
	if dir := a.cfg.Relay.DeadLetterDir; dir != "" {
		fileSink, err := relay.NewFileSink(dir)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, fileSink.Close)
		sink = fileSink
	}

	r := relay.New(client, sink, relay.Config{
		Lanes:          a.cfg.Relay.Lanes,
		MaxRetries:     a.cfg.Relay.MaxRetries,
		InitialBackoff: a.cfg.Relay.InitialBackoff,
		MaxBackoff:     a.cfg.Relay.MaxBackoff,
	})

	sub := a.bus.Subscribe()
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(done)
		if err := r.Run(rctx, sub.C()); err != nil {
			slog.ErrorContext(rctx, "relay failed", "error", err)
		}
	}()

	stop := func() {
		cancel()
		<-done
		sub.Close()
	}
	return done, stop, nil
}
