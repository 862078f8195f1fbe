// Package server assembles the coordinator and worker processes from
// configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/api"
	"github.com/JakeFAU/arrest-records-crawler/internal/clock/system"
	"github.com/JakeFAU/arrest-records-crawler/internal/config"
	"github.com/JakeFAU/arrest-records-crawler/internal/id/uuid"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/queue"
	"github.com/JakeFAU/arrest-records-crawler/internal/scheduler"
	"github.com/JakeFAU/arrest-records-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/arrest-records-crawler/internal/storage/postgres"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const defaultShutdownTimeout = 10 * time.Second

// Coordinator owns the store, the HTTP API and the daily scheduler.
type Coordinator struct {
	cfg       config.Config
	logger    *zap.Logger
	repo      store.Repository
	api       *api.Server
	scheduler *scheduler.Scheduler
	http      *http.Server
}

// OpenStore connects Postgres when db.dsn is set and otherwise falls back to
// the in-memory store.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("no db.dsn configured, using in-memory store; data is lost on exit")
		return memory.NewStore(), nil
	}
	repo, err := pgstore.NewStore(ctx, pgstore.StoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	logger.Info("postgres store connected", zap.Int32("max_conns", cfg.DB.MaxConns))
	return repo, nil
}

// BuildCoordinator wires the coordinator over repo.
func BuildCoordinator(cfg config.Config, repo store.Repository, logger *zap.Logger) (*Coordinator, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	metrics.Init()
	clock := system.New()
	batches := queue.NewBatchQueue(repo, clock, cfg.Coordinator.LeaseTTL, logger.Named("batches"))
	records := queue.NewRecordQueue(repo, clock, logger.Named("records"))

	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		repo:   repo,
		api: api.NewServer(api.Deps{
			Batches: batches,
			Records: records,
			Repo:    repo,
			IDs:     uuid.New(),
		}, cfg, logger.Named("api")),
	}
	c.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           c.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(repo, batches, clock, scheduler.Config{
			Location:       cfg.SchedulerLocation(),
			ReloadInterval: cfg.Scheduler.ReloadInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
		c.scheduler = sched
	} else {
		logger.Info("daily scheduler disabled")
	}
	return c, nil
}

// Handler exposes the API router.
func (c *Coordinator) Handler() http.Handler {
	return c.api.Handler()
}

// Run serves HTTP and runs the scheduler until ctx is done, then shuts
// everything down.
func (c *Coordinator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.http.Addr, err)
	}
	return c.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if c.scheduler == nil {
			return
		}
		c.logger.Info("scheduler started")
		if err := c.scheduler.Run(ctx); err != nil {
			c.logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		c.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := c.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	c.logger.Info("shutdown initiated")

	timeout := c.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()

	err := c.http.Shutdown(shutdownCtx)
	if err != nil {
		err = fmt.Errorf("http shutdown: %w", err)
	}
	<-schedDone
	err = multierr.Append(err, <-serveErr)
	return multierr.Append(err, c.Close())
}

// Close releases the store.
func (c *Coordinator) Close() error {
	if c.repo != nil {
		c.repo.Close()
	}
	c.logger.Info("shutdown complete")
	return nil
}
