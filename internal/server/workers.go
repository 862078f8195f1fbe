package server

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/api/client"
	"github.com/JakeFAU/arrest-records-crawler/internal/clock/system"
	"github.com/JakeFAU/arrest-records-crawler/internal/config"
	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/hash/sha256"
	"github.com/JakeFAU/arrest-records-crawler/internal/id/uuid"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/arrest-records-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/arrest-records-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/arrest-records-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/arrest-records-crawler/internal/refcache"
	"github.com/JakeFAU/arrest-records-crawler/internal/render/detector"
	"github.com/JakeFAU/arrest-records-crawler/internal/render/headless"
	"github.com/JakeFAU/arrest-records-crawler/internal/render/static"
	gcsstorage "github.com/JakeFAU/arrest-records-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/arrest-records-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/arrest-records-crawler/internal/storage/memory"
	"github.com/JakeFAU/arrest-records-crawler/internal/supervisor"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker/discovery"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker/enrichment"
)

// Worker roles.
const (
	RoleDiscovery  = "discovery"
	RoleEnrichment = "enrichment"
)

// RendererFactory opens a fresh render session.
type RendererFactory func() (crawler.Renderer, error)

// Workers holds what the discovery and enrichment loops share inside one
// process: the coordinator client, the reference cache, progress fan-out and
// the archive outputs. Renderers are created per launch.
type Workers struct {
	cfg         config.Config
	logger      *zap.Logger
	coordinator *client.Client
	refs        *refcache.Cache
	hub         *progress.Hub
	blobs       crawler.BlobStore
	publisher   crawler.Publisher
	pacer       *ratelimit.Limiter
	ids         uuid.Generator
	clock       crawler.Clock

	// NewRenderer is replaceable so tests can run without a browser.
	NewRenderer RendererFactory

	closers []func() error
}

// BuildWorkers wires the shared worker dependencies.
func BuildWorkers(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Workers, error) {
	metrics.Init()
	coord, err := client.New(client.Config{
		BaseURL: cfg.Coordinator.URL,
		APIKey:  cfg.Auth.APIKey,
		Timeout: cfg.Coordinator.Timeout,
	}, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator client init failed: %w", err)
	}

	w := &Workers{
		cfg:         cfg,
		logger:      logger,
		coordinator: coord,
		refs:        refcache.New(coord, logger.Named("refcache")),
		ids:         uuid.New(),
		clock:       system.New(),
		pacer: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Render.RateLimitRPS,
			DefaultBurst: cfg.Render.RateBurst,
		}),
	}
	w.NewRenderer = w.defaultRenderer

	if err := w.setupStorage(ctx); err != nil {
		return nil, multierr.Append(err, w.Close(ctx))
	}
	if err := w.setupPublisher(ctx); err != nil {
		return nil, multierr.Append(err, w.Close(ctx))
	}
	if err := w.setupProgress(ctx); err != nil {
		return nil, multierr.Append(err, w.Close(ctx))
	}
	return w, nil
}

func (w *Workers) setupStorage(ctx context.Context) error {
	if !w.cfg.Enrichment.Archive {
		w.logger.Info("detail page archive disabled")
		return nil
	}
	switch w.cfg.Storage.Backend {
	case config.BackendGCS:
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		// Object names already carry storage.prefix from the enrichment worker.
		blobs, err := gcsstorage.New(gcsClient, gcsstorage.Config{Bucket: w.cfg.Storage.GCSBucket})
		if err != nil {
			_ = gcsClient.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		w.blobs = blobs
		w.closers = append(w.closers, blobs.Close)
		w.logger.Info("using GCS archive", zap.String("bucket", w.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: w.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		w.blobs = blobs
		w.logger.Info("using local archive", zap.String("path", w.cfg.Storage.LocalDir))
	case config.BackendMemory:
		w.blobs = memorystorage.NewBlobStore()
		w.logger.Info("using in-memory archive")
	default:
		w.logger.Warn("archive enabled but storage.backend is none; pages are not archived")
	}
	return nil
}

func (w *Workers) setupPublisher(ctx context.Context) error {
	if !w.cfg.PubSub.Enabled {
		w.logger.Info("record notifications disabled")
		return nil
	}
	if w.cfg.PubSub.ProjectID == "" {
		w.logger.Warn("pubsub enabled without a project, using in-memory publisher")
		w.publisher = memorypublisher.New()
		return nil
	}
	psClient, err := pubsub.NewClient(ctx, w.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub, err := gcppublisher.New(psClient, w.cfg.PubSub.TopicName)
	if err != nil {
		_ = psClient.Close()
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	w.publisher = pub
	w.closers = append(w.closers, pub.Close)
	w.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", w.cfg.PubSub.ProjectID),
		zap.String("topic", w.cfg.PubSub.TopicName))
	return nil
}

func (w *Workers) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	w.hub = progress.NewHub(progress.Config{
		// The final flush runs after shutdown cancels ctx.
		BaseContext: context.WithoutCancel(ctx),
		Logger:      w.logger.Named("progress_hub"),
	},
		progresssinks.NewStoreSink(w.coordinator, w.logger.Named("progress_store")),
		progresssinks.NewLogSink(w.logger.Named("progress_log")),
		promSink,
	)
	return nil
}

func (w *Workers) defaultRenderer() (crawler.Renderer, error) {
	switch w.cfg.Render.Engine {
	case config.EngineStatic:
		return static.New(static.Config{
			UserAgent: w.cfg.Render.UserAgent,
			Timeout:   w.cfg.Render.Timeout,
			Gate:      detector.NewHeuristic(0),
		}, w.pacer), nil
	default:
		r, err := headless.New(headless.Config{
			Headless:          w.cfg.Headless.Enabled,
			UserAgent:         w.cfg.Render.UserAgent,
			ExecPath:          w.cfg.Headless.ExecPath,
			NavigationTimeout: w.cfg.Headless.NavTimeout,
		}, w.pacer)
		if err != nil {
			return nil, fmt.Errorf("start browser: %w", err)
		}
		return r, nil
	}
}

// Coordinator exposes the API client, which also serves as the run-flag
// source for supervision.
func (w *Workers) Coordinator() *client.Client {
	return w.coordinator
}

// InvalidateReference drops the cached reference data.
func (w *Workers) InvalidateReference() {
	w.refs.Invalidate()
}

// WatchReference invalidates the cache whenever the coordinator revision
// moves, until ctx is done.
func (w *Workers) WatchReference(ctx context.Context) {
	w.refs.Watch(ctx, w.cfg.Coordinator.ReferencePollEvery)
}

func (w *Workers) policies() worker.Policies {
	return worker.Policies{
		Fetch: crawler.NewBoundedRetryPolicy(w.cfg.Retry.MaxAttempts, w.cfg.Retry.BaseDelay, w.cfg.Retry.MaxDelay),
		Ready: crawler.ConstantRetryPolicy{
			Attempts: w.cfg.Retry.ReadyMaxAttempts,
			Interval: w.cfg.Retry.ReadyInterval,
		},
	}
}

// withRenderer opens a render session, runs fn over a Pager, and closes the
// session.
func (w *Workers) withRenderer(logger *zap.Logger, fn func(*worker.Pager) error) error {
	renderer, err := w.NewRenderer()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			logger.Warn("renderer close failed", zap.Error(cerr))
		}
	}()
	return fn(worker.NewPager(renderer, w.policies(), logger))
}

// RunDiscovery runs one discovery loop on a fresh renderer.
func (w *Workers) RunDiscovery(ctx context.Context) error {
	logger := w.logger.Named(RoleDiscovery).With(zap.String("instance", w.ids.Instance(RoleDiscovery)))
	return w.withRenderer(logger, func(pager *worker.Pager) error {
		dw, err := discovery.New(w.coordinator, w.coordinator, w.refs, pager, w.hub, w.clock, discovery.Config{
			WorkerID: w.cfg.WorkerID(RoleDiscovery),
			Scan: discovery.ScanConfig{
				PageSize:    w.cfg.Discovery.PageSize,
				FatalStatus: w.cfg.Discovery.FatalStatus,
				PageDelay:   w.cfg.Discovery.PageDelay,
			},
			IdleDelay:  w.cfg.Discovery.IdleDelay,
			ErrorDelay: w.cfg.Discovery.ErrorDelay,
			LeaseTTL:   w.cfg.Coordinator.LeaseTTL,
			Location:   w.cfg.DiscoveryLocation(),
		}, logger)
		if err != nil {
			return fmt.Errorf("discovery worker init failed: %w", err)
		}
		return dw.Run(ctx)
	})
}

// RunEnrichment runs one enrichment loop on a fresh renderer.
func (w *Workers) RunEnrichment(ctx context.Context) error {
	logger := w.logger.Named(RoleEnrichment).With(zap.String("instance", w.ids.Instance(RoleEnrichment)))
	topic := ""
	if w.publisher != nil {
		topic = w.cfg.PubSub.TopicName
	}
	return w.withRenderer(logger, func(pager *worker.Pager) error {
		ew, err := enrichment.New(w.coordinator.Records(), w.refs, pager, enrichment.Outputs{
			Blobs:     w.blobs,
			Hasher:    sha256.New(),
			Publisher: w.publisher,
		}, w.hub, w.clock, enrichment.Config{
			WorkerID:      w.cfg.WorkerID(RoleEnrichment),
			BatchSize:     w.cfg.Enrichment.BatchSize,
			RecordDelay:   w.cfg.Enrichment.RecordDelay,
			IdleDelay:     w.cfg.Enrichment.IdleDelay,
			ErrorDelay:    w.cfg.Enrichment.ErrorDelay,
			Location:      w.cfg.EnrichmentLocation(),
			ArchivePrefix: w.cfg.Storage.Prefix,
			ContentType:   w.cfg.Storage.ContentType,
			Topic:         topic,
		}, logger)
		if err != nil {
			return fmt.Errorf("enrichment worker init failed: %w", err)
		}
		return ew.Run(ctx)
	})
}

// Supervisor runs the given roles under the coordinator's run flag.
func (w *Workers) Supervisor(roles ...string) (*supervisor.Supervisor, error) {
	if len(roles) == 0 {
		roles = []string{RoleDiscovery, RoleEnrichment}
	}
	jobs := make([]supervisor.Job, 0, len(roles))
	for _, role := range roles {
		switch role {
		case RoleDiscovery:
			jobs = append(jobs, supervisor.Job{Name: role, Run: w.RunDiscovery})
		case RoleEnrichment:
			jobs = append(jobs, supervisor.Job{Name: role, Run: w.RunEnrichment})
		default:
			return nil, fmt.Errorf("unknown worker role %q", role)
		}
	}
	return supervisor.New(w.coordinator, jobs, supervisor.Config{
		RestartDelay: w.cfg.Worker.RestartDelay,
		FlagPoll:     w.cfg.Worker.FlagPoll,
	}, w.logger)
}

// Close flushes progress and releases the archive and publisher clients.
func (w *Workers) Close(ctx context.Context) error {
	var err error
	if w.hub != nil {
		if cerr := w.hub.Close(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("progress hub close: %w", cerr))
		}
		stats := w.hub.Stats()
		w.logger.Info("progress hub closed",
			zap.Int64("emitted", stats.Emitted),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("flushes", stats.Flushes))
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, w.closers[i]())
	}
	w.closers = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
