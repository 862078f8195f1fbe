// Package scheduler creates the daily batch on the cron expression stored in
// the schedule setting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const defaultReloadInterval = time.Minute

// ErrNothingToSchedule is returned when no target or no category is active.
var ErrNothingToSchedule = errors.New("no active targets or categories")

// Repository is the reference and settings data the scheduler reads.
type Repository interface {
	GetSetting(ctx context.Context, name string) (string, error)
	ListTargets(ctx context.Context) ([]crawler.Target, error)
	ListCategories(ctx context.Context, status *int) ([]crawler.Category, error)
}

// BatchCreator persists a new batch. queue.BatchQueue satisfies it.
type BatchCreator interface {
	Create(ctx context.Context, batch crawler.Batch) (crawler.Batch, error)
}

// Config controls the schedule location and reload cadence.
type Config struct {
	Location       *time.Location
	ReloadInterval time.Duration
}

// Scheduler owns a cron runner with at most one entry.
type Scheduler struct {
	repo    Repository
	batches BatchCreator
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
	parser  cron.Parser
	cron    *cron.Cron

	mu    sync.Mutex
	spec  string
	entry cron.EntryID
	ctx   context.Context
}

// New builds a Scheduler. It does nothing until Run.
func New(repo Repository, batches BatchCreator, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if repo == nil || batches == nil || clock == nil {
		return nil, errors.New("scheduler requires a repository, batch creator, and clock")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = defaultReloadInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		repo:    repo,
		batches: batches,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cron:    cron.New(cron.WithLocation(cfg.Location)),
		ctx:     context.Background(),
	}, nil
}

// Run installs the stored schedule, starts cron, and re-reads the schedule
// every reload interval until ctx is done. A running job is allowed to
// finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		s.logger.Error("initial schedule load failed", zap.Error(err))
	}
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	ticker := jitterbug.New(s.cfg.ReloadInterval, &jitterbug.Norm{Stdev: s.cfg.ReloadInterval / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("schedule reload failed", zap.Error(err))
			}
		}
	}
}

// Reload swaps the cron entry when the stored expression changed. An
// invalid expression leaves the current entry in place.
func (s *Scheduler) Reload(ctx context.Context) error {
	spec, err := store.Schedule(ctx, s.repo)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec && s.entry != 0 {
		return nil
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(s.fire))
	s.spec = spec
	s.logger.Info("schedule installed",
		zap.String("schedule", spec),
		zap.Time("next_run", schedule.Next(s.clock.Now().In(s.cfg.Location))))
	return nil
}

// Spec returns the installed cron expression.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	batch, err := s.CreateDailyBatch(ctx)
	if err != nil {
		s.logger.Error("daily batch not created", zap.Error(err))
		return
	}
	s.logger.Info("daily batch created",
		zap.Int64("batch_id", batch.ID),
		zap.Time("start_time", batch.StartTime),
		zap.Time("end_time", batch.EndTime))
}

// CreateDailyBatch creates a batch covering the previous calendar day over
// every active target and category.
func (s *Scheduler) CreateDailyBatch(ctx context.Context) (crawler.Batch, error) {
	start, end := PreviousDay(s.clock.Now(), s.cfg.Location)

	targets, err := s.repo.ListTargets(ctx)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("list targets: %w", err)
	}
	active := crawler.StatusActive
	categories, err := s.repo.ListCategories(ctx, &active)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("list categories: %w", err)
	}

	batch := crawler.Batch{StartTime: start, EndTime: end}
	for _, t := range targets {
		if t.Status == crawler.StatusActive {
			batch.Targets = append(batch.Targets, t.ID)
		}
	}
	for _, c := range categories {
		batch.Categories = append(batch.Categories, c.ID)
	}
	if len(batch.Targets) == 0 || len(batch.Categories) == 0 {
		return crawler.Batch{}, ErrNothingToSchedule
	}
	return s.batches.Create(ctx, batch)
}

// PreviousDay returns [yesterday 00:00, today 00:00) in loc.
func PreviousDay(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return end.AddDate(0, 0, -1), end
}
