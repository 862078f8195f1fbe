// Package supervisor keeps worker loops running while the run flag is on.
//
// Each Job is launched in its own goroutine. When a launch returns, for any
// reason, the supervisor waits RestartDelay and launches it again as long as
// the flag still reads true. Turning the flag off cancels running launches
// and holds further ones until it comes back on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker"
)

const (
	defaultRestartDelay = 3 * time.Second
	defaultFlagPoll     = 10 * time.Second
)

// FlagSource reports the run flag.
type FlagSource interface {
	ScriptEnabled(ctx context.Context) (bool, error)
}

// Job is one restartable loop. Run is called once per launch and should
// build any per-session resources (such as a browser) itself.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config tunes restart pacing.
type Config struct {
	RestartDelay time.Duration
	FlagPoll     time.Duration
}

// Supervisor fans jobs out and gates them on the run flag.
type Supervisor struct {
	flags  FlagSource
	jobs   []Job
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	enabled bool
	changed chan struct{}
}

// New creates a Supervisor.
func New(flags FlagSource, jobs []Job, cfg Config, logger *zap.Logger) (*Supervisor, error) {
	if flags == nil {
		return nil, errors.New("flag source is required")
	}
	if len(jobs) == 0 {
		return nil, errors.New("at least one job is required")
	}
	for _, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("job %q has no run func", j.Name)
		}
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.FlagPoll <= 0 {
		cfg.FlagPoll = defaultFlagPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		flags:   flags,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger.Named("supervisor"),
		changed: make(chan struct{}),
	}, nil
}

// Run starts all jobs and blocks until ctx is done and every launch has
// returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.refresh(ctx)

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.supervise(ctx, j)
		}(job)
	}
	s.watchFlag(ctx)
	wg.Wait()
	return nil
}

// Enabled reports the last flag value read.
func (s *Supervisor) Enabled() bool {
	on, _ := s.state()
	return on
}

func (s *Supervisor) state() (bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.changed
}

func (s *Supervisor) setEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.enabled {
		return
	}
	s.enabled = on
	close(s.changed)
	s.changed = make(chan struct{})
	s.logger.Info("run flag changed", zap.Bool("enabled", on))
}

// refresh keeps the previous value when the flag cannot be read.
func (s *Supervisor) refresh(ctx context.Context) {
	on, err := s.flags.ScriptEnabled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("read run flag failed", zap.Error(err))
		}
		return
	}
	s.setEnabled(on)
}

func (s *Supervisor) watchFlag(ctx context.Context) {
	ticker := jitterbug.New(s.cfg.FlagPoll, &jitterbug.Norm{Stdev: s.cfg.FlagPoll / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Supervisor) supervise(ctx context.Context, job Job) {
	logger := s.logger.With(zap.String("job", job.Name))
	for {
		on, changed := s.state()
		if !on {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}

		logger.Info("launching loop")
		err := s.launch(ctx, job)
		switch {
		case ctx.Err() != nil:
			metrics.ObserveLoopExit(job.Name, "stopped")
			return
		case !s.Enabled():
			metrics.ObserveLoopExit(job.Name, "stopped")
			logger.Info("loop stopped by run flag")
		case err != nil:
			metrics.ObserveLoopExit(job.Name, "error")
			logger.Error("loop exited", zap.Error(err), zap.Duration("restart_in", s.cfg.RestartDelay))
		default:
			metrics.ObserveLoopExit(job.Name, "ok")
			logger.Info("loop finished", zap.Duration("restart_in", s.cfg.RestartDelay))
		}
		if err := worker.Pause(ctx, s.cfg.RestartDelay); err != nil {
			return
		}
	}
}

// launch runs job once, canceling it if the flag turns off meanwhile.
func (s *Supervisor) launch(ctx context.Context, job Job) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			on, changed := s.state()
			if !on {
				cancel()
				return
			}
			select {
			case <-changed:
			case <-done:
				return
			case <-runCtx.Done():
				return
			}
		}
	}()

	return job.Run(runCtx)
}
