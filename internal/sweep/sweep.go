// Package sweep periodically triggers classification for failures that were
// reported but never picked up.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/robfig/cron/v3"
)

// FailureLister finds failures that have never been triggered.
type FailureLister interface {
	ListUntriggeredFailures(ctx context.Context, olderThan time.Time, limit int) ([]*models.FailureRecord, error)
}

// Triggerer starts a workflow run.
type Triggerer interface {
	Trigger(ctx context.Context, req workflow.TriggerRequest) (*models.Job, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper triggers aged failures on a cron schedule.
type Sweeper struct {
	failures FailureLister
	trigger  Triggerer
	cfg      config.AgingConfig
	schedule cron.Schedule
	now      func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the schedule in cfg and returns a stopped sweeper.
func New(failures FailureLister, trigger Triggerer, cfg config.AgingConfig) (*Sweeper, error) {
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing aging schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.ThresholdDays < 0 {
		return nil, fmt.Errorf("aging threshold must not be negative, got %d", cfg.ThresholdDays)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{
		failures: failures,
		trigger:  trigger,
		cfg:      cfg,
		schedule: sched,
		now:      time.Now,
	}, nil
}

// Start runs the sweep on its schedule until Stop is called.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(s.ctx); err != nil {
			slog.Error("aging sweep failed", "error", err)
		}
	}))
	s.cron.Start()
	slog.Info("aging sweeper started", "schedule", s.cfg.Schedule, "threshold_days", s.cfg.ThresholdDays)
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns when the next sweep is due after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce triggers up to BatchSize failures older than the threshold and
// returns how many were started. Builds that are already moving are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-time.Duration(s.cfg.ThresholdDays) * 24 * time.Hour)
	failures, err := s.failures.ListUntriggeredFailures(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing untriggered failures: %w", err)
	}

	started := 0
	for _, f := range failures {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		_, err := s.trigger.Trigger(ctx, workflow.TriggerRequest{
			BuildID: f.BuildID,
			Source:  models.TriggerAging,
			Reason:  fmt.Sprintf("untriggered for more than %d days", s.cfg.ThresholdDays),
		})
		switch {
		case err == nil:
			started++
		case errors.Is(err, workflow.ErrConflict):
			slog.Debug("aged failure already in progress", "build_id", f.BuildID)
		default:
			slog.Warn("triggering aged failure", "build_id", f.BuildID, "error", err)
		}
	}
	if len(failures) > 0 {
		slog.Info("aging sweep finished", "candidates", len(failures), "triggered", started)
	}
	return started, nil
}
