// Package workflow is the orchestration core: it drives a CI failure from
// trigger through classification, human approval, AI analysis, the
// feedback loop and the fix pipeline, and projects the result for pollers.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/internal/metrics"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"golang.org/x/sync/singleflight"
)

const jobStatusTTL = 30 * time.Minute

// errInterrupted ends a job because the service is shutting down. The
// owning entity is left as is so Resume can pick it up again.
var errInterrupted = errors.New("interrupted by shutdown")

// Config tunes timeouts and fix pipeline behavior.
type Config struct {
	ExternalTimeout   time.Duration
	BuildPollInterval time.Duration
	BuildTimeout      time.Duration
	// ConfidenceWarning only flags low-confidence fixes; it never blocks approval.
	ConfidenceWarning float64
	AutoCreateBug     bool
	StatsTTL          time.Duration
	BaseBranch        string
	FixBranchPrefix   string
}

// ConfigFrom assembles a Config from the loaded application config.
func ConfigFrom(wf config.WorkflowConfig, ch config.CodeHostConfig) Config {
	return Config{
		ExternalTimeout:   wf.ExternalTimeout,
		BuildPollInterval: wf.BuildPollInterval,
		BuildTimeout:      wf.BuildTimeout,
		ConfidenceWarning: wf.ConfidenceWarning,
		AutoCreateBug:     wf.AutoCreateBug,
		StatsTTL:          wf.StatsTTL,
		BaseBranch:        ch.BaseBranch,
		FixBranchPrefix:   ch.FixBranchPrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.ExternalTimeout <= 0 {
		c.ExternalTimeout = 2 * time.Minute
	}
	if c.BuildPollInterval <= 0 {
		c.BuildPollInterval = 30 * time.Second
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 45 * time.Minute
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = 5 * time.Second
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.FixBranchPrefix == "" {
		c.FixBranchPrefix = "fix/build-"
	}
	return c
}

// Dependencies are the collaborators the Service drives.
type Dependencies struct {
	Store      store.Store
	Cache      cache.Cache
	Classifier models.Classifier
	Engine     models.AnalysisEngine
	CodeHost   models.CodeHost
	Tracker    models.IssueTracker
	// Routes defaults to DefaultRoutingTable.
	Routes *RoutingTable
}

// Service implements the approval gate, analysis orchestrator, fix pipeline
// and status projector. Mutations on one build are serialized; external
// calls are never made while holding the build's lock.
type Service struct {
	store      store.Store
	cache      cache.Cache
	classifier models.Classifier
	engine     models.AnalysisEngine
	codehost   models.CodeHost
	tracker    models.IssueTracker
	routes     *RoutingTable
	cfg        Config

	locks *keyedMutex
	reads singleflight.Group
	now   func() time.Time

	// ctx bounds interruptible background work such as build watchers.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(deps Dependencies, cfg Config) *Service {
	routes := deps.Routes
	if routes == nil {
		routes = DefaultRoutingTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      deps.Store,
		cache:      deps.Cache,
		classifier: deps.Classifier,
		engine:     deps.Engine,
		codehost:   deps.CodeHost,
		tracker:    deps.Tracker,
		routes:     routes,
		cfg:        cfg.withDefaults(),
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Wait blocks until every background job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops build watchers and waits for in-flight jobs until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workflow jobs: %w", ctx.Err())
	}
}

// task is one external call tracked as a Job.
type task struct {
	buildID string
	jobType string
	// interruptible tasks stop when the service shuts down.
	interruptible bool
	// run does the work; a non-nil id is recorded as the job's ref_id.
	run func(ctx context.Context) (*uuid.UUID, error)
	// onFailure moves the owning entity to its failed sub-state. It also runs after a panic.
	onFailure func(ctx context.Context, err error)
}

func (s *Service) newJob(ctx context.Context, t task) (*models.Job, error) {
	now := s.now()
	job := &models.Job{
		ID:        uuid.New(),
		BuildID:   t.buildID,
		Type:      t.jobType,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating %s job: %w", t.jobType, err)
	}
	_ = s.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, jobStatusTTL)
	return job, nil
}

// dispatch records a pending job and runs it in the background.
func (s *Service) dispatch(ctx context.Context, t task) (*models.Job, error) {
	job, err := s.newJob(ctx, t)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(s.ctx)
	if t.interruptible {
		runCtx = s.ctx
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(runCtx, job, t)
	}()
	return job, nil
}

// runInline records a job and runs it on the caller's goroutine. The caller's
// cancellation is detached: once dispatched, the outcome is always recorded.
// The caller must not hold the build lock.
func (s *Service) runInline(ctx context.Context, t task) (*models.Job, error) {
	job, err := s.newJob(ctx, t)
	if err != nil {
		if t.onFailure != nil {
			t.onFailure(context.WithoutCancel(ctx), err)
		}
		return nil, err
	}
	return job, s.execute(context.WithoutCancel(ctx), job, t)
}

func (s *Service) execute(ctx context.Context, job *models.Job, t task) (err error) {
	start := s.now()
	log := slog.With("job_id", job.ID, "build_id", job.BuildID, "job_type", job.Type)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in workflow job", "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
			s.failJob(ctx, log, job, t, err, start)
		}
	}()

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		log.Error("marking job running", "error", err)
	}
	_ = s.cache.SetJobStatus(ctx, job.ID, models.JobStatusRunning, jobStatusTTL)

	ref, err := t.run(ctx)
	if err != nil {
		s.failJob(ctx, log, job, t, err, start)
		return err
	}

	var opts []store.JobUpdateOption
	if ref != nil {
		opts = append(opts, store.WithRefID(*ref))
	}
	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, opts...); err != nil {
		log.Error("marking job completed", "error", err)
	}
	_ = s.cache.SetJobStatus(ctx, job.ID, models.JobStatusCompleted, jobStatusTTL)
	metrics.ObserveJob(job.Type, models.JobStatusCompleted, s.now().Sub(start))
	s.invalidate(ctx)

	log.Info("workflow job completed", "duration_ms", s.now().Sub(start).Milliseconds())
	return nil
}

func (s *Service) failJob(ctx context.Context, log *slog.Logger, job *models.Job, t task, cause error, start time.Time) {
	log.Warn("workflow job failed", "error", cause)

	if t.onFailure != nil && !errors.Is(cause, errInterrupted) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recording job failure", "error", r)
				}
			}()
			t.onFailure(ctx, cause)
		}()
	}

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(cause.Error())); err != nil {
		log.Error("marking job failed", "error", err)
	}
	_ = s.cache.SetJobStatus(ctx, job.ID, models.JobStatusFailed, jobStatusTTL)
	metrics.ObserveJob(job.Type, models.JobStatusFailed, s.now().Sub(start))
	s.invalidate(ctx)
}

// external runs fn under the external call timeout and records its latency.
func (s *Service) external(ctx context.Context, adapter, operation string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	metrics.ObserveExternal(adapter, operation, err, time.Since(start))
	return err
}

// invalidate drops cached aggregate views after a write.
func (s *Service) invalidate(ctx context.Context) {
	_ = s.cache.Delete(ctx, cache.WorkflowStatsKey())
	_ = s.cache.Delete(ctx, cache.ApprovalStatsKey())
}

// GetJob returns the stored job.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// GetJobStatus answers status polls from the cache, falling back to the store.
func (s *Service) GetJobStatus(ctx context.Context, id uuid.UUID) (string, error) {
	if status, found, err := s.cache.GetJobStatus(ctx, id); err == nil && found {
		return status, nil
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}
