package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/metrics"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/internal/tracker"
	"github.com/kiranshivaraju/cihealer/pkg/diff"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"golang.org/x/time/rate"
)

// maxPollErrors is how many consecutive status lookups may fail before the
// build watcher gives up.
const maxPollErrors = 5

// FixResult is returned once a fix PR is open. Job is the build watcher.
type FixResult struct {
	Pipeline      *models.PipelineItem `json:"pipeline"`
	PRNumber      int                  `json:"pr_number"`
	PRURL         string               `json:"pr_url"`
	LowConfidence bool                 `json:"low_confidence"`
	Job           *models.Job          `json:"job,omitempty"`
}

// ApproveFix opens the pull request for an analysis' code patch. It succeeds
// at most once per analysis; any later call returns ErrConflict.
func (s *Service) ApproveFix(ctx context.Context, analysisID uuid.UUID, approver string) (*FixResult, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, validationf("approver is required")
	}
	a, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}

	var branch string
	p, err := func() (*models.PipelineItem, error) {
		unlock := s.locks.Lock(a.BuildID)
		defer unlock()

		// Re-read under the lock; feedback may have landed since.
		a, err = s.store.GetAnalysis(ctx, analysisID)
		if err != nil {
			return nil, err
		}
		p, err := s.store.GetPipelineByAnalysis(ctx, analysisID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, notFoundf("no fix pipeline for analysis %s", analysisID)
			}
			return nil, err
		}
		switch {
		case p.Stage.Rank() >= models.StagePRCreated.Rank():
			return nil, conflictf("fix for analysis %s was already approved", analysisID)
		case p.Status != models.PipelineActive:
			return nil, conflictf("fix pipeline is %s", p.Status)
		case p.Stage != models.StageHumanApproval:
			return nil, conflictf("fix pipeline is still at %s", p.Stage)
		case a.ValidationStatus == models.ValidationRefining:
			return nil, conflictf("analysis %s is being refined", analysisID)
		case a.ValidationStatus == models.ValidationRejected:
			return nil, conflictf("analysis %s was rejected", analysisID)
		}
		if a.Content.CodePatch == nil {
			return nil, validationf("analysis %s has no code patch to publish", analysisID)
		}
		branch, err = s.fixBranch(ctx, p)
		if err != nil {
			return nil, err
		}

		claimed, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
			Stages:   []models.Stage{models.StageHumanApproval},
			Statuses: []models.PipelineStatus{models.PipelineActive},
		}, store.ToStatus(models.PipelineInFlight), store.WithApprover(approver), store.ClearPipelineError())
		if err != nil {
			return nil, err
		}
		metrics.RecordStage(string(claimed.Stage), string(models.PipelineInFlight))
		s.invalidate(ctx)
		return claimed, nil
	}()
	if err != nil {
		return nil, err
	}

	failure, err := s.store.GetFailure(ctx, a.BuildID)
	if err != nil {
		return nil, err
	}

	pr := models.PRRequest{
		BuildID: a.BuildID,
		Title:   prTitle(failure, a),
		Body:    s.prBody(failure, a),
		Branch:  branch,
		Base:    s.cfg.BaseBranch,
		Patch:   *a.Content.CodePatch,
	}
	inFlight := store.PipelineGuard{
		Stages:   []models.Stage{models.StageHumanApproval},
		Statuses: []models.PipelineStatus{models.PipelineInFlight},
	}

	var opened *models.PipelineItem
	_, err = s.runInline(ctx, task{
		buildID: a.BuildID,
		jobType: models.JobTypeCreatePR,
		run: func(ctx context.Context) (*uuid.UUID, error) {
			var result models.PullRequest
			err := s.external(ctx, s.codehost.Name(), "create_pr", func(ctx context.Context) error {
				var err error
				result, err = s.codehost.CreatePR(ctx, pr)
				return err
			})
			if err != nil {
				return nil, externalf(err, "opening pull request for build %s", a.BuildID)
			}
			ref := result.Ref
			if ref == "" {
				ref = pr.Branch
			}

			unlock := s.locks.Lock(a.BuildID)
			defer unlock()
			opened, err = s.store.UpdatePipeline(ctx, p.ID, inFlight,
				store.ToStage(models.StagePRCreated),
				store.ToStatus(models.PipelineActive),
				store.WithPR(result.Number, result.URL, ref),
			)
			if err != nil {
				return nil, fmt.Errorf("recording pull request: %w", err)
			}
			metrics.RecordStage(string(models.StagePRCreated), string(models.PipelineActive))
			return &p.ID, nil
		},
		onFailure: func(ctx context.Context, err error) {
			unlock := s.locks.Lock(a.BuildID)
			defer unlock()
			s.failPipeline(ctx, p, inFlight, err)
		},
	})
	if err != nil {
		return nil, err
	}

	slog.Info("fix pull request opened",
		"build_id", a.BuildID,
		"analysis_id", analysisID,
		"pr_number", deref(opened.PRNumber),
		"approver", approver,
	)

	result := &FixResult{
		Pipeline:      opened,
		PRNumber:      deref(opened.PRNumber),
		PRURL:         deref(opened.PRURL),
		LowConfidence: a.Content.Confidence < s.cfg.ConfidenceWarning,
	}
	result.Job, err = s.watchBuild(ctx, opened)
	if err != nil {
		slog.Error("starting build watcher", "build_id", a.BuildID, "error", err)
	}
	return result, nil
}

func prTitle(f *models.FailureRecord, a *models.AnalysisRecord) string {
	return fmt.Sprintf("fix(%s): %s failure in build %s", strings.ToLower(string(a.Content.Classification)), f.JobName, f.BuildID)
}

func (s *Service) prBody(f *models.FailureRecord, a *models.AnalysisRecord) string {
	c := a.Content
	var b strings.Builder
	fmt.Fprintf(&b, "## Automated fix for build %s\n\n", f.BuildID)
	fmt.Fprintf(&b, "**Job:** %s\n", f.JobName)
	if f.TestName != "" {
		fmt.Fprintf(&b, "**Test:** %s\n", f.TestName)
	}
	fmt.Fprintf(&b, "**Category:** %s\n", c.Classification)
	fmt.Fprintf(&b, "**Confidence:** %d%%\n\n", int(math.Round(c.Confidence*100)))
	if c.Confidence < s.cfg.ConfidenceWarning {
		fmt.Fprintf(&b, "> **Warning:** confidence is below the %d%% review threshold. Review this change carefully.\n\n",
			int(math.Round(s.cfg.ConfidenceWarning*100)))
	}
	fmt.Fprintf(&b, "### Root cause\n\n%s\n\n", c.RootCause)
	fmt.Fprintf(&b, "### Fix\n\n%s\n", c.FixRecommendation)
	if c.CodePatch != nil && c.CodePatch.FilePath != "" {
		fmt.Fprintf(&b, "\nChanged file: `%s`\n", c.CodePatch.FilePath)
	}
	return b.String()
}

// watchBuild dispatches a job that polls CI for the fix branch until the
// build finishes or BuildTimeout passes.
func (s *Service) watchBuild(ctx context.Context, p *models.PipelineItem) (*models.Job, error) {
	ref := deref(p.Branch)
	return s.dispatch(ctx, task{
		buildID:       p.BuildID,
		jobType:       models.JobTypeVerifyBuild,
		interruptible: true,
		run: func(ctx context.Context) (*uuid.UUID, error) {
			return s.verifyBuild(ctx, p, ref)
		},
		onFailure: func(ctx context.Context, err error) {
			unlock := s.locks.Lock(p.BuildID)
			defer unlock()
			s.failPipeline(ctx, p, store.PipelineGuard{
				Stages:   []models.Stage{models.StagePRCreated, models.StageBuildRunning},
				Statuses: []models.PipelineStatus{models.PipelineActive},
			}, err)
		},
	})
}

func (s *Service) verifyBuild(ctx context.Context, p *models.PipelineItem, ref string) (*uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.cfg.BuildPollInterval), 1)
	log := slog.With("build_id", p.BuildID, "ref", ref)

	pollErrors := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			if s.ctx.Err() != nil {
				return nil, errInterrupted
			}
			return nil, externalf(context.DeadlineExceeded, "build for %s did not finish within %s", p.BuildID, s.cfg.BuildTimeout)
		}

		var status models.BuildStatus
		err := s.external(ctx, s.codehost.Name(), "get_build_status", func(ctx context.Context) error {
			var err error
			status, err = s.codehost.GetBuildStatus(ctx, ref)
			return err
		})
		if err != nil {
			pollErrors++
			log.Warn("polling build status", "error", err, "attempt", pollErrors)
			if pollErrors >= maxPollErrors {
				return nil, externalf(err, "polling build status for %s", p.BuildID)
			}
			continue
		}
		pollErrors = 0

		done, err := s.recordBuildStatus(ctx, p, status)
		if err != nil {
			return nil, err
		}
		if !done {
			continue
		}

		log.Info("fix build finished", "status", status)
		if status == models.BuildPassed && s.cfg.AutoCreateBug {
			if _, err := s.CreateBug(ctx, p.BuildID); err != nil {
				log.Warn("filing bug after passed build", "error", err)
			}
		}
		return &p.ID, nil
	}
}

// recordBuildStatus advances the pipeline for one polled status and reports
// whether the build has finished.
func (s *Service) recordBuildStatus(ctx context.Context, p *models.PipelineItem, status models.BuildStatus) (bool, error) {
	if status == models.BuildPending {
		return false, nil
	}

	unlock := s.locks.Lock(p.BuildID)
	defer unlock()

	_, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
		Stages:   []models.Stage{models.StagePRCreated},
		Statuses: []models.PipelineStatus{models.PipelineActive},
	}, store.ToStage(models.StageBuildRunning), store.WithBuildStatus(models.BuildRunning))
	switch {
	case err == nil:
		metrics.RecordStage(string(models.StageBuildRunning), string(models.PipelineActive))
		s.invalidate(ctx)
	case !errors.Is(err, store.ErrConflict):
		return false, fmt.Errorf("marking build running: %w", err)
	}

	if !status.Done() {
		return false, nil
	}

	stage := models.StageBuildPassed
	if status == models.BuildFailed {
		stage = models.StageBuildFailed
	}
	if _, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
		Stages:   []models.Stage{models.StageBuildRunning},
		Statuses: []models.PipelineStatus{models.PipelineActive},
	}, store.ToStage(stage), store.WithBuildStatus(status)); err != nil {
		return false, fmt.Errorf("recording build %s: %w", status, err)
	}
	metrics.RecordStage(string(stage), string(models.PipelineActive))
	s.invalidate(ctx)
	return true, nil
}

// BugResult identifies the tracker ticket of a verified fix. Created is
// false when the ticket already existed.
type BugResult struct {
	Pipeline *models.PipelineItem `json:"pipeline"`
	Key      string               `json:"jira_key"`
	URL      string               `json:"jira_url"`
	Created  bool                 `json:"created"`
}

// CreateBug files the tracker ticket for a build whose fix passed
// verification. Calling it again after success returns the existing ticket.
func (s *Service) CreateBug(ctx context.Context, buildID string) (*BugResult, error) {
	var existing *BugResult
	p, err := func() (*models.PipelineItem, error) {
		unlock := s.locks.Lock(buildID)
		defer unlock()

		p, err := s.store.GetLatestPipeline(ctx, buildID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, notFoundf("no fix pipeline for build %s", buildID)
			}
			return nil, err
		}
		if p.JiraKey != nil {
			existing = &BugResult{Pipeline: p, Key: *p.JiraKey, URL: deref(p.JiraURL)}
			return p, nil
		}
		if p.Status == models.PipelineInFlight {
			return nil, conflictf("a bug is already being filed for build %s", buildID)
		}
		if p.Stage != models.StageBuildPassed ||
			(p.Status != models.PipelineActive && p.Status != models.PipelineFailed) {
			return nil, notFoundf("no passed fix build for %s (pipeline at %s, %s)", buildID, p.Stage, p.Status)
		}

		claimed, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
			Stages:   []models.Stage{models.StageBuildPassed},
			Statuses: []models.PipelineStatus{models.PipelineActive, models.PipelineFailed},
		}, store.ToStatus(models.PipelineInFlight), store.ClearPipelineError())
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	failure, err := s.store.GetFailure(ctx, buildID)
	if err != nil {
		return nil, err
	}
	var content models.AnalysisContent
	if a, err := s.store.GetAnalysis(ctx, p.AnalysisID); err == nil {
		content = a.Content
	}
	occurrences := 1
	if failure.Fingerprint != "" {
		if similar, err := s.store.ListSimilarFailures(ctx, failure.Fingerprint, buildID, 100); err == nil {
			occurrences += len(similar)
		}
	}
	category := content.Classification
	if category == "" {
		category = s.routedCategory(ctx, buildID)
	}
	req := tracker.NewBugRequest(tracker.BugInput{
		Failure:     *failure,
		Category:    category,
		Analysis:    content,
		PRURL:       deref(p.PRURL),
		Occurrences: occurrences,
	})

	inFlight := store.PipelineGuard{
		Stages:   []models.Stage{models.StageBuildPassed},
		Statuses: []models.PipelineStatus{models.PipelineInFlight},
	}
	var filed *models.PipelineItem
	_, err = s.runInline(ctx, task{
		buildID: buildID,
		jobType: models.JobTypeCreateBug,
		run: func(ctx context.Context) (*uuid.UUID, error) {
			var bug models.Bug
			err := s.external(ctx, s.tracker.Name(), "create_bug", func(ctx context.Context) error {
				var err error
				bug, err = s.tracker.CreateBug(ctx, req)
				return err
			})
			if err != nil {
				return nil, externalf(err, "filing bug for build %s", buildID)
			}

			unlock := s.locks.Lock(buildID)
			defer unlock()
			filed, err = s.store.UpdatePipeline(ctx, p.ID, inFlight,
				store.ToStage(models.StageJiraCreated),
				store.ToStatus(models.PipelineActive),
				store.WithJira(bug.Key, bug.URL),
			)
			if err != nil {
				return nil, fmt.Errorf("recording bug %s: %w", bug.Key, err)
			}
			metrics.RecordStage(string(models.StageJiraCreated), string(models.PipelineActive))
			return &p.ID, nil
		},
		onFailure: func(ctx context.Context, err error) {
			unlock := s.locks.Lock(buildID)
			defer unlock()
			s.failPipeline(ctx, p, inFlight, err)
		},
	})
	if err != nil {
		return nil, err
	}

	slog.Info("bug filed", "build_id", buildID, "jira_key", deref(filed.JiraKey))
	return &BugResult{Pipeline: filed, Key: deref(filed.JiraKey), URL: deref(filed.JiraURL), Created: true}, nil
}

// RejectFix declines the proposed fix. Only a fix awaiting approval can be rejected.
func (s *Service) RejectFix(ctx context.Context, analysisID uuid.UUID, rejector, reason string) (*models.PipelineItem, error) {
	rejector, reason = strings.TrimSpace(rejector), strings.TrimSpace(reason)
	if rejector == "" {
		return nil, validationf("rejector is required")
	}
	if reason == "" {
		return nil, validationf("reason is required")
	}
	a, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(a.BuildID)
	defer unlock()

	p, err := s.store.GetPipelineByAnalysis(ctx, analysisID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("no fix pipeline for analysis %s", analysisID)
		}
		return nil, err
	}
	rejected, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
		Stages:   []models.Stage{models.StageHumanApproval},
		Statuses: []models.PipelineStatus{models.PipelineActive},
	}, store.ToStatus(models.PipelineRejected), store.WithRejection(rejector, reason))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, conflictf("fix pipeline is at %s (%s) and cannot be rejected", p.Stage, p.Status)
		}
		return nil, err
	}
	metrics.RecordStage(string(rejected.Stage), string(models.PipelineRejected))
	s.invalidate(ctx)

	slog.Info("fix rejected", "build_id", a.BuildID, "analysis_id", analysisID, "rejector", rejector)
	return rejected, nil
}

// RestartResult is the fresh pipeline created by Restart.
type RestartResult struct {
	Pipeline   *models.PipelineItem `json:"pipeline"`
	AnalysisID uuid.UUID            `json:"analysis_id"`
	Job        *models.Job          `json:"job,omitempty"`
}

// fixBranch names the branch a pipeline publishes its fix on. The first
// pipeline of a build uses the plain prefix and build id; pipelines created
// by a restart add their own id so they never reuse a failed attempt's
// branch or pull request.
func (s *Service) fixBranch(ctx context.Context, p *models.PipelineItem) (string, error) {
	branch := s.cfg.FixBranchPrefix + p.BuildID
	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{BuildID: p.BuildID, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("loading workflow: %w", err)
	}
	if len(workflows) == 1 {
		if ps := workflows[0].Pipelines; len(ps) > 0 && ps[0].ID != p.ID {
			branch += "-" + p.ID.String()[:8]
		}
	}
	return branch, nil
}

// Restart re-runs analysis after a failed fix build or a failed external
// call. The failed pipeline is kept and a new one is created.
func (s *Service) Restart(ctx context.Context, buildID string) (*RestartResult, error) {
	unlock := s.locks.Lock(buildID)
	defer unlock()

	prev, err := s.store.GetLatestPipeline(ctx, buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundf("no fix pipeline for build %s", buildID)
		}
		return nil, err
	}
	restartable := prev.Stage == models.StageBuildFailed || prev.Status == models.PipelineFailed
	if prev.Stage == models.StageBuildPassed || prev.Stage == models.StageJiraCreated {
		restartable = false
	}
	if !restartable {
		return nil, conflictf("pipeline for build %s is at %s (%s) and cannot be restarted", buildID, prev.Stage, prev.Status)
	}

	now := s.now()
	p := &models.PipelineItem{
		ID:         uuid.New(),
		BuildID:    buildID,
		AnalysisID: uuid.New(),
		Stage:      models.StageAIAnalysis,
		Status:     models.PipelineActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreatePipelineItem(ctx, p); err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	metrics.RecordStage(string(models.StageAIAnalysis), string(models.PipelineActive))
	s.invalidate(ctx)

	slog.Info("pipeline restarted", "build_id", buildID, "previous_pipeline_id", prev.ID, "pipeline_id", p.ID)

	job, err := s.startAnalysis(ctx, p)
	if err != nil {
		return nil, err
	}
	return &RestartResult{Pipeline: p, AnalysisID: p.AnalysisID, Job: job}, nil
}

// DiffView is the positional diff of an analysis' code patch.
type DiffView struct {
	AnalysisID uuid.UUID `json:"analysis_id"`
	FilePath   string    `json:"file_path"`
	Language   string    `json:"language,omitempty"`
	diff.Result
}

// Diff compares the before and after text of an analysis' code patch.
func (s *Service) Diff(ctx context.Context, analysisID uuid.UUID) (*DiffView, error) {
	a, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	patch := a.Content.CodePatch
	if patch == nil {
		return nil, notFoundf("analysis %s has no code patch", analysisID)
	}
	return &DiffView{
		AnalysisID: analysisID,
		FilePath:   patch.FilePath,
		Language:   patch.Language,
		Result:     diff.Compare(patch.Before, patch.After),
	}, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
