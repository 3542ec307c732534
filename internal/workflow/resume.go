package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

const interruptedMessage = "interrupted by service restart"

// Resume recovers work left behind by a previous process. Jobs and
// refinements that were running are marked failed, pipelines caught mid
// external call are failed, and analyses and build watchers that can safely
// continue are restarted. It returns how many pipelines were resumed.
func (s *Service) Resume(ctx context.Context) (int, error) {
	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{Limit: statsWindow})
	if err != nil {
		return 0, fmt.Errorf("loading workflows: %w", err)
	}

	resumed := 0
	for _, w := range workflows {
		ok, err := s.resumeWorkflow(ctx, w)
		if err != nil {
			slog.Error("resuming workflow", "build_id", w.Failure.BuildID, "error", err)
			continue
		}
		if ok {
			resumed++
		}
	}
	if resumed > 0 {
		s.invalidate(ctx)
	}
	return resumed, nil
}

func (s *Service) resumeWorkflow(ctx context.Context, w *models.Workflow) (bool, error) {
	buildID := w.Failure.BuildID

	for _, j := range w.Jobs {
		if j.Status != models.JobStatusPending && j.Status != models.JobStatusRunning {
			continue
		}
		if err := s.store.UpdateJobStatus(ctx, j.ID, models.JobStatusFailed, store.WithErrorMessage(interruptedMessage)); err != nil {
			return false, fmt.Errorf("failing job %s: %w", j.ID, err)
		}
		_ = s.cache.SetJobStatus(ctx, j.ID, models.JobStatusFailed, jobStatusTTL)
	}
	for _, r := range w.Refinements {
		if !r.Outstanding() {
			continue
		}
		if err := s.store.FailRefinement(ctx, r.ID, interruptedMessage); err != nil {
			return false, fmt.Errorf("failing refinement %s: %w", r.ID, err)
		}
	}

	p := w.Pipeline()
	if p == nil {
		return false, nil
	}

	switch {
	case p.Status == models.PipelineInFlight:
		// The PR or bug may or may not exist; a person has to retry.
		s.failPipeline(ctx, p, store.PipelineGuard{
			Stages:   []models.Stage{p.Stage},
			Statuses: []models.PipelineStatus{models.PipelineInFlight},
		}, errors.New(interruptedMessage))
		return false, nil

	case p.Status != models.PipelineActive:
		return false, nil

	case p.Stage == models.StageAIAnalysis:
		if _, err := s.store.GetAnalysis(ctx, p.AnalysisID); err == nil {
			_, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
				Stages:   []models.Stage{models.StageAIAnalysis},
				Statuses: []models.PipelineStatus{models.PipelineActive},
			}, store.ToStage(models.StageHumanApproval))
			return err == nil, err
		}
		if _, err := s.startAnalysis(ctx, p); err != nil {
			return false, err
		}
		slog.Info("analysis resumed", "build_id", buildID, "analysis_id", p.AnalysisID)
		return true, nil

	case (p.Stage == models.StagePRCreated || p.Stage == models.StageBuildRunning) && p.Branch != nil:
		if _, err := s.watchBuild(ctx, p); err != nil {
			return false, err
		}
		slog.Info("build watcher resumed", "build_id", buildID, "branch", *p.Branch)
		return true, nil
	}
	return false, nil
}
