package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/kiranshivaraju/cihealer/internal/metrics"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// Enqueue puts a classified failure in front of a human reviewer.
func (s *Service) Enqueue(ctx context.Context, failure models.FailureRecord, c models.Classification) (*models.ApprovalItem, error) {
	unlock := s.locks.Lock(failure.BuildID)
	defer unlock()

	item := &models.ApprovalItem{
		ID:            uuid.New(),
		BuildID:       failure.BuildID,
		JobName:       failure.JobName,
		ErrorCategory: c.Category,
		Suggestion:    c.Suggestion,
		Confidence:    c.Confidence,
		ReviewStatus:  models.ReviewPending,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueueing approval for %s: %w", failure.BuildID, err)
	}
	s.invalidate(ctx)

	slog.Info("approval enqueued",
		"build_id", item.BuildID,
		"approval_id", item.ID,
		"category", item.ErrorCategory,
		"confidence", item.Confidence,
	)
	return item, nil
}

// DecisionRequest is a reviewer's verdict on an approval item.
type DecisionRequest struct {
	Action            models.DecisionAction
	Reviewer          string
	Feedback          string
	CorrectedCategory *models.Category
}

// DecisionResult reports where a decision routed the failure. Job is the
// analysis job when AITriggered is set.
type DecisionResult struct {
	Approval    *models.ApprovalItem `json:"approval"`
	Resolved    bool                 `json:"resolved"`
	AITriggered bool                 `json:"ai_triggered"`
	BuildID     string               `json:"build_id"`
	AnalysisID  *uuid.UUID           `json:"analysis_id,omitempty"`
	Job         *models.Job          `json:"job,omitempty"`
}

// Decide applies a reviewer's decision. Decisions are final: deciding an
// item that is no longer pending returns ErrConflict and changes nothing.
func (s *Service) Decide(ctx context.Context, approvalID uuid.UUID, req DecisionRequest) (*DecisionResult, error) {
	status, ok := req.Action.Status()
	if !ok {
		return nil, validationf("unknown action %q", req.Action)
	}
	req.Reviewer = strings.TrimSpace(req.Reviewer)
	if req.Reviewer == "" {
		return nil, validationf("reviewer is required")
	}
	if req.CorrectedCategory != nil && !req.CorrectedCategory.Valid() {
		return nil, validationf("unknown category %q", *req.CorrectedCategory)
	}

	item, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(item.BuildID)
	defer unlock()

	category := item.ErrorCategory
	if req.Action == models.ActionApprove && req.CorrectedCategory != nil {
		category = *req.CorrectedCategory
	}
	route := s.routes.Resolve(req.Action, category)

	d := store.Decision{
		Action:            req.Action,
		Status:            status,
		Reviewer:          req.Reviewer,
		Feedback:          req.Feedback,
		CorrectedCategory: req.CorrectedCategory,
		RoutedCategory:    category,
		DecidedAt:         s.now(),
	}
	if route.NeedsAIAnalysis {
		latest, err := s.store.GetLatestPipeline(ctx, item.BuildID)
		switch {
		case err == nil && latest.Live():
			return nil, conflictf("build %s already has a fix pipeline at %s (%s)", item.BuildID, latest.Stage, latest.Status)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("loading pipeline for build %s: %w", item.BuildID, err)
		}

		analysisID := uuid.New()
		d.AnalysisID = &analysisID
		d.Pipeline = &models.PipelineItem{
			ID:         uuid.New(),
			BuildID:    item.BuildID,
			AnalysisID: analysisID,
			Stage:      models.StageAIAnalysis,
			Status:     models.PipelineActive,
			CreatedAt:  d.DecidedAt,
			UpdatedAt:  d.DecidedAt,
		}
	}

	decided, err := s.store.DecideApproval(ctx, approvalID, d)
	if err != nil {
		return nil, fmt.Errorf("deciding approval %s: %w", approvalID, err)
	}
	metrics.RecordDecision(string(req.Action))
	s.invalidate(ctx)

	result := &DecisionResult{
		Approval: decided,
		Resolved: route.TerminalOnApproval,
		BuildID:  decided.BuildID,
	}
	slog.Info("approval decided",
		"build_id", decided.BuildID,
		"approval_id", decided.ID,
		"action", req.Action,
		"category", category,
		"reviewer", req.Reviewer,
	)

	if d.Pipeline == nil {
		return result, nil
	}

	metrics.RecordStage(string(models.StageAIAnalysis), string(models.PipelineActive))
	result.AITriggered = true
	result.AnalysisID = d.AnalysisID
	// The decision stands even if the job cannot start; the pipeline
	// then shows as failed and can be restarted.
	job, err := s.startAnalysis(ctx, d.Pipeline)
	if err != nil {
		slog.Warn("starting analysis after approval", "build_id", decided.BuildID, "pipeline_id", d.Pipeline.ID, "error", err)
	}
	result.Job = job
	return result, nil
}

// ListApprovals pages through approval items, newest first.
func (s *Service) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]*models.ApprovalItem, error) {
	return s.store.ListApprovals(ctx, filter)
}

// GetApproval returns one approval item.
func (s *Service) GetApproval(ctx context.Context, id uuid.UUID) (*models.ApprovalItem, error) {
	return s.store.GetApproval(ctx, id)
}

// ListApprovalEvents returns the decision audit trail for a build.
func (s *Service) ListApprovalEvents(ctx context.Context, buildID string) ([]*models.ApprovalEvent, error) {
	return s.store.ListApprovalEvents(ctx, buildID)
}

// GetApprovalStats aggregates review outcomes. The result is cached briefly
// and concurrent callers share one store query.
func (s *Service) GetApprovalStats(ctx context.Context) (*models.ApprovalStats, error) {
	key := cache.ApprovalStatsKey()
	if raw, found, err := s.cache.Get(ctx, key); err == nil && found {
		var stats models.ApprovalStats
		if json.Unmarshal(raw, &stats) == nil {
			return &stats, nil
		}
	}

	v, err, _ := s.reads.Do(key, func() (any, error) {
		stats, err := s.store.GetApprovalStats(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.cfg.StatsTTL)
		}
		return stats, nil
	})
	if err != nil {
		return nil, fmt.Errorf("approval stats: %w", err)
	}
	return v.(*models.ApprovalStats), nil
}
