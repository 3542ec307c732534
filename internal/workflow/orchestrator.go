package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/ai"
	"github.com/kiranshivaraju/cihealer/internal/metrics"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

const similarCaseLimit = 5

// startAnalysis dispatches the analysis job for a pipeline sitting at ai_analysis.
func (s *Service) startAnalysis(ctx context.Context, p *models.PipelineItem) (*models.Job, error) {
	guard := store.PipelineGuard{
		Stages:   []models.Stage{models.StageAIAnalysis},
		Statuses: []models.PipelineStatus{models.PipelineActive},
	}
	job, err := s.dispatch(ctx, task{
		buildID: p.BuildID,
		jobType: models.JobTypeAnalyze,
		run: func(ctx context.Context) (*uuid.UUID, error) {
			return s.analyze(ctx, p)
		},
		onFailure: func(ctx context.Context, err error) {
			unlock := s.locks.Lock(p.BuildID)
			defer unlock()
			s.failPipeline(ctx, p, guard, err)
		},
	})
	if err != nil {
		s.failPipeline(ctx, p, guard, err)
		return nil, err
	}
	return job, nil
}

func (s *Service) analyze(ctx context.Context, p *models.PipelineItem) (*uuid.UUID, error) {
	failure, err := s.store.GetFailure(ctx, p.BuildID)
	if err != nil {
		return nil, fmt.Errorf("loading failure: %w", err)
	}
	category := s.routedCategory(ctx, p.BuildID)

	req := models.AnalysisRequest{
		Failure:      *failure,
		Category:     category,
		SimilarCases: s.similarCases(ctx, failure),
	}

	var content models.AnalysisContent
	err = s.external(ctx, s.engine.Name(), "analyze", func(ctx context.Context) error {
		var err error
		content, err = s.engine.Analyze(ctx, req)
		return err
	})
	if err != nil {
		return nil, externalf(err, "analyzing build %s", p.BuildID)
	}
	content = ai.NormalizeContent(content, category)
	if len(content.SimilarCases) == 0 {
		content.SimilarCases = req.SimilarCases
	}

	unlock := s.locks.Lock(p.BuildID)
	defer unlock()

	now := s.now()
	record := &models.AnalysisRecord{
		ID:               p.AnalysisID,
		BuildID:          p.BuildID,
		Content:          content,
		ValidationStatus: models.ValidationPending,
		Provider:         s.engine.Name(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateAnalysis(ctx, record); err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}
	if _, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
		Stages:   []models.Stage{models.StageAIAnalysis},
		Statuses: []models.PipelineStatus{models.PipelineActive},
	}, store.ToStage(models.StageHumanApproval)); err != nil {
		return nil, fmt.Errorf("advancing pipeline: %w", err)
	}
	metrics.RecordStage(string(models.StageHumanApproval), string(models.PipelineActive))

	slog.Info("analysis completed",
		"build_id", p.BuildID,
		"analysis_id", record.ID,
		"confidence", content.Confidence,
		"has_patch", content.CodePatch != nil,
	)
	return &record.ID, nil
}

// routedCategory is the category the latest approval decision routed on.
func (s *Service) routedCategory(ctx context.Context, buildID string) models.Category {
	item, err := s.store.GetLatestApproval(ctx, buildID)
	if err != nil {
		return models.CategoryCodeError
	}
	if item.ReviewStatus == models.ReviewApproved && item.CorrectedCategory != nil {
		return *item.CorrectedCategory
	}
	return item.ErrorCategory
}

func (s *Service) similarCases(ctx context.Context, f *models.FailureRecord) []models.SimilarCase {
	if f.Fingerprint == "" {
		return nil
	}
	similar, err := s.store.ListSimilarFailures(ctx, f.Fingerprint, f.BuildID, similarCaseLimit)
	if err != nil {
		slog.Warn("listing similar failures", "build_id", f.BuildID, "error", err)
		return nil
	}
	cases := make([]models.SimilarCase, 0, len(similar))
	for _, sf := range similar {
		cases = append(cases, models.SimilarCase{
			BuildID:      sf.BuildID,
			JobName:      sf.JobName,
			ErrorMessage: sf.ErrorMessage,
			OccurredAt:   sf.OccurredAt,
		})
	}
	return cases
}

// failPipeline moves p to the failed sub-state if it still matches guard.
// Callers hold the build lock.
func (s *Service) failPipeline(ctx context.Context, p *models.PipelineItem, guard store.PipelineGuard, cause error) {
	updated, err := s.store.UpdatePipeline(ctx, p.ID, guard,
		store.ToStatus(models.PipelineFailed),
		store.WithPipelineError(cause.Error()),
	)
	if err != nil {
		slog.Error("marking pipeline failed", "build_id", p.BuildID, "pipeline_id", p.ID, "error", err)
		return
	}
	metrics.RecordStage(string(updated.Stage), string(models.PipelineFailed))
	slog.Warn("pipeline failed", "build_id", p.BuildID, "stage", updated.Stage, "error", cause)
}

// FeedbackRequest is human feedback on the current analysis of a build.
type FeedbackRequest struct {
	Type       models.FeedbackType
	Reviewer   string
	Reason     string
	Comment    string
	Suggestion string
	Options    []string
}

func (r *FeedbackRequest) validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	r.Comment = strings.TrimSpace(r.Comment)
	r.Suggestion = strings.TrimSpace(r.Suggestion)

	switch r.Type {
	case models.FeedbackAccept:
	case models.FeedbackReject:
		if r.Reason == "" || r.Comment == "" {
			return validationf("reject requires a reason and a comment")
		}
	case models.FeedbackRefine:
		if r.Suggestion == "" {
			return validationf("refine requires a suggestion")
		}
		options := make([]string, 0, len(r.Options))
		for _, o := range r.Options {
			if o = strings.TrimSpace(o); o != "" {
				options = append(options, o)
			}
		}
		if len(options) == 0 {
			return validationf("refine requires at least one refinement option")
		}
		r.Options = options
	default:
		return validationf("unknown feedback type %q", r.Type)
	}
	return nil
}

// feedbackFrom lists the validation statuses each feedback type may leave.
var feedbackFrom = map[models.FeedbackType][]models.ValidationStatus{
	models.FeedbackAccept: {models.ValidationPending, models.ValidationRefined},
	models.FeedbackReject: {models.ValidationPending, models.ValidationRefined},
	models.FeedbackRefine: {models.ValidationPending, models.ValidationAccepted, models.ValidationRefined},
}

var feedbackTo = map[models.FeedbackType]models.ValidationStatus{
	models.FeedbackAccept: models.ValidationAccepted,
	models.FeedbackReject: models.ValidationRejected,
	models.FeedbackRefine: models.ValidationRefining,
}

// FeedbackResult is the analysis after feedback was applied. Refinement and
// Job are set for refine feedback.
type FeedbackResult struct {
	Analysis   *models.AnalysisRecord   `json:"analysis"`
	Refinement *models.RefinementRecord `json:"refinement,omitempty"`
	Job        *models.Job              `json:"job,omitempty"`
}

// SubmitFeedback applies accept, reject or refine feedback to the current
// analysis of buildID.
func (s *Service) SubmitFeedback(ctx context.Context, buildID string, req FeedbackRequest) (*FeedbackResult, error) {
	return s.submitFeedback(ctx, buildID, nil, req)
}

// RequestFixFeedback sends a proposed fix back for refinement.
func (s *Service) RequestFixFeedback(ctx context.Context, analysisID uuid.UUID, req FeedbackRequest) (*FeedbackResult, error) {
	a, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	req.Type = models.FeedbackRefine
	return s.submitFeedback(ctx, a.BuildID, &analysisID, req)
}

func (s *Service) submitFeedback(ctx context.Context, buildID string, analysisID *uuid.UUID, req FeedbackRequest) (*FeedbackResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(buildID)
	defer unlock()

	a, err := s.store.GetCurrentAnalysis(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if analysisID != nil && a.ID != *analysisID {
		return nil, conflictf("analysis %s has been superseded by %s", *analysisID, a.ID)
	}

	p, err := s.store.GetPipelineByAnalysis(ctx, a.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading pipeline: %w", err)
	}
	if p != nil && (p.Status == models.PipelineInFlight || p.Stage.Rank() >= models.StagePRCreated.Rank()) {
		return nil, conflictf("fix for analysis %s is already %s", a.ID, p.Stage)
	}

	from := a.ValidationStatus
	if !allowedFrom(feedbackFrom[req.Type], from) {
		return nil, conflictf("cannot %s an analysis that is %s", req.Type, from)
	}
	to := feedbackTo[req.Type]

	now := s.now()
	fb := models.AnalysisFeedback{
		Type:     req.Type,
		Reviewer: req.Reviewer,
		Reason:   req.Reason,
		Comment:  req.Comment,
		At:       now,
	}

	var entry *models.RefinementRecord
	switch req.Type {
	case models.FeedbackRefine:
		entry = &models.RefinementRecord{
			ID:             uuid.New(),
			BuildID:        buildID,
			AnalysisID:     a.ID,
			FeedbackType:   models.FeedbackRefine,
			Reviewer:       req.Reviewer,
			Comment:        req.Comment,
			Suggestion:     req.Suggestion,
			Options:        req.Options,
			Original:       a.Content,
			PreviousStatus: from,
			State:          models.RefinementPending,
			CreatedAt:      now,
		}
	case models.FeedbackReject:
		entry = &models.RefinementRecord{
			ID:             uuid.New(),
			BuildID:        buildID,
			AnalysisID:     a.ID,
			FeedbackType:   models.FeedbackReject,
			Reviewer:       req.Reviewer,
			Reason:         req.Reason,
			Comment:        req.Comment,
			Original:       a.Content,
			PreviousStatus: from,
			State:          models.RefinementClosed,
			CreatedAt:      now,
			CompletedAt:    &now,
		}
	}

	if err := s.store.ApplyFeedback(ctx, a.ID, from, to, fb, entry); err != nil {
		return nil, fmt.Errorf("applying %s feedback: %w", req.Type, err)
	}
	metrics.RecordFeedback(string(req.Type))
	s.invalidate(ctx)

	if req.Type == models.FeedbackReject && p != nil {
		_, err := s.store.UpdatePipeline(ctx, p.ID, store.PipelineGuard{
			Stages:   []models.Stage{models.StageHumanApproval},
			Statuses: []models.PipelineStatus{models.PipelineActive},
		}, store.ToStatus(models.PipelineRejected), store.WithRejection(req.Reviewer, req.Reason))
		if err != nil && !errors.Is(err, store.ErrConflict) {
			slog.Error("rejecting pipeline", "build_id", buildID, "error", err)
		}
	}

	slog.Info("analysis feedback applied",
		"build_id", buildID,
		"analysis_id", a.ID,
		"type", req.Type,
		"from", from,
		"to", to,
	)

	result := &FeedbackResult{Refinement: entry}
	if req.Type == models.FeedbackRefine {
		job, err := s.dispatch(ctx, task{
			buildID: buildID,
			jobType: models.JobTypeRefine,
			run: func(ctx context.Context) (*uuid.UUID, error) {
				return s.refine(ctx, entry.ID)
			},
			onFailure: func(ctx context.Context, err error) {
				s.failRefinement(ctx, entry, err)
			},
		})
		if err != nil {
			if ferr := s.store.FailRefinement(ctx, entry.ID, err.Error()); ferr != nil {
				slog.Error("failing refinement", "build_id", buildID, "error", ferr)
			}
			return nil, err
		}
		result.Job = job
	}

	result.Analysis, err = s.store.GetAnalysis(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func allowedFrom(set []models.ValidationStatus, v models.ValidationStatus) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Service) refine(ctx context.Context, refinementID uuid.UUID) (*uuid.UUID, error) {
	r, err := s.store.GetRefinement(ctx, refinementID)
	if err != nil {
		return nil, fmt.Errorf("loading refinement: %w", err)
	}
	failure, err := s.store.GetFailure(ctx, r.BuildID)
	if err != nil {
		return nil, fmt.Errorf("loading failure: %w", err)
	}

	category := r.Original.Classification
	if category == "" {
		category = s.routedCategory(ctx, r.BuildID)
	}
	previous := r.Original
	req := models.AnalysisRequest{
		Failure:      *failure,
		Category:     category,
		SimilarCases: s.similarCases(ctx, failure),
		Previous:     &previous,
		Feedback: &models.RefinementFeedback{
			Suggestion: r.Suggestion,
			Options:    r.Options,
			Comment:    r.Comment,
		},
	}

	var content models.AnalysisContent
	err = s.external(ctx, s.engine.Name(), "refine", func(ctx context.Context) error {
		var err error
		content, err = s.engine.Analyze(ctx, req)
		return err
	})
	if err != nil {
		return nil, externalf(err, "refining analysis %s", r.AnalysisID)
	}
	content = ai.NormalizeContent(content, category)
	if len(content.SimilarCases) == 0 {
		content.SimilarCases = req.SimilarCases
	}

	unlock := s.locks.Lock(r.BuildID)
	defer unlock()
	if err := s.store.CompleteRefinement(ctx, r.ID, content); err != nil {
		return nil, fmt.Errorf("completing refinement: %w", err)
	}

	slog.Info("refinement completed", "build_id", r.BuildID, "analysis_id", r.AnalysisID, "refinement_id", r.ID)
	return &r.AnalysisID, nil
}

func (s *Service) failRefinement(ctx context.Context, r *models.RefinementRecord, cause error) {
	unlock := s.locks.Lock(r.BuildID)
	defer unlock()
	if err := s.store.FailRefinement(ctx, r.ID, cause.Error()); err != nil {
		slog.Error("failing refinement", "build_id", r.BuildID, "refinement_id", r.ID, "error", err)
	}
}

// AnalysisView is the current analysis with its advisory confidence flag.
// LowConfidence never blocks approving the fix.
type AnalysisView struct {
	Analysis          *models.AnalysisRecord `json:"analysis"`
	Pipeline          *models.PipelineItem   `json:"pipeline,omitempty"`
	LowConfidence     bool                   `json:"low_confidence"`
	ConfidenceWarning float64                `json:"confidence_warning_threshold"`
	Refining          bool                   `json:"refining"`
}

// GetAnalysis returns the current analysis of buildID.
func (s *Service) GetAnalysis(ctx context.Context, buildID string) (*AnalysisView, error) {
	a, err := s.store.GetCurrentAnalysis(ctx, buildID)
	if err != nil {
		return nil, err
	}
	view := &AnalysisView{
		Analysis:          a,
		LowConfidence:     a.Content.Confidence < s.cfg.ConfidenceWarning,
		ConfidenceWarning: s.cfg.ConfidenceWarning,
		Refining:          a.ValidationStatus == models.ValidationRefining,
	}
	p, err := s.store.GetPipelineByAnalysis(ctx, a.ID)
	switch {
	case err == nil:
		view.Pipeline = p
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading pipeline: %w", err)
	}
	return view, nil
}

// ListRefinements returns the feedback history of buildID, oldest first.
func (s *Service) ListRefinements(ctx context.Context, buildID string) ([]*models.RefinementRecord, error) {
	if _, err := s.store.GetFailure(ctx, buildID); err != nil {
		return nil, err
	}
	return s.store.ListRefinements(ctx, buildID)
}
