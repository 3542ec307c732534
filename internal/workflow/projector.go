package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// statsWindow bounds how many of the most recent workflows the projector reads.
const statsWindow = 5000

// HistoryFilter selects terminal workflows. With BuildID set the workflow is
// returned whatever its phase.
type HistoryFilter struct {
	BuildID string
	Since   time.Time
	Limit   int
}

// GetActive lists every workflow that is still moving, most recently updated first.
func (s *Service) GetActive(ctx context.Context) ([]models.ActiveItem, error) {
	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{Limit: statsWindow})
	if err != nil {
		return nil, fmt.Errorf("loading workflows: %w", err)
	}

	items := []models.ActiveItem{}
	for _, w := range workflows {
		phase := DerivePhase(w)
		if !Active(phase) {
			continue
		}
		items = append(items, activeItem(w, phase))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func activeItem(w *models.Workflow, phase models.Phase) models.ActiveItem {
	item := models.ActiveItem{
		BuildID:   w.Failure.BuildID,
		JobName:   w.Failure.JobName,
		Phase:     phase,
		Progress:  Progress(phase),
		Refining:  w.Analysis != nil && w.Analysis.ValidationStatus == models.ValidationRefining,
		Error:     workflowError(w, phase),
		UpdatedAt: lastUpdated(w),
	}
	if p := w.Pipeline(); p != nil {
		stage := p.Stage
		item.Stage = &stage
		id := p.AnalysisID.String()
		item.AnalysisID = &id
	}
	return item
}

// workflowError is the failure message behind a failed phase, if any.
func workflowError(w *models.Workflow, phase models.Phase) *string {
	if phase == models.PhaseClassificationFailed {
		if j := w.LatestJob(models.JobTypeClassify); j != nil {
			return j.ErrorMessage
		}
	}
	if p := w.Pipeline(); p != nil && p.Status == models.PipelineFailed {
		return p.ErrorMessage
	}
	return nil
}

func lastUpdated(w *models.Workflow) time.Time {
	latest := w.Failure.CreatedAt
	bump := func(t time.Time) {
		if t.After(latest) {
			latest = t
		}
	}
	if a := w.Approval; a != nil {
		bump(a.CreatedAt)
		if a.ReviewedAt != nil {
			bump(*a.ReviewedAt)
		}
	}
	if w.Analysis != nil {
		bump(w.Analysis.UpdatedAt)
	}
	for _, p := range w.Pipelines {
		bump(p.UpdatedAt)
	}
	for _, j := range w.Jobs {
		bump(j.UpdatedAt)
	}
	for _, r := range w.Refinements {
		bump(r.CreatedAt)
		if r.CompletedAt != nil {
			bump(*r.CompletedAt)
		}
	}
	return latest
}

func historyEntry(w *models.Workflow) models.HistoryEntry {
	phase := DerivePhase(w)
	return models.HistoryEntry{Workflow: *w, Phase: phase, Terminal: Terminal(phase)}
}

// GetHistory lists finished workflows, newest failure first.
func (s *Service) GetHistory(ctx context.Context, filter HistoryFilter) ([]models.HistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{
		BuildID: filter.BuildID,
		Since:   filter.Since,
		Limit:   statsWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("loading workflows: %w", err)
	}

	entries := []models.HistoryEntry{}
	for _, w := range workflows {
		entry := historyEntry(w)
		if !entry.Terminal && filter.BuildID == "" {
			continue
		}
		entries = append(entries, entry)
		if len(entries) == limit {
			break
		}
	}
	if filter.BuildID != "" && len(entries) == 0 {
		return nil, notFoundf("no failure recorded for build %s", filter.BuildID)
	}
	return entries, nil
}

// WorkflowView is one build's full state with its decision audit trail.
type WorkflowView struct {
	models.HistoryEntry
	Progress int                     `json:"progress"`
	Events   []*models.ApprovalEvent `json:"approval_events"`
}

// GetWorkflow returns everything recorded for buildID.
func (s *Service) GetWorkflow(ctx context.Context, buildID string) (*WorkflowView, error) {
	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{BuildID: buildID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if len(workflows) == 0 {
		return nil, notFoundf("no failure recorded for build %s", buildID)
	}
	events, err := s.store.ListApprovalEvents(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("loading approval events: %w", err)
	}
	entry := historyEntry(workflows[0])
	return &WorkflowView{HistoryEntry: entry, Progress: Progress(entry.Phase), Events: events}, nil
}

// GetStats aggregates the most recent workflows by phase, stage and status.
// Results are cached for StatsTTL and concurrent callers share one computation.
func (s *Service) GetStats(ctx context.Context) (*models.WorkflowStats, error) {
	key := cache.WorkflowStatsKey()
	if raw, found, err := s.cache.Get(ctx, key); err == nil && found {
		var stats models.WorkflowStats
		if json.Unmarshal(raw, &stats) == nil {
			return &stats, nil
		}
	}

	v, err, _ := s.reads.Do(key, func() (any, error) {
		stats, err := s.computeStats(ctx)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.cfg.StatsTTL)
		}
		return stats, nil
	})
	if err != nil {
		return nil, fmt.Errorf("workflow stats: %w", err)
	}
	return v.(*models.WorkflowStats), nil
}

func (s *Service) computeStats(ctx context.Context) (*models.WorkflowStats, error) {
	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{Limit: statsWindow})
	if err != nil {
		return nil, fmt.Errorf("loading workflows: %w", err)
	}

	stats := &models.WorkflowStats{
		Total:          len(workflows),
		ByPhase:        map[models.Phase]int{},
		ByStage:        map[models.Stage]int{},
		ByReviewStatus: map[models.ReviewStatus]int{},
		ByValidation:   map[models.ValidationStatus]int{},
		GeneratedAt:    s.now(),
	}
	for _, w := range workflows {
		phase := DerivePhase(w)
		stats.ByPhase[phase]++
		if Active(phase) {
			stats.Active++
		}
		if p := w.Pipeline(); p != nil {
			stats.ByStage[p.Stage]++
		}
		if w.Approval != nil {
			stats.ByReviewStatus[w.Approval.ReviewStatus]++
		}
		if w.Analysis != nil {
			stats.ByValidation[w.Analysis.ValidationStatus]++
		}
		for _, r := range w.Refinements {
			if r.Outstanding() {
				stats.PendingRefinement++
			}
		}
	}
	return stats, nil
}
