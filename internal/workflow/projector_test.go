package workflow

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetActive_ListsMovingWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pending(t, "B-pending", models.CategoryCodeError, 0.9)
	f.proposed(t, "B-proposed")
	done := f.pending(t, "B-done", models.CategoryInfraError, 0.9)
	_, err := f.svc.Decide(ctx, done.ID, DecisionRequest{Action: models.ActionApprove, Reviewer: "alice"})
	require.NoError(t, err)
	_, _, err = f.svc.ReportFailure(ctx, models.FailureRecord{BuildID: "B-untriggered", JobName: "lint"})
	require.NoError(t, err)

	items, err := f.svc.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byBuild := map[string]models.ActiveItem{}
	for _, it := range items {
		byBuild[it.BuildID] = it
	}
	assert.Equal(t, models.PhasePendingApproval, byBuild["B-pending"].Phase)
	assert.Equal(t, 20, byBuild["B-pending"].Progress)
	assert.Nil(t, byBuild["B-pending"].Stage)

	proposed := byBuild["B-proposed"]
	assert.Equal(t, models.PhaseFixProposed, proposed.Phase)
	require.NotNil(t, proposed.Stage)
	assert.Equal(t, models.StageHumanApproval, *proposed.Stage)
	assert.NotNil(t, proposed.AnalysisID)

	assert.False(t, items[0].UpdatedAt.Before(items[1].UpdatedAt))
}

func TestGetActive_ReportsRefiningAndErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.proposed(t, "B-1")

	release := f.blockRefinement()
	_, err := f.svc.SubmitFeedback(ctx, "B-1", refineRequest())
	require.NoError(t, err)

	items, err := f.svc.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Refining)
	assert.Nil(t, items[0].Error)

	release()
	f.svc.Wait()
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"B-1", "B-2"} {
		item := f.pending(t, id, models.CategoryTestError, 0.9)
		_, err := f.svc.Decide(ctx, item.ID, DecisionRequest{Action: models.ActionApprove, Reviewer: "alice"})
		require.NoError(t, err)
	}
	f.pending(t, "B-3", models.CategoryCodeError, 0.9)

	history, err := f.svc.GetHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history {
		assert.True(t, h.Terminal)
		assert.Equal(t, models.PhaseResolved, h.Phase)
	}

	limited, err := f.svc.GetHistory(ctx, HistoryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// A single build is returned whatever its phase.
	one, err := f.svc.GetHistory(ctx, HistoryFilter{BuildID: "B-3"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.False(t, one[0].Terminal)

	_, err = f.svc.GetHistory(ctx, HistoryFilter{BuildID: "B-nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetWorkflow_IncludesApprovalEvents(t *testing.T) {
	f := newFixture(t)
	f.proposed(t, "B-1")

	view, err := f.svc.GetWorkflow(context.Background(), "B-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFixProposed, view.Phase)
	assert.Equal(t, 50, view.Progress)
	assert.NotEmpty(t, view.Events)

	_, err = f.svc.GetWorkflow(context.Background(), "B-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStats_CachedAndInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.proposed(t, "B-1")
	f.pending(t, "B-2", models.CategoryNetworkError, 0.6)

	stats, err := f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.ByPhase[models.PhaseFixProposed])
	assert.Equal(t, 1, stats.ByPhase[models.PhasePendingApproval])
	assert.Equal(t, 1, stats.ByStage[models.StageHumanApproval])
	assert.Equal(t, 1, stats.ByReviewStatus[models.ReviewApproved])
	assert.Equal(t, 1, stats.ByReviewStatus[models.ReviewPending])
	assert.Equal(t, 1, stats.ByValidation[models.ValidationPending])

	_, found, err := f.cache.Get(ctx, cache.WorkflowStatsKey())
	require.NoError(t, err)
	assert.True(t, found)

	f.pending(t, "B-3", models.CategoryCodeError, 0.9)
	_, found, err = f.cache.Get(ctx, cache.WorkflowStatsKey())
	require.NoError(t, err)
	assert.False(t, found)

	stats, err = f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
}
