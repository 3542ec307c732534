package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproveFix_FailedBuildEndsWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.host.GetBuildStatusFunc = func(context.Context, string) (models.BuildStatus, error) {
		return models.BuildFailed, nil
	}

	item := f.pending(t, "B-101", models.CategoryCodeError, 0.40)
	res, err := f.svc.Decide(ctx, item.ID, DecisionRequest{Action: models.ActionApprove, Reviewer: "alice"})
	require.NoError(t, err)
	require.True(t, res.AITriggered)
	f.svc.Wait()
	assert.Equal(t, models.PhaseFixProposed, f.phase(t, "B-101"))

	fix, err := f.svc.ApproveFix(ctx, *res.AnalysisID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, fix.PRNumber)
	assert.Equal(t, "https://example.com/pr/1", fix.PRURL)
	require.NotNil(t, fix.Job)
	f.svc.Wait()

	p := f.latestPipeline(t, "B-101")
	assert.Equal(t, models.StageBuildFailed, p.Stage)
	require.NotNil(t, p.BuildStatus)
	assert.Equal(t, models.BuildFailed, *p.BuildStatus)
	require.NotNil(t, p.ApprovedBy)
	assert.Equal(t, "bob", *p.ApprovedBy)
	assert.Equal(t, models.PhaseBuildFailed, f.phase(t, "B-101"))

	_, err = f.svc.CreateBug(ctx, "B-101")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveFix_OpensPullRequestOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	analysisID := f.proposed(t, "B-1")

	var calls atomic.Int32
	f.host.CreatePRFunc = func(_ context.Context, req models.PRRequest) (models.PullRequest, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return models.PullRequest{Number: 42, URL: "https://example.com/pr/42", Branch: req.Branch, Ref: req.Branch}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ApproveFix(ctx, analysisID, "bob")
		}(i)
	}
	wg.Wait()
	f.svc.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int32(1), calls.Load())

	_, err := f.svc.ApproveFix(ctx, analysisID, "carol")
	assert.ErrorIs(t, err, ErrConflict)

	p := f.latestPipeline(t, "B-1")
	require.NotNil(t, p.PRNumber)
	assert.Equal(t, 42, *p.PRNumber)
	require.NotNil(t, p.Branch)
	assert.Equal(t, "fix/build-B-1", *p.Branch)
}

func TestApproveFix_PullRequestContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	analyze := f.ai.AnalyzeFunc
	f.ai.AnalyzeFunc = func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisContent, error) {
		c, err := analyze(ctx, req)
		c.Confidence = 0.4
		return c, err
	}
	analysisID := f.proposed(t, "B-1")

	var sent models.PRRequest
	f.host.CreatePRFunc = func(_ context.Context, req models.PRRequest) (models.PullRequest, error) {
		sent = req
		return models.PullRequest{Number: 3, URL: "https://example.com/pr/3", Ref: req.Branch}, nil
	}

	res, err := f.svc.ApproveFix(ctx, analysisID, "bob")
	require.NoError(t, err)
	assert.True(t, res.LowConfidence)
	f.svc.Wait()

	assert.Equal(t, "B-1", sent.BuildID)
	assert.Equal(t, "fix/build-B-1", sent.Branch)
	assert.Equal(t, "main", sent.Base)
	assert.Equal(t, "fix(code_error): unit-tests failure in build B-1", sent.Title)
	assert.Contains(t, sent.Body, "**Confidence:** 40%")
	assert.Contains(t, sent.Body, "**Warning:** confidence is below the 70% review threshold")
	assert.Contains(t, sent.Body, "`src/app.go`")
	assert.Equal(t, "src/app.go", sent.Patch.FilePath)
}

func TestApproveFix_Preconditions(t *testing.T) {
	t.Run("approver required", func(t *testing.T) {
		f := newFixture(t)
		analysisID := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(context.Background(), analysisID, " ")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown analysis", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ApproveFix(context.Background(), uuid.New(), "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("refining", func(t *testing.T) {
		f := newFixture(t)
		analysisID := f.proposed(t, "B-1")
		release := f.blockRefinement()
		_, err := f.svc.SubmitFeedback(context.Background(), "B-1", refineRequest())
		require.NoError(t, err)

		_, err = f.svc.ApproveFix(context.Background(), analysisID, "bob")
		assert.ErrorIs(t, err, ErrConflict)

		release()
		f.svc.Wait()
		_, err = f.svc.ApproveFix(context.Background(), analysisID, "bob")
		assert.NoError(t, err)
		f.svc.Wait()
	})

	t.Run("no code patch", func(t *testing.T) {
		f := newFixture(t)
		analyze := f.ai.AnalyzeFunc
		f.ai.AnalyzeFunc = func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisContent, error) {
			c, err := analyze(ctx, req)
			c.CodePatch = nil
			return c, err
		}
		analysisID := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(context.Background(), analysisID, "bob")
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, models.PipelineActive, f.latestPipeline(t, "B-1").Status)
	})
}

func TestApproveFix_CodeHostFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	analysisID := f.proposed(t, "B-1")
	f.host.CreatePRFunc = func(context.Context, models.PRRequest) (models.PullRequest, error) {
		return models.PullRequest{}, errors.New("branch protection")
	}

	_, err := f.svc.ApproveFix(ctx, analysisID, "bob")
	assert.ErrorIs(t, err, ErrExternal)

	p := f.latestPipeline(t, "B-1")
	assert.Equal(t, models.StageHumanApproval, p.Stage)
	assert.Equal(t, models.PipelineFailed, p.Status)
	require.NotNil(t, p.ErrorMessage)
	assert.Contains(t, *p.ErrorMessage, "branch protection")
	assert.Equal(t, models.PhasePRFailed, f.phase(t, "B-1"))

	res, err := f.svc.Restart(ctx, "B-1")
	require.NoError(t, err)
	assert.NotEqual(t, analysisID, res.AnalysisID)
	f.svc.Wait()
	assert.Equal(t, models.PhaseFixProposed, f.phase(t, "B-1"))
}

func TestWatchBuild_Failures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.BuildTimeout = 50 * time.Millisecond })
		f.host.GetBuildStatusFunc = func(context.Context, string) (models.BuildStatus, error) {
			return models.BuildRunning, nil
		}
		analysisID := f.proposed(t, "B-1")

		_, err := f.svc.ApproveFix(context.Background(), analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()

		p := f.latestPipeline(t, "B-1")
		assert.Equal(t, models.StageBuildRunning, p.Stage)
		assert.Equal(t, models.PipelineFailed, p.Status)
		assert.Equal(t, models.PhaseBuildVerificationFailed, f.phase(t, "B-1"))
	})

	t.Run("repeated poll errors", func(t *testing.T) {
		f := newFixture(t)
		var polls atomic.Int32
		f.host.GetBuildStatusFunc = func(context.Context, string) (models.BuildStatus, error) {
			polls.Add(1)
			return "", errors.New("ci unavailable")
		}
		analysisID := f.proposed(t, "B-1")

		_, err := f.svc.ApproveFix(context.Background(), analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()

		assert.Equal(t, int32(maxPollErrors), polls.Load())
		p := f.latestPipeline(t, "B-1")
		assert.Equal(t, models.StagePRCreated, p.Stage)
		assert.Equal(t, models.PipelineFailed, p.Status)
		assert.Equal(t, models.PhaseBuildVerificationFailed, f.phase(t, "B-1"))
	})

	t.Run("pending then passed", func(t *testing.T) {
		f := newFixture(t)
		statuses := []models.BuildStatus{models.BuildPending, models.BuildPending, models.BuildRunning, models.BuildPassed}
		var polls atomic.Int32
		f.host.GetBuildStatusFunc = func(context.Context, string) (models.BuildStatus, error) {
			i := int(polls.Add(1)) - 1
			return statuses[min(i, len(statuses)-1)], nil
		}
		analysisID := f.proposed(t, "B-1")

		_, err := f.svc.ApproveFix(context.Background(), analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()

		assert.Equal(t, int32(4), polls.Load())
		assert.Equal(t, models.PhaseBuildPassed, f.phase(t, "B-1"))
	})
}

func TestCreateBug(t *testing.T) {
	t.Run("manual after passed build", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		var sent models.BugRequest
		var calls atomic.Int32
		f.tracker.CreateBugFunc = func(_ context.Context, req models.BugRequest) (models.Bug, error) {
			calls.Add(1)
			sent = req
			return models.Bug{Key: "CI-9", URL: "https://example.com/browse/CI-9"}, nil
		}
		analysisID := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(ctx, analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()
		require.Equal(t, models.PhaseBuildPassed, f.phase(t, "B-1"))

		bug, err := f.svc.CreateBug(ctx, "B-1")
		require.NoError(t, err)
		assert.True(t, bug.Created)
		assert.Equal(t, "CI-9", bug.Key)
		assert.Equal(t, models.PhaseJiraCreated, f.phase(t, "B-1"))
		assert.NotEmpty(t, sent.Summary)

		again, err := f.svc.CreateBug(ctx, "B-1")
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, "CI-9", again.Key)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("automatic when enabled", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.AutoCreateBug = true })
		analysisID := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(context.Background(), analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()

		p := f.latestPipeline(t, "B-1")
		assert.Equal(t, models.StageJiraCreated, p.Stage)
		require.NotNil(t, p.JiraKey)
		assert.Equal(t, "CI-1", *p.JiraKey)
		assert.Equal(t, models.PhaseJiraCreated, f.phase(t, "B-1"))
	})

	t.Run("tracker failure can be retried", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.tracker.CreateBugFunc = func(context.Context, models.BugRequest) (models.Bug, error) {
			return models.Bug{}, errors.New("jira down")
		}
		analysisID := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(ctx, analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()

		_, err = f.svc.CreateBug(ctx, "B-1")
		assert.ErrorIs(t, err, ErrExternal)
		assert.Equal(t, models.PhaseJiraFailed, f.phase(t, "B-1"))

		f.tracker.CreateBugFunc = nil
		bug, err := f.svc.CreateBug(ctx, "B-1")
		require.NoError(t, err)
		assert.Equal(t, "CI-1", bug.Key)
		assert.Equal(t, models.PhaseJiraCreated, f.phase(t, "B-1"))
	})

	t.Run("before verification", func(t *testing.T) {
		f := newFixture(t)
		f.proposed(t, "B-1")
		_, err := f.svc.CreateBug(context.Background(), "B-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no pipeline", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateBug(context.Background(), "B-nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRejectFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	analysisID := f.proposed(t, "B-1")

	_, err := f.svc.RejectFix(ctx, analysisID, "", "too risky")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.RejectFix(ctx, analysisID, "bob", "")
	assert.ErrorIs(t, err, ErrValidation)

	p, err := f.svc.RejectFix(ctx, analysisID, "bob", "too risky")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineRejected, p.Status)
	require.NotNil(t, p.RejectedBy)
	assert.Equal(t, "bob", *p.RejectedBy)
	assert.Equal(t, models.PhaseRejected, f.phase(t, "B-1"))

	_, err = f.svc.RejectFix(ctx, analysisID, "bob", "again")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.svc.ApproveFix(ctx, analysisID, "carol")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.svc.Restart(ctx, "B-1")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRestart(t *testing.T) {
	t.Run("after failed build", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		var branches []string
		f.host.CreatePRFunc = func(_ context.Context, req models.PRRequest) (models.PullRequest, error) {
			branches = append(branches, req.Branch)
			return models.PullRequest{Number: len(branches), URL: "https://example.com/pr", Ref: req.Branch}, nil
		}
		f.host.GetBuildStatusFunc = func(context.Context, string) (models.BuildStatus, error) {
			return models.BuildFailed, nil
		}
		first := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(ctx, first, "bob")
		require.NoError(t, err)
		f.svc.Wait()
		require.Equal(t, models.PhaseBuildFailed, f.phase(t, "B-1"))
		failed := f.latestPipeline(t, "B-1")

		res, err := f.svc.Restart(ctx, "B-1")
		require.NoError(t, err)
		require.NotNil(t, res.Job)
		assert.Equal(t, models.JobTypeAnalyze, res.Job.Type)
		f.svc.Wait()

		view, err := f.svc.GetWorkflow(ctx, "B-1")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseFixProposed, view.Phase)
		assert.Len(t, view.Pipelines, 2)
		assert.Equal(t, res.AnalysisID, view.Pipeline().AnalysisID)
		require.NotNil(t, view.Analysis)
		assert.Equal(t, res.AnalysisID, view.Analysis.ID)

		_, err = f.svc.ApproveFix(ctx, res.AnalysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()
		require.Len(t, branches, 2)
		assert.Equal(t, "fix/build-B-1", branches[0])
		assert.Equal(t, "fix/build-B-1-"+res.Pipeline.ID.String()[:8], branches[1])

		again, err := f.store.GetPipelineItem(ctx, failed.ID)
		require.NoError(t, err)
		require.NotNil(t, again.PRNumber)
		assert.Equal(t, 1, *again.PRNumber)
		assert.Equal(t, "fix/build-B-1", *again.Branch)
		retry := f.latestPipeline(t, "B-1")
		require.NotNil(t, retry.PRNumber)
		assert.Equal(t, 2, *retry.PRNumber)
	})

	t.Run("after failed analysis", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		analyze := f.ai.AnalyzeFunc
		f.ai.AnalyzeFunc = func(context.Context, models.AnalysisRequest) (models.AnalysisContent, error) {
			return models.AnalysisContent{}, errors.New("quota exceeded")
		}
		item := f.pending(t, "B-1", models.CategoryCodeError, 0.9)
		_, err := f.svc.Decide(ctx, item.ID, DecisionRequest{Action: models.ActionApprove, Reviewer: "alice"})
		require.NoError(t, err)
		f.svc.Wait()
		require.Equal(t, models.PhaseAnalysisFailed, f.phase(t, "B-1"))

		f.ai.AnalyzeFunc = analyze
		_, err = f.svc.Restart(ctx, "B-1")
		require.NoError(t, err)
		f.svc.Wait()
		assert.Equal(t, models.PhaseFixProposed, f.phase(t, "B-1"))
	})

	t.Run("healthy pipeline", func(t *testing.T) {
		f := newFixture(t)
		f.proposed(t, "B-1")
		_, err := f.svc.Restart(context.Background(), "B-1")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("passed build", func(t *testing.T) {
		f := newFixture(t)
		analysisID := f.proposed(t, "B-1")
		_, err := f.svc.ApproveFix(context.Background(), analysisID, "bob")
		require.NoError(t, err)
		f.svc.Wait()
		_, err = f.svc.Restart(context.Background(), "B-1")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("no pipeline", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Restart(context.Background(), "B-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDiff(t *testing.T) {
	f := newFixture(t)
	analysisID := f.proposed(t, "B-1")

	view, err := f.svc.Diff(context.Background(), analysisID)
	require.NoError(t, err)
	assert.Equal(t, "src/app.go", view.FilePath)
	assert.Equal(t, "go", view.Language)
	assert.Equal(t, 1, view.Stats.Modified)
	assert.Equal(t, 3, view.Stats.Added)
	assert.Zero(t, view.Stats.Removed)
	assert.Len(t, view.Lines, 4)

	_, err = f.svc.Diff(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
