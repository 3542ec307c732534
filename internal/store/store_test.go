package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cihealer_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx, `TRUNCATE api_keys, failures, jobs, approvals, approval_events, analyses, refinements, pipeline_items CASCADE`)
		require.NoError(t, err)
		return store.NewPostgresStore(pool)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) store.Store { return store.NewMemoryStore() })
}

// runStoreSuite checks behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("failure insert is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seedFailure(t, s, "build-1", "fp-1", time.Now().UTC())

		created, err := s.CreateFailure(ctx, &models.FailureRecord{BuildID: f.BuildID, ErrorMessage: "other", Fingerprint: "x", OccurredAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetFailure(ctx, "build-1")
		require.NoError(t, err)
		assert.Equal(t, f.ErrorMessage, got.ErrorMessage)

		_, err = s.GetFailure(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("similar and untriggered failures", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := time.Now().UTC().Add(-96 * time.Hour)
		seedFailure(t, s, "b-old", "fp", old)
		seedFailure(t, s, "b-new", "fp", time.Now().UTC())
		seedFailure(t, s, "b-other", "fp-2", old.Add(time.Hour))

		similar, err := s.ListSimilarFailures(ctx, "fp", "b-new", 10)
		require.NoError(t, err)
		require.Len(t, similar, 1)
		assert.Equal(t, "b-old", similar[0].BuildID)

		require.NoError(t, s.CreateJob(ctx, newJob("b-other", models.JobTypeClassify)))

		aged, err := s.ListUntriggeredFailures(ctx, time.Now().UTC().Add(-72*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, aged, 1)
		assert.Equal(t, "b-old", aged[0].BuildID)
	})

	t.Run("one pending approval per build", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())

		first := newApproval("b1", 0.8)
		require.NoError(t, s.CreateApproval(ctx, first))
		err := s.CreateApproval(ctx, newApproval("b1", 0.5))
		assert.ErrorIs(t, err, store.ErrConflict)

		err = s.CreateApproval(ctx, newApproval("no-such-build", 0.5))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("decide approval is single-shot and audited", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())
		item := newApproval("b1", 0.9)
		require.NoError(t, s.CreateApproval(ctx, item))

		decided, err := s.DecideApproval(ctx, item.ID, store.Decision{
			Action:         models.ActionApprove,
			Status:         models.ReviewApproved,
			Reviewer:       "alice",
			Feedback:       "looks right",
			RoutedCategory: item.ErrorCategory,
		})
		require.NoError(t, err)
		assert.Equal(t, models.ReviewApproved, decided.ReviewStatus)
		require.NotNil(t, decided.Reviewer)
		assert.Equal(t, "alice", *decided.Reviewer)
		assert.NotNil(t, decided.ReviewedAt)

		_, err = s.DecideApproval(ctx, item.ID, store.Decision{Action: models.ActionReject, Status: models.ReviewRejected, Reviewer: "bob"})
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = s.DecideApproval(ctx, uuid.New(), store.Decision{Action: models.ActionReject, Status: models.ReviewRejected})
		assert.ErrorIs(t, err, store.ErrNotFound)

		events, err := s.ListApprovalEvents(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.ActionApprove, events[0].Action)
		assert.Equal(t, "alice", events[0].Reviewer)

		// a decided item no longer blocks a new one
		require.NoError(t, s.CreateApproval(ctx, newApproval("b1", 0.4)))
	})

	t.Run("decide approval creates the pipeline with the decision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())
		item := newApproval("b1", 0.3)
		require.NoError(t, s.CreateApproval(ctx, item))

		analysisID := uuid.New()
		p := newPipeline("b1", analysisID)
		p.Stage = models.StageAIAnalysis
		decided, err := s.DecideApproval(ctx, item.ID, store.Decision{
			Action:         models.ActionEscalate,
			Status:         models.ReviewEscalated,
			Reviewer:       "alice",
			RoutedCategory: item.ErrorCategory,
			AnalysisID:     &analysisID,
			Pipeline:       p,
		})
		require.NoError(t, err)
		require.NotNil(t, decided.AnalysisID)
		assert.Equal(t, analysisID, *decided.AnalysisID)

		got, err := s.GetPipelineByAnalysis(ctx, analysisID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, models.StageAIAnalysis, got.Stage)
	})

	t.Run("list approvals filters and paginates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"b1", "b2", "b3"} {
			seedFailure(t, s, id, "fp", time.Now().UTC())
			require.NoError(t, s.CreateApproval(ctx, newApproval(id, 0.7)))
		}
		items, err := s.ListApprovals(ctx, store.ApprovalFilter{Status: models.ReviewPending, Limit: 2, Page: 1})
		require.NoError(t, err)
		assert.Len(t, items, 2)

		items, err = s.ListApprovals(ctx, store.ApprovalFilter{Status: models.ReviewPending, Limit: 2, Page: 2})
		require.NoError(t, err)
		assert.Len(t, items, 1)

		items, err = s.ListApprovals(ctx, store.ApprovalFilter{BuildID: "b2"})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "b2", items[0].BuildID)
	})

	t.Run("approval stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		decide := func(buildID string, conf float64, action models.DecisionAction) {
			seedFailure(t, s, buildID, "fp", time.Now().UTC())
			item := newApproval(buildID, conf)
			require.NoError(t, s.CreateApproval(ctx, item))
			if action == "" {
				return
			}
			status, _ := action.Status()
			_, err := s.DecideApproval(ctx, item.ID, store.Decision{Action: action, Status: status, Reviewer: "r"})
			require.NoError(t, err)
		}
		decide("b1", 0.9, models.ActionApprove)
		decide("b2", 0.7, models.ActionApprove)
		decide("b3", 0.2, models.ActionReject)
		decide("b4", 0.5, "")

		st, err := s.GetApprovalStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, st.Total)
		assert.Equal(t, 1, st.Pending)
		assert.Equal(t, 2, st.Approved)
		assert.Equal(t, 1, st.Rejected)
		assert.InDelta(t, 0.575, st.AvgConfidence, 0.001)
		assert.InDelta(t, 0.8, st.ApprovedAvgConfidence, 0.001)
		assert.InDelta(t, 0.2, st.RejectedAvgConfidence, 0.001)
		require.Len(t, st.ByCategory, 1)
		assert.InDelta(t, 50.0, st.ByCategory[0].ApprovalRate, 0.01)
	})

	t.Run("feedback and refinement lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())
		a := newAnalysis("b1")
		require.NoError(t, s.CreateAnalysis(ctx, a))

		entry := newRefinement(a, models.ValidationPending)
		fb := models.AnalysisFeedback{Type: models.FeedbackRefine, Reviewer: "alice", At: time.Now().UTC()}
		require.NoError(t, s.ApplyFeedback(ctx, a.ID, models.ValidationPending, models.ValidationRefining, fb, entry))

		// a second outstanding refinement is refused
		err := s.ApplyFeedback(ctx, a.ID, models.ValidationRefining, models.ValidationRefining, fb, newRefinement(a, models.ValidationRefining))
		assert.ErrorIs(t, err, store.ErrConflict)

		// stale from-status is refused
		err = s.ApplyFeedback(ctx, a.ID, models.ValidationPending, models.ValidationAccepted, fb, nil)
		assert.ErrorIs(t, err, store.ErrConflict)

		refined := a.Content
		refined.RootCause = "refined root cause"
		refined.Confidence = 0.95
		require.NoError(t, s.CompleteRefinement(ctx, entry.ID, refined))

		got, err := s.GetCurrentAnalysis(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, models.ValidationRefined, got.ValidationStatus)
		assert.Equal(t, "refined root cause", got.Content.RootCause)

		r, err := s.GetRefinement(ctx, entry.ID)
		require.NoError(t, err)
		out, ok := r.Outcome()
		require.True(t, ok)
		assert.Equal(t, "refined root cause", out.RootCause)
		assert.Equal(t, a.Content.RootCause, r.Original.RootCause)

		assert.ErrorIs(t, s.CompleteRefinement(ctx, entry.ID, refined), store.ErrConflict)
	})

	t.Run("failed refinement restores previous status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())
		a := newAnalysis("b1")
		require.NoError(t, s.CreateAnalysis(ctx, a))
		fb := models.AnalysisFeedback{Type: models.FeedbackAccept, At: time.Now().UTC()}
		require.NoError(t, s.ApplyFeedback(ctx, a.ID, models.ValidationPending, models.ValidationAccepted, fb, nil))

		entry := newRefinement(a, models.ValidationAccepted)
		fb.Type = models.FeedbackRefine
		require.NoError(t, s.ApplyFeedback(ctx, a.ID, models.ValidationAccepted, models.ValidationRefining, fb, entry))
		require.NoError(t, s.FailRefinement(ctx, entry.ID, "engine down"))

		got, err := s.GetAnalysis(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ValidationAccepted, got.ValidationStatus)
		assert.Equal(t, a.Content.RootCause, got.Content.RootCause)

		r, err := s.GetRefinement(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RefinementFailed, r.State)
		_, ok := r.Outcome()
		assert.False(t, ok)
	})

	t.Run("pipeline guard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())
		p := newPipeline("b1", uuid.New())
		require.NoError(t, s.CreatePipelineItem(ctx, p))

		claimed, err := s.UpdatePipeline(ctx, p.ID,
			store.PipelineGuard{Stages: []models.Stage{models.StageHumanApproval}, Statuses: []models.PipelineStatus{models.PipelineActive}},
			store.ToStatus(models.PipelineInFlight), store.WithApprover("alice"))
		require.NoError(t, err)
		assert.Equal(t, models.PipelineInFlight, claimed.Status)

		_, err = s.UpdatePipeline(ctx, p.ID,
			store.PipelineGuard{Statuses: []models.PipelineStatus{models.PipelineActive}},
			store.ToStatus(models.PipelineInFlight))
		assert.ErrorIs(t, err, store.ErrConflict)

		done, err := s.UpdatePipeline(ctx, p.ID,
			store.PipelineGuard{Statuses: []models.PipelineStatus{models.PipelineInFlight}},
			store.ToStage(models.StagePRCreated), store.ToStatus(models.PipelineActive),
			store.WithPR(42, "https://example.test/pr/42", "fix/build-b1"))
		require.NoError(t, err)
		assert.Equal(t, models.StagePRCreated, done.Stage)
		require.NotNil(t, done.PRNumber)
		assert.Equal(t, 42, *done.PRNumber)
		assert.Equal(t, "alice", *done.ApprovedBy)

		latest, err := s.GetLatestPipeline(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, latest.ID)

		byAnalysis, err := s.GetPipelineByAnalysis(ctx, p.AnalysisID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, byAnalysis.ID)

		_, err = s.UpdatePipeline(ctx, uuid.New(), store.PipelineGuard{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("job transitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC())
		job := newJob("b1", models.JobTypeAnalyze)
		require.NoError(t, s.CreateJob(ctx, job))

		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning))
		ref := uuid.New()
		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithRefID(ref)))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.CompletedAt)
		require.NotNil(t, got.RefID)
		assert.Equal(t, ref, *got.RefID)

		err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning)
		assert.ErrorIs(t, err, store.ErrConflict)
		assert.ErrorIs(t, s.UpdateJobStatus(ctx, uuid.New(), models.JobStatusRunning), store.ErrNotFound)
	})

	t.Run("load workflows aggregates every entity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedFailure(t, s, "b1", "fp", time.Now().UTC().Add(-time.Hour))
		seedFailure(t, s, "b2", "fp", time.Now().UTC())

		require.NoError(t, s.CreateApproval(ctx, newApproval("b1", 0.9)))
		a := newAnalysis("b1")
		require.NoError(t, s.CreateAnalysis(ctx, a))
		require.NoError(t, s.CreatePipelineItem(ctx, newPipeline("b1", a.ID)))
		require.NoError(t, s.CreateJob(ctx, newJob("b1", models.JobTypeClassify)))

		all, err := s.LoadWorkflows(ctx, store.WorkflowFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "b2", all[0].Failure.BuildID)

		one, err := s.LoadWorkflows(ctx, store.WorkflowFilter{BuildID: "b1"})
		require.NoError(t, err)
		require.Len(t, one, 1)
		w := one[0]
		require.NotNil(t, w.Approval)
		require.NotNil(t, w.Analysis)
		assert.Equal(t, a.ID, w.Analysis.ID)
		assert.Len(t, w.Pipelines, 1)
		assert.Len(t, w.Jobs, 1)
		assert.Empty(t, w.Refinements)

		none, err := s.LoadWorkflows(ctx, store.WorkflowFilter{BuildID: "nope"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("api keys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		key := &models.APIKey{ID: uuid.New(), Name: "ci", KeyHash: "hash", KeyPrefix: "ch_abcde",
			Scopes: []string{models.ScopeIngest}, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateAPIKey(ctx, key))
		assert.ErrorIs(t, s.CreateAPIKey(ctx, &models.APIKey{ID: uuid.New(), KeyPrefix: "ch_abcde", CreatedAt: now, UpdatedAt: now}), store.ErrDuplicateKey)

		found, err := s.GetAPIKeyByPrefix(ctx, "ch_abcde")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, []string{models.ScopeIngest}, found[0].Scopes)

		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
		require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
		assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)

		keys, err := s.ListAPIKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func seedFailure(t *testing.T, s store.Store, buildID, fingerprint string, at time.Time) *models.FailureRecord {
	t.Helper()
	f := &models.FailureRecord{
		BuildID:      buildID,
		JobName:      "unit-tests",
		TestName:     "TestCheckout",
		ErrorMessage: "NullPointerException at Checkout.java:42",
		StackTrace:   "at Checkout.total(Checkout.java:42)",
		Fingerprint:  fingerprint,
		OccurredAt:   at,
	}
	created, err := s.CreateFailure(context.Background(), f)
	require.NoError(t, err)
	require.True(t, created)
	return f
}

func newApproval(buildID string, confidence float64) *models.ApprovalItem {
	return &models.ApprovalItem{
		ID:            uuid.New(),
		BuildID:       buildID,
		JobName:       "unit-tests",
		ErrorCategory: models.CategoryCodeError,
		Suggestion:    "guard nil cart",
		Confidence:    confidence,
		ReviewStatus:  models.ReviewPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func newAnalysis(buildID string) *models.AnalysisRecord {
	now := time.Now().UTC()
	return &models.AnalysisRecord{
		ID:      uuid.New(),
		BuildID: buildID,
		Content: models.AnalysisContent{
			Classification:    models.CategoryCodeError,
			Severity:          "high",
			Confidence:        0.8,
			RootCause:         "cart is nil",
			FixRecommendation: "check cart before total",
			CodePatch:         &models.CodePatch{FilePath: "Checkout.java", Before: "a", After: "b"},
		},
		ValidationStatus: models.ValidationPending,
		Provider:         "mock",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newRefinement(a *models.AnalysisRecord, previous models.ValidationStatus) *models.RefinementRecord {
	return &models.RefinementRecord{
		ID:             uuid.New(),
		BuildID:        a.BuildID,
		AnalysisID:     a.ID,
		FeedbackType:   models.FeedbackRefine,
		Reviewer:       "alice",
		Suggestion:     "look at the stack trace",
		Options:        []string{"Need stack trace analysis"},
		Original:       a.Content,
		PreviousStatus: previous,
		State:          models.RefinementPending,
		CreatedAt:      time.Now().UTC(),
	}
}

func newPipeline(buildID string, analysisID uuid.UUID) *models.PipelineItem {
	now := time.Now().UTC()
	return &models.PipelineItem{
		ID:         uuid.New(),
		BuildID:    buildID,
		AnalysisID: analysisID,
		Stage:      models.StageHumanApproval,
		Status:     models.PipelineActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newJob(buildID, jobType string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:        uuid.New(),
		BuildID:   buildID,
		Type:      jobType,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
