package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/ai/mock"
	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/kiranshivaraju/cihealer/internal/codehost"
	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/internal/tracker"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agingConfig() config.AgingConfig {
	return config.AgingConfig{Enabled: true, Schedule: "0 */6 * * *", ThresholdDays: 3, BatchSize: 10}
}

type stubTrigger struct {
	calls []workflow.TriggerRequest
	err   func(buildID string) error
}

func (s *stubTrigger) Trigger(_ context.Context, req workflow.TriggerRequest) (*models.Job, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		if err := s.err(req.BuildID); err != nil {
			return nil, err
		}
	}
	return &models.Job{BuildID: req.BuildID, Type: models.JobTypeClassify}, nil
}

func seed(t *testing.T, st *store.MemoryStore, buildID string, age time.Duration) {
	t.Helper()
	_, err := st.CreateFailure(context.Background(), &models.FailureRecord{
		BuildID:    buildID,
		JobName:    "unit-tests",
		OccurredAt: time.Now().Add(-age),
		CreatedAt:  time.Now().Add(-age),
	})
	require.NoError(t, err)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := agingConfig()
	cfg.Schedule = "every tuesday"
	_, err := New(store.NewMemoryStore(), &stubTrigger{}, cfg)
	assert.Error(t, err)

	cfg = agingConfig()
	cfg.ThresholdDays = -1
	_, err = New(store.NewMemoryStore(), &stubTrigger{}, cfg)
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	s, err := New(store.NewMemoryStore(), &stubTrigger{}, agingConfig())
	require.NoError(t, err)
	from := time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), s.Next(from))
}

func TestRunOnce_TriggersAgedFailures(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "B-old", 5*24*time.Hour)
	seed(t, st, "B-older", 9*24*time.Hour)
	seed(t, st, "B-fresh", time.Hour)

	trig := &stubTrigger{}
	s, err := New(st, trig, agingConfig())
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, trig.calls, 2)
	assert.Equal(t, "B-older", trig.calls[0].BuildID)
	assert.Equal(t, "B-old", trig.calls[1].BuildID)
	for _, c := range trig.calls {
		assert.Equal(t, models.TriggerAging, c.Source)
	}
}

func TestRunOnce_SkipsFailedTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "B-1", 5*24*time.Hour)
	seed(t, st, "B-2", 6*24*time.Hour)
	seed(t, st, "B-3", 7*24*time.Hour)

	trig := &stubTrigger{err: func(id string) error {
		switch id {
		case "B-3":
			return workflow.ErrConflict
		case "B-2":
			return errors.New("boom")
		}
		return nil
	}}
	s, err := New(st, trig, agingConfig())
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, trig.calls, 3)
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	st := store.NewMemoryStore()
	for _, id := range []string{"B-1", "B-2", "B-3"} {
		seed(t, st, id, 10*24*time.Hour)
	}
	cfg := agingConfig()
	cfg.BatchSize = 2
	trig := &stubTrigger{}
	s, err := New(st, trig, cfg)
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunOnce_StartsWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "B-1", 5*24*time.Hour)
	ai := mock.NewMockProvider()
	svc := workflow.NewService(workflow.Dependencies{
		Store:      st,
		Cache:      cache.NewMemoryCache(),
		Classifier: ai,
		Engine:     ai,
		CodeHost:   codehost.NewMockCodeHost(),
		Tracker:    tracker.NewMockTracker(),
	}, workflow.Config{})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	s, err := New(st, svc, agingConfig())
	require.NoError(t, err)
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	svc.Wait()

	item, err := st.GetLatestApproval(context.Background(), "B-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, item.ReviewStatus)

	// The failure now has a job and is no longer picked up.
	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartStop(t *testing.T) {
	s, err := New(store.NewMemoryStore(), &stubTrigger{}, agingConfig())
	require.NoError(t, err)
	s.Start()
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
