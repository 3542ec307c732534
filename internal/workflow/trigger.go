package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cihealer/internal/ai"
	"github.com/kiranshivaraju/cihealer/internal/fingerprint"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// ReportFailure records a CI failure. Reporting the same build_id twice is a
// no-op; the second call returns the stored record and created=false.
func (s *Service) ReportFailure(ctx context.Context, f models.FailureRecord) (*models.FailureRecord, bool, error) {
	f.BuildID = strings.TrimSpace(f.BuildID)
	if f.BuildID == "" {
		return nil, false, validationf("build_id is required")
	}
	if strings.TrimSpace(f.JobName) == "" {
		return nil, false, validationf("job_name is required")
	}
	if f.OccurredAt.IsZero() {
		f.OccurredAt = s.now()
	}
	f.Fingerprint = fingerprint.Of(f)

	created, err := s.store.CreateFailure(ctx, &f)
	if err != nil {
		return nil, false, fmt.Errorf("creating failure: %w", err)
	}
	stored, err := s.store.GetFailure(ctx, f.BuildID)
	if err != nil {
		return nil, false, fmt.Errorf("loading failure: %w", err)
	}
	if created {
		slog.Info("failure reported", "build_id", f.BuildID, "job_name", f.JobName)
		s.invalidate(ctx)
	}
	return stored, created, nil
}

// GetFailure returns the failure recorded for buildID.
func (s *Service) GetFailure(ctx context.Context, buildID string) (*models.FailureRecord, error) {
	return s.store.GetFailure(ctx, buildID)
}

// TriggerRequest starts classification for a build. Failure is used to
// create the record when CI has not reported it yet.
type TriggerRequest struct {
	BuildID string
	Source  models.TriggerSource
	Reason  string
	Failure *models.FailureRecord
}

// Trigger starts a classification job. It is rejected with a conflict while
// an approval is pending, a job for the build is still running or a fix
// pipeline is live.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*models.Job, error) {
	if strings.TrimSpace(req.BuildID) == "" {
		return nil, validationf("build_id is required")
	}
	if !req.Source.Valid() {
		return nil, validationf("unknown trigger source %q", req.Source)
	}

	if _, err := s.store.GetFailure(ctx, req.BuildID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading failure: %w", err)
		}
		if req.Failure == nil {
			return nil, notFoundf("no failure recorded for build %s", req.BuildID)
		}
		f := *req.Failure
		f.BuildID = req.BuildID
		if _, _, err := s.ReportFailure(ctx, f); err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(req.BuildID)
	defer unlock()

	workflows, err := s.store.LoadWorkflows(ctx, store.WorkflowFilter{BuildID: req.BuildID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if len(workflows) == 1 {
		w := workflows[0]
		if w.Approval != nil && w.Approval.ReviewStatus == models.ReviewPending {
			return nil, conflictf("build %s already has a pending approval", req.BuildID)
		}
		if p := w.Pipeline(); p != nil && p.Live() {
			return nil, conflictf("build %s has a fix pipeline at %s (%s)", req.BuildID, p.Stage, p.Status)
		}
		for _, j := range w.Jobs {
			if j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning {
				return nil, conflictf("build %s has a %s job in progress", req.BuildID, j.Type)
			}
		}
	}

	job, err := s.dispatch(ctx, task{
		buildID: req.BuildID,
		jobType: models.JobTypeClassify,
		run: func(ctx context.Context) (*uuid.UUID, error) {
			return s.classify(ctx, req.BuildID)
		},
	})
	if err != nil {
		return nil, err
	}

	slog.Info("workflow triggered", "build_id", req.BuildID, "source", req.Source, "reason", req.Reason, "job_id", job.ID)
	return job, nil
}

func (s *Service) classify(ctx context.Context, buildID string) (*uuid.UUID, error) {
	failure, err := s.store.GetFailure(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("loading failure: %w", err)
	}

	var result models.Classification
	err = s.external(ctx, s.classifier.Name(), "classify", func(ctx context.Context) error {
		var err error
		result, err = s.classifier.Classify(ctx, *failure)
		return err
	})
	if err != nil {
		return nil, externalf(err, "classifying build %s", buildID)
	}
	result = ai.NormalizeClassification(result)

	item, err := s.Enqueue(ctx, *failure, result)
	if err != nil {
		return nil, err
	}
	return &item.ID, nil
}
