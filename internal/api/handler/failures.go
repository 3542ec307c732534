package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

type failurePayload struct {
	BuildID      string     `json:"build_id"      validate:"required,max=255"`
	JobName      string     `json:"job_name"      validate:"required,max=255"`
	TestName     string     `json:"test_name"     validate:"max=512"`
	ErrorMessage string     `json:"error_message"`
	StackTrace   string     `json:"stack_trace"`
	Timestamp    *time.Time `json:"timestamp"`
}

func (p failurePayload) record() models.FailureRecord {
	f := models.FailureRecord{
		BuildID:      p.BuildID,
		JobName:      p.JobName,
		TestName:     p.TestName,
		ErrorMessage: p.ErrorMessage,
		StackTrace:   p.StackTrace,
	}
	if p.Timestamp != nil {
		f.OccurredAt = *p.Timestamp
	}
	return f
}

// ReportFailure handles POST /api/v1/failures. Reporting a build twice returns 200 with the stored record.
func (h *Handler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var req failurePayload
	if !h.decode(w, r, &req) {
		return
	}
	f, created, err := h.wf.ReportFailure(r.Context(), req.record())
	if err != nil {
		response.FromError(w, err)
		return
	}
	if created {
		response.Created(w, f)
		return
	}
	response.JSON(w, f)
}

// GetFailure handles GET /api/v1/failures/{buildID}.
func (h *Handler) GetFailure(w http.ResponseWriter, r *http.Request) {
	view, err := h.wf.GetWorkflow(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, view)
}

type triggerRequest struct {
	BuildID string          `json:"build_id" validate:"required,max=255"`
	Source  string          `json:"source"   validate:"omitempty,oneof=manual cron aging restart"`
	Reason  string          `json:"reason"   validate:"max=1000"`
	Failure *failurePayload `json:"failure"  validate:"omitempty"`
}

// Trigger handles POST /api/v1/triggers.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !h.decode(w, r, &req) {
		return
	}
	source := models.TriggerSource(req.Source)
	if source == "" {
		source = models.TriggerManual
	}
	tr := workflow.TriggerRequest{BuildID: req.BuildID, Source: source, Reason: req.Reason}
	if req.Failure != nil {
		f := req.Failure.record()
		tr.Failure = &f
	}
	job, err := h.wf.Trigger(r.Context(), tr)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Accepted(w, job)
}

// GetAnalysis handles GET /api/v1/failures/{buildID}/analysis.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	view, err := h.wf.GetAnalysis(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, view)
}

type feedbackRequest struct {
	Type       string   `json:"feedback_type" validate:"required,oneof=accept reject refine"`
	Reviewer   string   `json:"reviewer"      validate:"max=255"`
	Reason     string   `json:"reason"        validate:"max=255"`
	Comment    string   `json:"comment"       validate:"max=5000"`
	Suggestion string   `json:"suggestion"    validate:"max=5000"`
	Options    []string `json:"options"       validate:"max=20"`
}

func (req feedbackRequest) toWorkflow(r *http.Request) workflow.FeedbackRequest {
	return workflow.FeedbackRequest{
		Type:       models.FeedbackType(req.Type),
		Reviewer:   actor(r, req.Reviewer),
		Reason:     req.Reason,
		Comment:    req.Comment,
		Suggestion: req.Suggestion,
		Options:    req.Options,
	}
}

// SubmitFeedback handles POST /api/v1/failures/{buildID}/feedback.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.wf.SubmitFeedback(r.Context(), chi.URLParam(r, "buildID"), req.toWorkflow(r))
	if err != nil {
		response.FromError(w, err)
		return
	}
	started(w, res.Job, res)
}

// ListRefinements handles GET /api/v1/failures/{buildID}/refinements.
func (h *Handler) ListRefinements(w http.ResponseWriter, r *http.Request) {
	refs, err := h.wf.ListRefinements(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, refs)
}
