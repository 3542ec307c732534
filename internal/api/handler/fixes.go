package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

type approveFixRequest struct {
	Approver string `json:"approver" validate:"max=255"`
}

// ApproveFix handles POST /api/v1/fixes/{analysisID}/approve. It returns
// once the PR is open; build verification continues in the background.
func (h *Handler) ApproveFix(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "analysisID")
	if !ok {
		return
	}
	var req approveFixRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.wf.ApproveFix(r.Context(), id, actor(r, req.Approver))
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, res)
}

type rejectFixRequest struct {
	Rejector string `json:"rejector" validate:"max=255"`
	Reason   string `json:"reason"   validate:"required,max=1000"`
}

// RejectFix handles POST /api/v1/fixes/{analysisID}/reject.
func (h *Handler) RejectFix(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "analysisID")
	if !ok {
		return
	}
	var req rejectFixRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.wf.RejectFix(r.Context(), id, actor(r, req.Rejector), req.Reason)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, p)
}

type fixFeedbackRequest struct {
	Reviewer   string   `json:"reviewer"   validate:"max=255"`
	Suggestion string   `json:"suggestion" validate:"required,max=5000"`
	Options    []string `json:"options"    validate:"max=20"`
}

// FixFeedback handles POST /api/v1/fixes/{analysisID}/feedback, a refinement
// request aimed at the proposed patch.
func (h *Handler) FixFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "analysisID")
	if !ok {
		return
	}
	var req fixFeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.wf.RequestFixFeedback(r.Context(), id, workflow.FeedbackRequest{
		Type:       models.FeedbackRefine,
		Reviewer:   actor(r, req.Reviewer),
		Suggestion: req.Suggestion,
		Options:    req.Options,
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	started(w, res.Job, res)
}

// Diff handles GET /api/v1/fixes/{analysisID}/diff.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "analysisID")
	if !ok {
		return
	}
	view, err := h.wf.Diff(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, view)
}

// Restart handles POST /api/v1/pipelines/{buildID}/restart.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	res, err := h.wf.Restart(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	started(w, res.Job, res)
}

// CreateBug handles POST /api/v1/pipelines/{buildID}/jira.
func (h *Handler) CreateBug(w http.ResponseWriter, r *http.Request) {
	res, err := h.wf.CreateBug(r.Context(), chi.URLParam(r, "buildID"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	if res.Created {
		response.Created(w, res)
		return
	}
	response.JSON(w, res)
}
