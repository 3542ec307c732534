package handler

import (
	"net/http"

	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// ListApprovals handles GET /api/v1/approvals?status=&build_id=&page=&limit=.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.ReviewStatus(q.Get("status"))
	switch status {
	case "", models.ReviewPending, models.ReviewApproved, models.ReviewRejected, models.ReviewEscalated:
	default:
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown review status "+string(status), nil)
		return
	}
	page := intQuery(r, "page", 1)
	limit := min(intQuery(r, "limit", 20), 100)

	items, err := h.wf.ListApprovals(r.Context(), store.ApprovalFilter{
		Status:  status,
		BuildID: q.Get("build_id"),
		Page:    page,
		Limit:   limit,
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Collection(w, items, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   len(items),
		HasNext: len(items) == limit,
	})
}

// ApprovalStats handles GET /api/v1/approvals/stats.
func (h *Handler) ApprovalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.wf.GetApprovalStats(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, stats)
}

type decisionRequest struct {
	Action            string           `json:"action"             validate:"required,oneof=approve reject escalate"`
	Reviewer          string           `json:"reviewer"           validate:"max=255"`
	Feedback          string           `json:"feedback"           validate:"max=5000"`
	CorrectedCategory *models.Category `json:"corrected_category" validate:"omitempty,category"`
}

// Decide handles POST /api/v1/approvals/{approvalID}/decision.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "approvalID")
	if !ok {
		return
	}
	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.wf.Decide(r.Context(), id, workflow.DecisionRequest{
		Action:            models.DecisionAction(req.Action),
		Reviewer:          actor(r, req.Reviewer),
		Feedback:          req.Feedback,
		CorrectedCategory: req.CorrectedCategory,
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	started(w, res.Job, res)
}
