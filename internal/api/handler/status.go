package handler

import (
	"net/http"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
)

// Active handles GET /api/v1/status/active.
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	items, err := h.wf.GetActive(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, items)
}

// History handles GET /api/v1/status/history?build_id=&since=&limit=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.HistoryFilter{
		BuildID: q.Get("build_id"),
		Limit:   min(intQuery(r, "limit", 100), 1000),
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an RFC3339 timestamp", nil)
			return
		}
		filter.Since = since
	}
	entries, err := h.wf.GetHistory(r.Context(), filter)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, entries)
}

// Stats handles GET /api/v1/status/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.wf.GetStats(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, stats)
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.wf.GetJob(r.Context(), id)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, job)
}
