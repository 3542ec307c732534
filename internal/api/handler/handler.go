// Package handler implements the HTTP endpoints on top of the workflow service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/cihealer/internal/api/middleware"
	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

const maxBodyBytes = 1 << 20

// Workflow is the orchestration surface the handlers drive.
type Workflow interface {
	ReportFailure(ctx context.Context, f models.FailureRecord) (*models.FailureRecord, bool, error)
	Trigger(ctx context.Context, req workflow.TriggerRequest) (*models.Job, error)

	ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]*models.ApprovalItem, error)
	GetApprovalStats(ctx context.Context) (*models.ApprovalStats, error)
	Decide(ctx context.Context, approvalID uuid.UUID, req workflow.DecisionRequest) (*workflow.DecisionResult, error)

	GetAnalysis(ctx context.Context, buildID string) (*workflow.AnalysisView, error)
	SubmitFeedback(ctx context.Context, buildID string, req workflow.FeedbackRequest) (*workflow.FeedbackResult, error)
	RequestFixFeedback(ctx context.Context, analysisID uuid.UUID, req workflow.FeedbackRequest) (*workflow.FeedbackResult, error)
	ListRefinements(ctx context.Context, buildID string) ([]*models.RefinementRecord, error)

	ApproveFix(ctx context.Context, analysisID uuid.UUID, approver string) (*workflow.FixResult, error)
	RejectFix(ctx context.Context, analysisID uuid.UUID, rejector, reason string) (*models.PipelineItem, error)
	Diff(ctx context.Context, analysisID uuid.UUID) (*workflow.DiffView, error)
	Restart(ctx context.Context, buildID string) (*workflow.RestartResult, error)
	CreateBug(ctx context.Context, buildID string) (*workflow.BugResult, error)

	GetActive(ctx context.Context) ([]models.ActiveItem, error)
	GetHistory(ctx context.Context, filter workflow.HistoryFilter) ([]models.HistoryEntry, error)
	GetWorkflow(ctx context.Context, buildID string) (*workflow.WorkflowView, error)
	GetStats(ctx context.Context) (*models.WorkflowStats, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// KeyAdmin manages API keys.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Handler serves every workflow endpoint.
type Handler struct {
	wf       Workflow
	keys     KeyAdmin
	validate *validator.Validate
}

// New returns a Handler backed by wf and keys.
func New(wf Workflow, keys KeyAdmin) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return models.Category(fl.Field().String()).Valid()
	})
	return &Handler{wf: wf, keys: keys, validate: v}
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when dst has no required fields. It writes the error response
// and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return false
		}
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fieldMessage(fe)
		}
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", details)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "category":
		return "is not a known error category"
	}
	return "failed " + fe.Tag() + " check"
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(r *http.Request, name string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// actor is the explicit name from the request or, failing that, the API key's name.
func actor(r *http.Request, explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	return mw.KeyName(r)
}

// started answers 202 when a background job was dispatched and 200 otherwise.
func started(w http.ResponseWriter, job *models.Job, data any) {
	if job != nil {
		response.Accepted(w, data)
		return
	}
	response.JSON(w, data)
}
