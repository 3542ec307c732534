package handler

import (
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/apikey"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

type createKeyRequest struct {
	Name   string   `json:"name"   validate:"required,max=255"`
	Scopes []string `json:"scopes" validate:"required,min=1,dive,oneof=read review ingest admin"`
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// CreateKey handles POST /api/v1/admin/keys. The raw key is only ever returned here.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	raw, key, err := apikey.Generate(req.Name, req.Scopes)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if err := h.keys.CreateAPIKey(r.Context(), key); err != nil {
		response.FromError(w, err)
		return
	}
	slog.Info("api key created", "key_id", key.ID, "name", key.Name, "scopes", key.Scopes)
	response.Created(w, createdKey{APIKey: key, Key: raw})
}

// ListKeys handles GET /api/v1/admin/keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListAPIKeys(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.JSON(w, keys)
}

// RevokeKey handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "keyID")
	if !ok {
		return
	}
	if err := h.keys.RevokeAPIKey(r.Context(), id); err != nil {
		response.FromError(w, err)
		return
	}
	slog.Info("api key revoked", "key_id", id)
	w.WriteHeader(http.StatusNoContent)
}
