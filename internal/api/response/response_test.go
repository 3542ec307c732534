package response_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/cihealer/internal/api/response"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestDataEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, any)
		status int
	}{
		{"ok", response.JSON, http.StatusOK},
		{"created", response.Created, http.StatusCreated},
		{"accepted", response.Accepted, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, map[string]string{"build_id": "B-1"})

			assert.Equal(t, tt.status, w.Code)
			data := decode(t, w)["data"].(map[string]any)
			assert.Equal(t, "B-1", data["build_id"])
		})
	}
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	items := []map[string]string{{"id": "1"}, {"id": "2"}}
	response.Collection(w, items, response.PaginationMeta{Page: 1, Limit: 2, Total: 2, HasNext: true})

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)

	m := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), m["page"])
	assert.Equal(t, float64(2), m["limit"])
	assert.Equal(t, true, m["has_next"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid body", map[string]string{
		"build_id": "required",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	assert.Equal(t, "Invalid body", errObj["message"])
	assert.NotNil(t, errObj["details"])

	w = httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	_, hasDetails := decode(t, w)["error"].(map[string]any)["details"]
	assert.False(t, hasDetails)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: reviewer is required", workflow.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{fmt.Errorf("loading: %w", workflow.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: already decided", workflow.ErrConflict), http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("%w: github said no", workflow.ErrExternal), http.StatusBadGateway, "EXTERNAL_ADAPTER_ERROR"},
		{errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			response.FromError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)
			errObj := decode(t, w)["error"].(map[string]any)
			assert.Equal(t, tt.code, errObj["code"])
		})
	}

	w := httptest.NewRecorder()
	response.FromError(w, errors.New("secret dsn in message"))
	assert.NotContains(t, w.Body.String(), "secret dsn")
}
