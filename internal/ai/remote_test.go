package ai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/ai"
	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *ai.RemoteProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return ai.NewRemoteProvider(config.AIConfig{
		Provider:         "remote",
		BaseURL:          srv.URL + "/",
		APIKey:           "secret",
		InferenceTimeout: timeout,
	})
}

func sampleFailure() models.FailureRecord {
	return models.FailureRecord{
		BuildID:      "B-1",
		JobName:      "unit",
		TestName:     "TestCheckout",
		ErrorMessage: "nil pointer dereference",
	}
}

func TestRemoteClassify(t *testing.T) {
	p := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/classify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body struct {
			Failure models.FailureRecord `json:"failure"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "B-1", body.Failure.BuildID)

		_ = json.NewEncoder(w).Encode(models.Classification{
			Category: models.CategoryCodeError, Confidence: 0.4, Suggestion: "check nil",
		})
	}, time.Second)

	got, err := p.Classify(context.Background(), sampleFailure())
	require.NoError(t, err)
	assert.Equal(t, models.CategoryCodeError, got.Category)
	assert.Equal(t, 0.4, got.Confidence)
}

func TestRemoteClassify_InvalidResponse(t *testing.T) {
	p := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"category":"CODE_ERROR","confidence":3}`))
	}, time.Second)

	_, err := p.Classify(context.Background(), sampleFailure())
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestRemoteAnalyze(t *testing.T) {
	p := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyze", r.URL.Path)
		var req models.AnalysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Feedback)
		assert.Equal(t, []string{"Need stack trace analysis"}, req.Feedback.Options)

		_ = json.NewEncoder(w).Encode(models.AnalysisContent{
			Classification: models.CategoryCodeError, Confidence: 0.9, RootCause: "cart is nil",
		})
	}, time.Second)

	got, err := p.Analyze(context.Background(), models.AnalysisRequest{
		Failure:  sampleFailure(),
		Category: models.CategoryCodeError,
		Feedback: &models.RefinementFeedback{Suggestion: "look deeper", Options: []string{"Need stack trace analysis"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cart is nil", got.RootCause)
}

func TestRemote_ServerErrorIsUnavailable(t *testing.T) {
	p := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}, time.Second)

	_, err := p.Analyze(context.Background(), models.AnalysisRequest{Failure: sampleFailure()})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.True(t, ai.Retryable(err))
}

func TestRemote_BadRequestIsInvalid(t *testing.T) {
	p := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}, time.Second)

	_, err := p.Classify(context.Background(), sampleFailure())
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestRemote_Timeout(t *testing.T) {
	p := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	_, err := p.Classify(context.Background(), sampleFailure())
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}
