package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// RemoteProvider calls an external classification and analysis service over HTTP JSON.
//
//	POST {base}/v1/classify  {"failure": FailureRecord}  -> Classification
//	POST {base}/v1/analyze   AnalysisRequest              -> AnalysisContent
type RemoteProvider struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewRemoteProvider(cfg config.AIConfig) *RemoteProvider {
	return &RemoteProvider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.InferenceTimeout,
		httpClient: &http.Client{},
	}
}

func (p *RemoteProvider) Name() string { return "remote" }

type classifyRequest struct {
	Failure models.FailureRecord `json:"failure"`
}

func (p *RemoteProvider) Classify(ctx context.Context, failure models.FailureRecord) (models.Classification, error) {
	var out models.Classification
	if err := p.post(ctx, "/v1/classify", classifyRequest{Failure: failure}, &out); err != nil {
		return models.Classification{}, err
	}
	if out.Category == "" {
		return models.Classification{}, fmt.Errorf("%w: missing category", ErrInvalidResponse)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return models.Classification{}, fmt.Errorf("%w: confidence %v out of range", ErrInvalidResponse, out.Confidence)
	}
	return out, nil
}

func (p *RemoteProvider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisContent, error) {
	var out models.AnalysisContent
	if err := p.post(ctx, "/v1/analyze", req, &out); err != nil {
		return models.AnalysisContent{}, err
	}
	if strings.TrimSpace(out.RootCause) == "" {
		return models.AnalysisContent{}, fmt.Errorf("%w: missing root cause", ErrInvalidResponse)
	}
	return out, nil
}

func (p *RemoteProvider) post(ctx context.Context, path string, body, out any) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrInferenceTimeout, path)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, snippet(respBody))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, snippet(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

var _ Provider = (*RemoteProvider)(nil)
