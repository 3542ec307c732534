package mock

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// MockProvider satisfies models.Classifier and models.AnalysisEngine for testing
// and for running the server without an AI backend.
type MockProvider struct {
	Name_        string
	ClassifyFunc func(ctx context.Context, failure models.FailureRecord) (models.Classification, error)
	AnalyzeFunc  func(ctx context.Context, req models.AnalysisRequest) (models.AnalysisContent, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Classify(ctx context.Context, failure models.FailureRecord) (models.Classification, error) {
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, failure)
	}
	return models.Classification{}, nil
}

func (m *MockProvider) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisContent, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return models.AnalysisContent{}, nil
}

// NewMockProvider returns a MockProvider with sensible default responses.
// Every failure is classified CODE_ERROR; refinements raise confidence.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ClassifyFunc: func(_ context.Context, f models.FailureRecord) (models.Classification, error) {
			return models.Classification{
				Category:   models.CategoryCodeError,
				Confidence: 0.85,
				Suggestion: fmt.Sprintf("Inspect %s for the failing assertion", f.TestName),
			}, nil
		},
		AnalyzeFunc: func(_ context.Context, req models.AnalysisRequest) (models.AnalysisContent, error) {
			content := models.AnalysisContent{
				Classification:    req.Category,
				Severity:          "medium",
				Confidence:        0.75,
				RootCause:         "Simulated root cause from mock provider",
				FixRecommendation: "Guard the failing call against a nil value",
				CodePatch: &models.CodePatch{
					FilePath: "src/app.go",
					Language: "go",
					Before:   "return cart.Total()",
					After:    "if cart == nil {\n\treturn 0\n}\nreturn cart.Total()",
				},
				SimilarCases: req.SimilarCases,
			}
			if req.Feedback != nil {
				content.Confidence = 0.9
				content.RootCause = "Refined: " + content.RootCause
			}
			return content, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ClassifyFunc: func(_ context.Context, _ models.FailureRecord) (models.Classification, error) {
			return models.Classification{}, err
		},
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest) (models.AnalysisContent, error) {
			return models.AnalysisContent{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ClassifyFunc: func(ctx context.Context, _ models.FailureRecord) (models.Classification, error) {
			<-ctx.Done()
			return models.Classification{}, ctx.Err()
		},
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisRequest) (models.AnalysisContent, error) {
			<-ctx.Done()
			return models.AnalysisContent{}, ctx.Err()
		},
	}
}

var (
	_ models.Classifier     = (*MockProvider)(nil)
	_ models.AnalysisEngine = (*MockProvider)(nil)
)
