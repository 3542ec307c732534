package tracker

import (
	"context"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// MockTracker is a configurable models.IssueTracker for tests and local runs.
type MockTracker struct {
	CreateBugFunc func(ctx context.Context, req models.BugRequest) (models.Bug, error)
}

// NewMockTracker returns a tracker that files every bug as CI-1.
func NewMockTracker() *MockTracker {
	return &MockTracker{}
}

func (m *MockTracker) Name() string { return "mock" }

func (m *MockTracker) CreateBug(ctx context.Context, req models.BugRequest) (models.Bug, error) {
	if m.CreateBugFunc != nil {
		return m.CreateBugFunc(ctx, req)
	}
	return models.Bug{Key: "CI-1", URL: "https://example.com/browse/CI-1"}, nil
}
