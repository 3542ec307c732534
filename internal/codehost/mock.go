package codehost

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// MockCodeHost is a configurable models.CodeHost for tests and local runs.
type MockCodeHost struct {
	CreatePRFunc       func(ctx context.Context, req models.PRRequest) (models.PullRequest, error)
	GetBuildStatusFunc func(ctx context.Context, ref string) (models.BuildStatus, error)
}

// NewMockCodeHost returns a code host that opens PR #1 and reports every build as passed.
func NewMockCodeHost() *MockCodeHost {
	return &MockCodeHost{}
}

func (m *MockCodeHost) Name() string { return "mock" }

func (m *MockCodeHost) CreatePR(ctx context.Context, req models.PRRequest) (models.PullRequest, error) {
	if m.CreatePRFunc != nil {
		return m.CreatePRFunc(ctx, req)
	}
	return models.PullRequest{
		Number: 1,
		URL:    fmt.Sprintf("https://example.com/pr/%d", 1),
		Branch: req.Branch,
		Ref:    req.Branch,
	}, nil
}

func (m *MockCodeHost) GetBuildStatus(ctx context.Context, ref string) (models.BuildStatus, error) {
	if m.GetBuildStatusFunc != nil {
		return m.GetBuildStatusFunc(ctx, ref)
	}
	return models.BuildPassed, nil
}
