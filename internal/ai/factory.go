package ai

import (
	"fmt"

	"github.com/kiranshivaraju/cihealer/internal/ai/mock"
	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// Provider is an engine that both classifies failures and performs deep analysis.
type Provider interface {
	models.Classifier
	models.AnalysisEngine
}

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case "remote":
		return NewRemoteProvider(cfg), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of remote, mock", cfg.Provider)
	}
}
