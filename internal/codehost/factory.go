package codehost

import (
	"fmt"

	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// New creates the code host selected by cfg.Provider.
func New(cfg config.CodeHostConfig) (models.CodeHost, error) {
	switch cfg.Provider {
	case "github":
		return NewGitHub(cfg.Token, cfg.Owner, cfg.Repo)
	case "mock":
		return NewMockCodeHost(), nil
	default:
		return nil, fmt.Errorf("unknown code host %q: must be one of github, mock", cfg.Provider)
	}
}
