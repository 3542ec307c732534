package tracker

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// New creates the issue tracker selected by cfg.Provider.
func New(cfg config.TrackerConfig, timeout time.Duration) (models.IssueTracker, error) {
	switch cfg.Provider {
	case "jira":
		return NewJira(cfg.BaseURL, cfg.Email, cfg.APIToken, cfg.ProjectKey, cfg.IssueType, timeout), nil
	case "mock":
		return NewMockTracker(), nil
	default:
		return nil, fmt.Errorf("unknown tracker %q: must be one of jira, mock", cfg.Provider)
	}
}
