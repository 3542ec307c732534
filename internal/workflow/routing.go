package workflow

import (
	"fmt"
	"os"

	"github.com/kiranshivaraju/cihealer/pkg/models"
	"gopkg.in/yaml.v3"
)

// Route is what approving a failure of a given category leads to.
// Exactly one of the two flags is set.
type Route struct {
	NeedsAIAnalysis    bool `yaml:"needs_ai_analysis"    json:"needs_ai_analysis"`
	TerminalOnApproval bool `yaml:"terminal_on_approval" json:"terminal_on_approval"`
}

var (
	aiRoute       = Route{NeedsAIAnalysis: true}
	terminalRoute = Route{TerminalOnApproval: true}
)

// RoutingTable maps categories to routes. Categories without an entry use Default.
type RoutingTable struct {
	Routes  map[models.Category]Route
	Default Route
}

// DefaultRoutingTable sends code errors to AI analysis and resolves everything else on approval.
func DefaultRoutingTable() *RoutingTable {
	return &RoutingTable{
		Routes: map[models.Category]Route{
			models.CategoryCodeError: aiRoute,
		},
		Default: terminalRoute,
	}
}

// LoadRoutingTable reads a YAML routing table. An empty path returns the default table.
//
//	default: {terminal_on_approval: true}
//	routes:
//	  CODE_ERROR: {needs_ai_analysis: true}
//	  TEST_ERROR: {needs_ai_analysis: true}
func LoadRoutingTable(path string) (*RoutingTable, error) {
	if path == "" {
		return DefaultRoutingTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing table: %w", err)
	}

	var file struct {
		Routes  map[models.Category]Route `yaml:"routes"`
		Default *Route                    `yaml:"default"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing routing table %s: %w", path, err)
	}

	t := &RoutingTable{Routes: file.Routes, Default: terminalRoute}
	if file.Default != nil {
		t.Default = *file.Default
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}
	return t, nil
}

func (t *RoutingTable) validate() error {
	if t.Default.NeedsAIAnalysis == t.Default.TerminalOnApproval {
		return fmt.Errorf("default route must set exactly one of needs_ai_analysis, terminal_on_approval")
	}
	for c, r := range t.Routes {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
		if r.NeedsAIAnalysis == r.TerminalOnApproval {
			return fmt.Errorf("route %s must set exactly one of needs_ai_analysis, terminal_on_approval", c)
		}
	}
	return nil
}

// Route returns the route for category.
func (t *RoutingTable) Route(category models.Category) Route {
	if r, ok := t.Routes[category]; ok {
		return r
	}
	return t.Default
}

// Resolve returns the route a decision takes. Escalation always goes to AI
// analysis; rejection never goes anywhere.
func (t *RoutingTable) Resolve(action models.DecisionAction, category models.Category) Route {
	switch action {
	case models.ActionEscalate:
		return aiRoute
	case models.ActionReject:
		return Route{}
	}
	return t.Route(category)
}
