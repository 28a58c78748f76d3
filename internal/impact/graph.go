package impact

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

// Graph maps a resource to the resources that depend on it.
type Graph map[string][]string

// DefaultGraph is the built-in resource dependency graph.
func DefaultGraph() Graph {
	return Graph{
		"database":      {"api-gateway", "scheduler", "reporting"},
		"cache":         {"api-gateway", "session-store"},
		"api-gateway":   {"web-server"},
		"session-store": {"web-server"},
		"configuration": {"web-server", "api-gateway", "scheduler"},
		"credentials":   {"api-gateway", "database"},
		"permissions":   {"api-gateway"},
	}
}

type graphFile struct {
	Dependencies map[string][]string `yaml:"dependencies"`
}

// LoadGraph reads a YAML dependency graph of the form
//
//	dependencies:
//	  database: [api-gateway, scheduler]
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("impact: read graph: %w", err)
	}
	var f graphFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("impact: parse graph: %w", err)
	}
	if len(f.Dependencies) == 0 {
		return nil, fmt.Errorf("impact: graph %s declares no dependencies", path)
	}
	return Graph(f.Dependencies), nil
}

// Merge returns a copy of g with the edges of other added.
func (g Graph) Merge(other Graph) Graph {
	out := make(Graph, len(g)+len(other))
	for k, v := range g {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range other {
		out[k] = dedupe(append(out[k], v...))
	}
	return out
}

// withServices adds the edges implied by live service dependencies.
func (g Graph) withServices(services []models.ServiceInfo) Graph {
	extra := make(Graph)
	for _, svc := range services {
		for _, dep := range svc.Dependencies {
			extra[dep] = append(extra[dep], svc.Name)
		}
	}
	return g.Merge(extra)
}

// Dependents walks the graph breadth first from roots and returns every
// transitively dependent resource with its depth. Roots are excluded.
func (g Graph) Dependents(roots []string, critical map[string]bool) []models.DependencyImpact {
	seen := make(map[string]bool, len(roots))
	type node struct {
		name  string
		depth int
	}
	var queue []node
	for _, r := range roots {
		seen[r] = true
		queue = append(queue, node{name: r})
	}

	var out []models.DependencyImpact
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		children := append([]string(nil), g[n.name]...)
		sort.Strings(children)
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			d := n.depth + 1
			out = append(out, models.DependencyImpact{
				Resource:    c,
				Via:         n.name,
				Depth:       d,
				Severity:    dependencySeverity(d, critical[c]),
				Description: fmt.Sprintf("%s depends on %s", c, n.name),
			})
			queue = append(queue, node{name: c, depth: d})
		}
	}
	return out
}

func dependencySeverity(depth int, critical bool) models.RiskLevel {
	switch {
	case depth == 1 && critical:
		return models.RiskHigh
	case depth == 1 || critical:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
