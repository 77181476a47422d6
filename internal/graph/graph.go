package graph

import (
	"fmt"
	"sort"
	"strings"

	"convoy/internal/errors"
	"convoy/internal/spec"
)

// ServiceGraph is a set of container specs plus their declared depends-on
// edges. Construction fails if an edge references an unknown service or
// the edges form a cycle, so a successfully built graph is always runnable.
type ServiceGraph struct {
	nodes   []*spec.ContainerSpec
	byName  map[string]*spec.ContainerSpec
	order   map[string]int // declaration order, used as tie-break
	batches [][]string
}

// New builds a ServiceGraph from specs in declaration order.
func New(specs []*spec.ContainerSpec) (*ServiceGraph, error) {
	g := &ServiceGraph{
		nodes:  specs,
		byName: make(map[string]*spec.ContainerSpec, len(specs)),
		order:  make(map[string]int, len(specs)),
	}

	for i, s := range specs {
		if _, dup := g.byName[s.Name]; dup {
			return nil, errors.NewValidationError(
				fmt.Sprintf("Invalid stack: service '%s' declared twice", s.Name),
				"service names must be unique",
				"Rename one of the duplicate services",
				fmt.Errorf("%w: duplicate service %s", errors.ErrValidation, s.Name))
		}
		g.byName[s.Name] = s
		g.order[s.Name] = i
	}

	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := g.byName[dep]; !ok {
				return nil, errors.NewValidationError(
					fmt.Sprintf("Invalid stack: service '%s' depends on unknown service '%s'", s.Name, dep),
					"every dependsOn entry must name a declared service",
					"Declare the missing service or remove the dependency",
					fmt.Errorf("%w: unknown dependency %s -> %s", errors.ErrValidation, s.Name, dep))
			}
			if dep == s.Name {
				return nil, cycleError([]string{s.Name, s.Name})
			}
		}
	}

	batches, err := g.computeBatches()
	if err != nil {
		return nil, err
	}
	g.batches = batches
	return g, nil
}

// Lookup returns the spec for a service name.
func (g *ServiceGraph) Lookup(name string) (*spec.ContainerSpec, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// Nodes returns all specs in declaration order.
func (g *ServiceGraph) Nodes() []*spec.ContainerSpec {
	return g.nodes
}

// Batches returns the topological batches: each batch lists services whose
// dependencies all live in earlier batches. Within a batch, services keep
// their declaration order so output is deterministic.
func (g *ServiceGraph) Batches() [][]string {
	return g.batches
}

// ReverseOrder returns all service names ordered so every service appears
// before its dependencies. Used for teardown.
func (g *ServiceGraph) ReverseOrder() []string {
	var out []string
	for i := len(g.batches) - 1; i >= 0; i-- {
		out = append(out, g.batches[i]...)
	}
	return out
}

// Dependents returns the names of services that depend (directly) on name.
func (g *ServiceGraph) Dependents(name string) []string {
	var out []string
	for _, s := range g.nodes {
		for _, dep := range s.DependsOn {
			if dep == name {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}

// computeBatches runs Kahn's algorithm, emitting whole in-degree-zero
// layers at a time. Any leftover nodes sit on a cycle.
func (g *ServiceGraph) computeBatches() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, s := range g.nodes {
		indegree[s.Name] = len(s.DependsOn)
	}

	remaining := len(g.nodes)
	done := make(map[string]bool, len(g.nodes))
	var batches [][]string

	for remaining > 0 {
		var batch []string
		for _, s := range g.nodes { // declaration order
			if !done[s.Name] && indegree[s.Name] == 0 {
				batch = append(batch, s.Name)
			}
		}
		if len(batch) == 0 {
			return nil, cycleError(g.cycleMembers(done))
		}
		for _, name := range batch {
			done[name] = true
			remaining--
			for _, dependent := range g.Dependents(name) {
				indegree[dependent]--
			}
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

// cycleMembers names the services still blocked when Kahn's algorithm
// stalls, sorted for stable error text.
func (g *ServiceGraph) cycleMembers(done map[string]bool) []string {
	var members []string
	for _, s := range g.nodes {
		if !done[s.Name] {
			members = append(members, s.Name)
		}
	}
	sort.Strings(members)
	return members
}

func cycleError(members []string) error {
	list := strings.Join(members, ", ")
	return errors.NewCycleError(
		"Invalid stack: dependency cycle detected",
		fmt.Sprintf("services involved: %s", list),
		"Break the cycle by removing one of the dependsOn entries",
		fmt.Errorf("%w: %s", errors.ErrCycle, list))
}
