// Package graph materializes steps and dependency edges from a merged spec
// and provides traversal primitives: cycle detection, deterministic
// topological order, and target selection.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mkanda/loom/internal/dagspec"
	"github.com/mkanda/loom/internal/step"
	"github.com/mkanda/loom/internal/stepname"
)

// CycleError reports a dependency cycle with the full path in dependency
// order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// NoMatchError reports a user-specified target pattern that matched nothing.
type NoMatchError struct {
	Pattern string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("target pattern %q matched no steps", e.Pattern)
}

// Edge is one dependency relation: From depends on To.
type Edge struct {
	From string
	To   string
}

// Graph is the immutable DAG of steps for one run. Once built it is
// read-only; all traversal methods are safe for concurrent use.
type Graph struct {
	steps      map[string]step.Step
	order      []string            // declaration order, external leaves appended
	orderIndex map[string]int
	deps       map[string][]string // step -> dependency names, declared order
	dependents map[string][]string // step -> dependent names
}

// Build constructs one step object per defined name plus one leaf per
// external reference, resolves dependency pointers, and rejects cycles.
func Build(spec *dagspec.Spec, reg *step.Registry, env *step.Env) (*Graph, error) {
	g := &Graph{
		steps:      make(map[string]step.Step),
		orderIndex: make(map[string]int),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	add := func(name string) error {
		parsed, err := stepname.Parse(name)
		if err != nil {
			return err
		}
		s, err := reg.New(env, parsed)
		if err != nil {
			return fmt.Errorf("construct step %q: %w", name, err)
		}
		g.steps[name] = s
		g.orderIndex[name] = len(g.order)
		g.order = append(g.order, name)
		return nil
	}

	for _, name := range spec.Steps() {
		if err := add(name); err != nil {
			return nil, err
		}
	}

	// External references without a definition become leaves, in first-
	// reference order so the graph stays reproducible.
	for _, name := range spec.Steps() {
		declared, _ := spec.Dependencies(name)
		g.deps[name] = declared
		for _, dep := range declared {
			if _, ok := g.steps[dep]; !ok {
				if err := add(dep); err != nil {
					return nil, err
				}
			}
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	for name, s := range g.steps {
		declared := g.deps[name]
		resolved := make([]step.Step, len(declared))
		for i, dep := range declared {
			resolved[i] = g.steps[dep]
		}
		s.Bind(resolved)
	}
	return g, nil
}

// Step returns a step by name.
func (g *Graph) Step(name string) (step.Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// Steps returns all step names in declaration order.
func (g *Graph) Steps() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns every dependency edge, ordered by the dependent's
// declaration position and then by declared dependency order. Consumed by
// visualization tooling.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, name := range g.order {
		for _, dep := range g.deps[name] {
			edges = append(edges, Edge{From: name, To: dep})
		}
	}
	return edges
}

// Dependencies returns the declared dependency names of a step.
func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// Dependents returns the names of steps that depend on the given step.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// checkAcyclic runs Kahn's algorithm; if any node is left unsorted a cycle
// exists, and a DFS reconstructs its path for the error message.
func (g *Graph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.order))
	for _, n := range g.order {
		inDegree[n] = len(g.deps[n])
	}

	var queue []string
	for _, n := range g.order {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted++
		for _, dependent := range g.dependents[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if sorted == len(g.order) {
		return nil
	}
	return &CycleError{Path: g.findCyclePath(inDegree)}
}

// findCyclePath locates a cycle among nodes with non-zero residual
// in-degree using a gray/black DFS over dependency edges.
func (g *Graph) findCyclePath(inDegree map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range g.deps[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range g.order {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}

// TopologicalOrder returns the subset's step names so that every step
// appears after all of its (in-subset) dependencies. Independent steps are
// ordered by declaration position, keeping runs reproducible. A nil subset
// means the whole graph.
func (g *Graph) TopologicalOrder(subset map[string]bool) []string {
	include := func(name string) bool {
		return subset == nil || subset[name]
	}

	inDegree := make(map[string]int)
	for _, n := range g.order {
		if !include(n) {
			continue
		}
		deg := 0
		for _, dep := range g.deps[n] {
			if include(dep) {
				deg++
			}
		}
		inDegree[n] = deg
	}

	var ready []string
	for _, n := range g.order {
		if include(n) && inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	var sorted []string
	for len(ready) > 0 {
		// Declaration-order tie-break for determinism.
		sort.Slice(ready, func(i, j int) bool {
			return g.orderIndex[ready[i]] < g.orderIndex[ready[j]]
		})
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n)
		for _, dependent := range g.dependents[n] {
			if !include(dependent) {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return sorted
}

// Selection is the outcome of resolving target patterns: the full subset to
// schedule and the explicitly matched targets (force-flag candidates).
type Selection struct {
	Steps   map[string]bool
	Targets map[string]bool
}

// Select resolves target patterns to a concrete subset. Patterns match by
// substring unless exactMatch is set. includeUpstream pulls in transitive
// dependencies; includeDownstream pulls in transitive dependents. A pattern
// matching nothing is a fatal NoMatchError so a typo never silently runs
// zero steps.
func (g *Graph) Select(patterns []string, includeUpstream, includeDownstream, exactMatch bool) (*Selection, error) {
	sel := &Selection{
		Steps:   make(map[string]bool),
		Targets: make(map[string]bool),
	}

	if len(patterns) == 0 {
		for _, n := range g.order {
			sel.Steps[n] = true
			sel.Targets[n] = true
		}
		return sel, nil
	}

	for _, pattern := range patterns {
		matched := false
		for _, n := range g.order {
			if exactMatch && n != pattern {
				continue
			}
			if !exactMatch && !strings.Contains(n, pattern) {
				continue
			}
			sel.Steps[n] = true
			sel.Targets[n] = true
			matched = true
		}
		if !matched {
			return nil, &NoMatchError{Pattern: pattern}
		}
	}

	if includeUpstream {
		g.expand(sel.Steps, g.Dependencies)
	}
	if includeDownstream {
		g.expand(sel.Steps, g.Dependents)
	}
	return sel, nil
}

func (g *Graph) expand(set map[string]bool, next func(string) []string) {
	queue := make([]string, 0, len(set))
	for n := range set {
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range next(n) {
			if !set[m] {
				set[m] = true
				queue = append(queue, m)
			}
		}
	}
}
