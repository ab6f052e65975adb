package pipeline

import (
	"sort"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/stage"
)

// Graph is a validated, acyclic set of stage definitions with a fixed
// topological order.
type Graph struct {
	stages     map[string]stage.Definition
	dependents map[string][]string
	order      []string
	position   map[string]int
	levels     [][]string
}

const (
	white = iota
	gray
	black
)

// NewGraph validates defs and computes the execution order. Stage defaults
// are applied to every definition.
func NewGraph(defs []stage.Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, models.NewConfigurationError("stages", "pipeline must declare at least one stage")
	}

	g := &Graph{
		stages:     make(map[string]stage.Definition, len(defs)),
		dependents: make(map[string][]string, len(defs)),
		position:   make(map[string]int, len(defs)),
	}
	for _, def := range defs {
		def = def.WithDefaults()
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := g.stages[def.Name]; dup {
			return nil, models.NewConfigurationError("stages."+def.Name, "duplicate stage name")
		}
		g.stages[def.Name] = def
	}

	for _, name := range g.names() {
		seen := make(map[string]bool)
		for _, dep := range g.stages[name].DependsOn {
			if _, ok := g.stages[dep]; !ok {
				return nil, models.NewConfigurationError("stages."+name+".depends_on", "undeclared dependency %q", dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &models.CyclicGraphError{Cycle: cycle}
	}
	g.sortTopologically()
	return g, nil
}

func (g *Graph) names() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findCycle runs a DFS with color marking over dependency edges and returns
// the first cycle found as a closed path, or nil.
func (g *Graph) findCycle() []string {
	colors := make(map[string]int, len(g.stages))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colors[name] = gray
		path = append(path, name)
		for _, dep := range g.stages[name].DependsOn {
			switch colors[dep] {
			case gray:
				for i, n := range path {
					if n == dep {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		colors[name] = black
		return nil
	}

	for _, name := range g.names() {
		if colors[name] == white {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// sortTopologically applies Kahn's algorithm with a name-sorted ready set so
// the order is deterministic. Levels group stages by longest dependency depth.
func (g *Graph) sortTopologically() {
	pending := make(map[string]int, len(g.stages))
	depth := make(map[string]int, len(g.stages))
	var ready []string
	for _, name := range g.names() {
		pending[name] = len(g.dependencies(name))
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.position[name] = len(g.order)
		g.order = append(g.order, name)

		for _, next := range g.dependents[name] {
			depth[next] = max(depth[next], depth[name]+1)
			pending[next]--
			if pending[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}

	for _, name := range g.order {
		d := depth[name]
		for len(g.levels) <= d {
			g.levels = append(g.levels, nil)
		}
		g.levels[d] = append(g.levels[d], name)
	}
}

// dependencies returns the distinct declared dependencies of name.
func (g *Graph) dependencies(name string) []string {
	def := g.stages[name]
	out := make([]string, 0, len(def.DependsOn))
	seen := make(map[string]bool, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

// Order returns the stage names in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Levels groups stages whose dependencies all lie in earlier levels.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

func (g *Graph) Stage(name string) (stage.Definition, bool) {
	def, ok := g.stages[name]
	return def, ok
}

func (g *Graph) Dependencies(name string) []string {
	return g.dependencies(name)
}

// Position is the index of name in Order, or -1.
func (g *Graph) Position(name string) int {
	if p, ok := g.position[name]; ok {
		return p
	}
	return -1
}

func (g *Graph) Len() int {
	return len(g.order)
}

// Definitions returns the stages in topological order.
func (g *Graph) Definitions() []stage.Definition {
	defs := make([]stage.Definition, 0, len(g.order))
	for _, name := range g.order {
		defs = append(defs, g.stages[name])
	}
	return defs
}
