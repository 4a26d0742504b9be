// Package depgraph computes a build order over packages from their
// build-dependency declarations.
package depgraph

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
)

// Package is the dependency declaration of one buildable package.
type Package struct {
	Name          string
	Provides      []string
	BuildRequires []string
}

// Cycle lists the packages forming one detected cycle, starting and ending
// with the same package.
type Cycle []string

func (c Cycle) String() string { return strings.Join(c, " -> ") }

type mark int

const (
	unvisited mark = iota
	inProgress
	done
)

// Graph is the resolved dependency graph: every provided name maps to the
// package owning it, and edges point from a package to the packages it
// needs built first.
type Graph struct {
	names  []string
	owner  map[string]string
	edges  map[string][]string
	byName map[string]Package
}

// NewGraph resolves aliases and builds the adjacency map. Requirements on a
// name the package provides itself, or on names no package provides, are
// ignored. When two packages claim the same name the first one in name order
// wins.
func NewGraph(pkgs []Package) *Graph {
	g := &Graph{
		owner:  map[string]string{},
		edges:  map[string][]string{},
		byName: map[string]Package{},
	}
	sorted := append([]Package(nil), pkgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, p := range sorted {
		if _, dup := g.byName[p.Name]; dup {
			continue
		}
		g.byName[p.Name] = p
		g.names = append(g.names, p.Name)
	}
	for _, name := range g.names {
		g.owner[name] = name
	}
	for _, name := range g.names {
		for _, alias := range g.byName[name].Provides {
			if _, taken := g.owner[alias]; !taken {
				g.owner[alias] = name
			}
		}
	}
	for _, name := range g.names {
		p := g.byName[name]
		own := map[string]bool{p.Name: true}
		for _, alias := range p.Provides {
			own[alias] = true
		}
		seen := map[string]bool{}
		for _, req := range p.BuildRequires {
			if own[req] {
				continue
			}
			dep, ok := g.owner[req]
			if !ok || dep == name || seen[dep] {
				continue
			}
			seen[dep] = true
			g.edges[name] = append(g.edges[name], dep)
		}
	}
	return g
}

// Owner returns the package providing name.
func (g *Graph) Owner(name string) (string, bool) {
	o, ok := g.owner[name]
	return o, ok
}

// Order returns the packages in build order (DFS post-order) together with
// every cycle met on the way. Cycles never abort the traversal; the back
// edge is treated as already satisfied.
func (g *Graph) Order() ([]string, []Cycle) {
	state := make(map[string]mark, len(g.names))
	order := make([]string, 0, len(g.names))
	var cycles []Cycle
	var stack []string

	var visit func(n string)
	visit = func(n string) {
		switch state[n] {
		case done:
			return
		case inProgress:
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == n {
					c := append(Cycle(nil), stack[i:]...)
					cycles = append(cycles, append(c, n))
					break
				}
			}
			return
		}
		state[n] = inProgress
		stack = append(stack, n)
		for _, dep := range g.edges[n] {
			visit(dep)
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		order = append(order, n)
	}

	for _, n := range g.names {
		if state[n] == unvisited {
			visit(n)
		}
	}
	return order, cycles
}

// Order is a convenience wrapper that builds the graph, logs every cycle and
// returns the build order.
func Order(pkgs []Package) ([]string, []Cycle) {
	order, cycles := NewGraph(pkgs).Order()
	for _, c := range cycles {
		slog.Warn("Dependency cycle detected", "cycle", c.String())
	}
	return order, cycles
}

// WriteDOT renders the graph in Graphviz format.
func (g *Graph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph G {"); err != nil {
		return err
	}
	for _, n := range g.names {
		for _, dep := range g.edges[n] {
			if _, err := fmt.Fprintf(w, "  %q -> %q;\n", n, dep); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
