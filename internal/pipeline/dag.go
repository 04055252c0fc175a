// Package pipeline builds the dependency DAG of §4.G over a loaded
// element set and schedules the five queues (track, fetch, pull, build,
// push) that drive every element to a terminal state.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/pmengelbert/stack"
	"golang.org/x/exp/constraints"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
)

// Scope selects the closure computed from a target element, per §4.G.
type Scope int

const (
	ScopeNone Scope = iota
	ScopePlan
	ScopeRun
	ScopeBuild
	ScopeAll
)

type edge struct {
	from, to string
	kind     element.DependencyKind
}

// DAG is the typed dependency graph of §4.G: elements are vertices,
// build and runtime dependencies are typed edges.
type DAG struct {
	elements map[string]*element.Element
	edges    sets.Set[edge]
	fwd      map[string][]edge // outgoing, sorted by target name
	rev      map[string][]edge // incoming, sorted by source name
	ordered  []string          // full topological order, ties broken by name
}

type vertex struct {
	name    string
	index   *int
	lowlink int
	onStack bool
}

// NewDAG builds the dependency graph for elements and computes its
// deterministic topological order. It is adapted from dalec's
// Tarjan-based Graph (graph.go): the same strongConnect shape, but
// vertex and edge traversal here is sorted by name rather than relying
// on Go's randomized map/set iteration, since §4.G requires a
// deterministic tie-break and dalec's own ordering only happens to be
// stable because it is never exercised concurrently.
func NewDAG(elements map[string]*element.Element) (*DAG, error) {
	g := &DAG{
		elements: elements,
		edges:    sets.New[edge](),
		fwd:      map[string][]edge{},
		rev:      map[string][]edge{},
	}

	for name, e := range elements {
		for _, dep := range e.Dependencies {
			if dep.Name == name {
				continue
			}
			if _, ok := elements[dep.Name]; !ok {
				return nil, bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonMissing,
					fmt.Sprintf("element %q depends on unknown element %q", name, dep.Name))
			}
			ed := edge{from: name, to: dep.Name, kind: dep.Kind}
			if g.edges.Has(ed) {
				continue
			}
			g.edges.Insert(ed)
			g.fwd[name] = append(g.fwd[name], ed)
			g.rev[dep.Name] = append(g.rev[dep.Name], ed)
		}
	}
	for _, list := range g.fwd {
		sort.Slice(list, func(i, j int) bool { return list[i].to < list[j].to })
	}
	for _, list := range g.rev {
		sort.Slice(list, func(i, j int) bool { return list[i].from < list[j].from })
	}

	names := make([]string, 0, len(elements))
	for name := range elements {
		names = append(names, name)
	}
	sort.Strings(names)

	components, err := g.topSort(names)
	if err != nil {
		return nil, err
	}
	if err := verifyAcyclic(components); err != nil {
		return nil, err
	}
	for _, c := range components {
		g.ordered = append(g.ordered, c...)
	}
	return g, nil
}

// https://en.wikipedia.org/wiki/Tarjan%27s_strongly_connected_components_algorithm
func (g *DAG) topSort(names []string) ([][]string, error) {
	vertices := make(map[string]*vertex, len(names))
	for _, n := range names {
		vertices[n] = &vertex{name: n}
	}

	index := 0
	s := stack.New[*vertex]()
	var output [][]string

	var strongConnect func(v *vertex)
	strongConnect = func(v *vertex) {
		v.index = new(int)
		*v.index = index
		v.lowlink = index
		index++
		s.Push(v)
		v.onStack = true

		for _, ed := range g.fwd[v.name] {
			w := vertices[ed.to]
			if w.index == nil {
				strongConnect(w)
				v.lowlink = min(v.lowlink, w.lowlink)
				continue
			}
			if w.onStack {
				v.lowlink = min(v.lowlink, *w.index)
			}
		}

		if v.lowlink == *v.index {
			var component []string
			var w *vertex
			isSome := func(o stack.Option[*vertex]) bool {
				if o.IsSome() {
					w = o.Unwrap()
					return true
				}
				return false
			}
			for opt := s.Pop(); isSome(opt); opt = s.Pop() {
				w.onStack = false
				component = append(component, w.name)
				if w == v {
					break
				}
			}
			output = append(output, component)
		}
	}

	for _, n := range names {
		if vertices[n].index != nil {
			continue
		}
		strongConnect(vertices[n])
	}
	return output, nil
}

func verifyAcyclic(components [][]string) error {
	for _, c := range components {
		if len(c) > 1 {
			sorted := append([]string{}, c...)
			sort.Strings(sorted)
			return bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonCircularDependency,
				fmt.Sprintf("dependency cycle among: %v", sorted))
		}
	}
	return nil
}

func min[T constraints.Ordered](x, y T) T {
	if x < y {
		return x
	}
	return y
}

// DirectDeps returns name's direct dependency names of the given kind,
// sorted.
func (g *DAG) DirectDeps(name string, kind element.DependencyKind) []string {
	var out []string
	for _, ed := range g.fwd[name] {
		if ed.kind == kind {
			out = append(out, ed.to)
		}
	}
	return out
}

// ReverseDeps returns the names of elements that directly depend on
// name, of either kind, sorted.
func (g *DAG) ReverseDeps(name string) []string {
	var out []string
	for _, ed := range g.rev[name] {
		out = append(out, ed.from)
	}
	return out
}

func (g *DAG) closureOverKind(root string, kind element.DependencyKind, into sets.Set[string]) {
	for _, dep := range g.DirectDeps(root, kind) {
		if into.Has(dep) {
			continue
		}
		into.Insert(dep)
		g.closureOverKind(dep, kind, into)
	}
}

func (g *DAG) closureOverAll(root string, into sets.Set[string]) {
	for _, ed := range g.fwd[root] {
		if into.Has(ed.to) {
			continue
		}
		into.Insert(ed.to)
		g.closureOverAll(ed.to, into)
	}
}

// Closure computes, for target and scope, the element set of §4.G in
// deterministic staging order (topological, tie-break by name):
//
//   - None: just target.
//   - Build: target's direct build dependencies, each staged whole
//     together with its own transitive runtime closure, since a build
//     dependency is staged as a complete sysroot.
//   - Run: target plus its transitive runtime closure.
//   - Plan: every element that must be processed to realize target:
//     the transitive closure over both edge kinds, plus target.
//   - All: same as Plan; this implementation does not load elements
//     outside the dependency graph of target (no floating/unreferenced
//     junction elements), so there is nothing further to add.
func (g *DAG) Closure(target string, scope Scope) ([]string, error) {
	if _, ok := g.elements[target]; !ok {
		return nil, bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonMissing, "unknown target element: "+target)
	}

	set := sets.New[string]()
	switch scope {
	case ScopeNone:
		set.Insert(target)
	case ScopeBuild:
		for _, dep := range g.DirectDeps(target, element.DepBuild) {
			set.Insert(dep)
			g.closureOverKind(dep, element.DepRuntime, set)
		}
	case ScopeRun:
		set.Insert(target)
		g.closureOverKind(target, element.DepRuntime, set)
	case ScopePlan, ScopeAll:
		set.Insert(target)
		g.closureOverAll(target, set)
	default:
		return nil, bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonMissing, "unknown scope")
	}

	var out []string
	for _, name := range g.ordered {
		if set.Has(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Element returns the element registered under name.
func (g *DAG) Element(name string) (*element.Element, bool) {
	e, ok := g.elements[name]
	return e, ok
}
