// Package dag provides a generic directed acyclic graph.
package dag

import (
	"errors"
	"fmt"
)

// ErrCycle is returned by [Graph.Sort] when the graph contains a cycle.
var ErrCycle = errors.New("graph contains a cycle")

// Node is the constraint for vertex types of a Graph.
type Node interface{ comparable }

// Edge is a directed edge from Parent to Child.
type Edge[NodeType Node] struct {
	Parent, Child NodeType
}

// Graph is a directed graph. The zero value is an empty graph ready for use.
// Vertices are kept in insertion order so that iteration is deterministic.
type Graph[NodeType Node] struct {
	nodes    []NodeType
	known    nodeSet[NodeType]
	parents  map[NodeType][]NodeType
	children map[NodeType][]NodeType
}

func (g *Graph[NodeType]) init() {
	if g.known == nil {
		g.known = make(nodeSet[NodeType])
		g.parents = make(map[NodeType][]NodeType)
		g.children = make(map[NodeType][]NodeType)
	}
}

// Add adds n to the graph. Adding a node twice is a no-op.
func (g *Graph[NodeType]) Add(n NodeType) {
	g.init()
	if g.known.Contains(n) {
		return
	}
	g.known.Add(n)
	g.nodes = append(g.nodes, n)
}

// Has reports whether n is a vertex of g.
func (g *Graph[NodeType]) Has(n NodeType) bool { return g.known.Contains(n) }

// AddEdge adds an edge between two vertices already in the graph. Adding an
// edge twice is a no-op.
func (g *Graph[NodeType]) AddEdge(e Edge[NodeType]) error {
	switch {
	case !g.Has(e.Parent):
		return fmt.Errorf("parent node %v does not exist", e.Parent)
	case !g.Has(e.Child):
		return fmt.Errorf("child node %v does not exist", e.Child)
	}

	for _, c := range g.children[e.Parent] {
		if c == e.Child {
			return nil
		}
	}
	g.children[e.Parent] = append(g.children[e.Parent], e.Child)
	g.parents[e.Child] = append(g.parents[e.Child], e.Parent)
	return nil
}

// Nodes returns every vertex in insertion order.
func (g *Graph[NodeType]) Nodes() []NodeType {
	return append([]NodeType(nil), g.nodes...)
}

// Len returns the number of vertices.
func (g *Graph[NodeType]) Len() int { return len(g.nodes) }

// Children returns the direct successors of n.
func (g *Graph[NodeType]) Children(n NodeType) []NodeType { return g.children[n] }

// Parents returns the direct predecessors of n.
func (g *Graph[NodeType]) Parents(n NodeType) []NodeType { return g.parents[n] }

// Roots returns the vertices without parents.
func (g *Graph[NodeType]) Roots() []NodeType {
	var roots []NodeType
	for _, n := range g.nodes {
		if len(g.parents[n]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Leaves returns the vertices without children.
func (g *Graph[NodeType]) Leaves() []NodeType {
	var leaves []NodeType
	for _, n := range g.nodes {
		if len(g.children[n]) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Reachable returns the set of vertices reachable from any of start,
// including start itself.
func (g *Graph[NodeType]) Reachable(start ...NodeType) map[NodeType]struct{} {
	visited := make(nodeSet[NodeType])
	stack := append([]NodeType(nil), start...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Contains(n) {
			continue
		}
		visited.Add(n)
		stack = append(stack, g.children[n]...)
	}
	return visited
}

// Sort returns the vertices in topological order, parents before children,
// breaking ties by insertion order. Sort returns [ErrCycle] if g is not
// acyclic.
func (g *Graph[NodeType]) Sort() ([]NodeType, error) {
	indegree := make(map[NodeType]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] = len(g.parents[n])
	}

	queue := g.Roots()
	sorted := make([]NodeType, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)

		for _, child := range g.children[n] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(sorted) != len(g.nodes) {
		return nil, ErrCycle
	}
	return sorted, nil
}

type nodeSet[NodeType Node] map[NodeType]struct{}

func (s nodeSet[NodeType]) Add(n NodeType) { s[n] = struct{}{} }

func (s nodeSet[NodeType]) Contains(n NodeType) bool {
	_, ok := s[n]
	return ok
}
