// SPDX-License-Identifier: MPL-2.0

// Package dag orders nodes of a directed acyclic graph. The recipe uses it to
// check that build steps appear after every step they depend on.
package dag

import (
	"fmt"
	"strings"
)

type (
	// CycleError reports nodes that could not be ordered because they sit on
	// (or behind) a cycle.
	CycleError[K comparable] struct {
		Nodes []K
	}

	// OrderError reports a node that appears before one of its prerequisites.
	OrderError[K comparable] struct {
		Node    K
		Missing K
	}

	// Graph is a directed graph. An edge from A to B means A must come before B.
	// Node order is insertion order, which keeps sort output deterministic.
	Graph[K comparable] struct {
		adjacency map[K][]K
		nodes     []K
		nodeSet   map[K]bool
	}
)

func (e *CycleError[K]) Error() string {
	parts := make([]string, 0, len(e.Nodes))
	for _, n := range e.Nodes {
		parts = append(parts, fmt.Sprint(n))
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, " -> "))
}

func (e *OrderError[K]) Error() string {
	return fmt.Sprintf("%v is ordered before its prerequisite %v", e.Node, e.Missing)
}

// New creates an empty Graph.
func New[K comparable]() *Graph[K] {
	return &Graph[K]{
		adjacency: make(map[K][]K),
		nodeSet:   make(map[K]bool),
	}
}

// AddNode adds a node; adding an existing node is a no-op.
func (g *Graph[K]) AddNode(n K) {
	if g.nodeSet[n] {
		return
	}
	g.nodeSet[n] = true
	g.nodes = append(g.nodes, n)
}

// AddEdge records that from must come before to, adding both nodes if needed.
func (g *Graph[K]) AddEdge(from, to K) {
	g.AddNode(from)
	g.AddNode(to)
	g.adjacency[from] = append(g.adjacency[from], to)
}

// Len returns the number of nodes.
func (g *Graph[K]) Len() int {
	return len(g.nodes)
}

// TopologicalSort returns an order using Kahn's algorithm. Nodes at the same
// level keep their insertion order.
func (g *Graph[K]) TopologicalSort() ([]K, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := g.inDegrees()

	queue := make([]K, 0, len(g.nodes))
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]K, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)

		for _, next := range g.adjacency[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var stuck []K
		for _, n := range g.nodes {
			if inDegree[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, &CycleError[K]{Nodes: stuck}
	}

	return result, nil
}

// CheckOrder verifies that order lists every prerequisite of a node before the
// node itself. Nodes in order that are unknown to the graph are ignored; graph
// nodes missing from order are reported as missing prerequisites of whatever
// depends on them.
func (g *Graph[K]) CheckOrder(order []K) error {
	if _, err := g.TopologicalSort(); err != nil {
		return err
	}

	pos := make(map[K]int, len(order))
	for i, n := range order {
		if _, seen := pos[n]; !seen {
			pos[n] = i
		}
	}

	for _, from := range g.nodes {
		for _, to := range g.adjacency[from] {
			toPos, ok := pos[to]
			if !ok {
				continue
			}
			fromPos, ok := pos[from]
			if !ok || fromPos > toPos {
				return &OrderError[K]{Node: to, Missing: from}
			}
		}
	}
	return nil
}

func (g *Graph[K]) inDegrees() map[K]int {
	inDegree := make(map[K]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n] = 0
	}
	for _, neighbors := range g.adjacency {
		for _, next := range neighbors {
			inDegree[next]++
		}
	}
	return inDegree
}
