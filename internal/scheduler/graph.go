// Package scheduler polls tracked backlogs, builds the dependency graph
// of open work items and starts sessions for newly unblocked items up to
// a concurrency ceiling.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/foremanhq/foreman/internal/github"
)

// Node is one open work item in the dependency graph.
type Node struct {
	Number     int
	Title      string
	DependsOn  []int
	DependedBy []int
}

// Graph holds the open-item set of a single poll pass. It is rebuilt
// from scratch every poll; nothing mutates it incrementally.
type Graph struct {
	Nodes map[int]*Node

	// order preserves the backlog listing order for deterministic
	// start ordering.
	order []int
}

// BuildGraph indexes the open items and derives the inverse edges.
// DependedBy is always the transpose of DependsOn across the node set.
func BuildGraph(items []github.WorkItem) *Graph {
	g := &Graph{Nodes: make(map[int]*Node, len(items))}

	for _, it := range items {
		g.Nodes[it.Number] = &Node{
			Number:    it.Number,
			Title:     it.Title,
			DependsOn: it.DependsOn,
		}
		g.order = append(g.order, it.Number)
	}

	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if d, ok := g.Nodes[dep]; ok {
				d.DependedBy = append(d.DependedBy, n.Number)
			}
		}
	}
	for _, n := range g.Nodes {
		sort.Ints(n.DependedBy)
	}
	return g
}

// DetectCycles finds dependency cycles via DFS coloring: white is
// unvisited, gray is on the current stack, black is done. A gray node
// re-encountered closes a cycle, reported as the path from that node's
// first visit to the top of the stack.
func (g *Graph) DetectCycles() [][]int {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[int]int, len(g.Nodes))
	parent := make(map[int]int)
	var cycles [][]int

	var dfs func(node int) []int
	dfs = func(node int) []int {
		color[node] = gray
		for _, next := range g.Nodes[node].DependsOn {
			if _, ok := g.Nodes[next]; !ok {
				continue
			}
			if color[next] == gray {
				cycle := []int{next, node}
				cur := node
				for cur != next {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				// The reconstruction walks back past the cycle
				// entry, drop the duplicated entry node.
				return cycle[:len(cycle)-1]
			}
			if color[next] == white {
				parent[next] = node
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = black
		return nil
	}

	for _, number := range g.order {
		if color[number] != white {
			continue
		}
		if cycle := dfs(number); cycle != nil {
			cycles = append(cycles, cycle)
			for _, n := range cycle {
				color[n] = black
			}
		}
	}
	return cycles
}

// Unblocked returns open items that have at least one dependency and
// whose every dependency is either resolved or no longer open. Items
// with zero dependencies are never returned; they start through the
// operator path, not this scheduler. Output follows the listing order.
func (g *Graph) Unblocked(resolved map[int]bool) []int {
	var out []int
	for _, number := range g.order {
		n := g.Nodes[number]
		if len(n.DependsOn) == 0 {
			continue
		}
		ready := true
		for _, dep := range n.DependsOn {
			_, open := g.Nodes[dep]
			if open && !resolved[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, number)
		}
	}
	return out
}

// cycleSignature identifies a cycle by its sorted member set, so the
// same cycle is not re-reported every poll.
func cycleSignature(cycle []int) string {
	members := make([]int, len(cycle))
	copy(members, cycle)
	sort.Ints(members)

	parts := make([]string, len(members))
	for i, n := range members {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ",")
}
