// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package graph holds the broker topology and the hop paths between brokers.
package graph

import (
	"errors"
	"fmt"
	"slices"
)

// MaxNodes bounds the size of a topology. Paths are computed for every ordered
// pair of nodes on each rebuild, which is only cheap for small broker graphs.
const MaxNodes = 1024

var (
	ErrDuplicateNode     = errors.New("duplicate server")
	ErrUndefinedAdjacent = errors.New("adjacent server is not defined")
	ErrUndefinedLocal    = errors.New("local server is not defined")
	ErrUnreachable       = errors.New("server is unreachable")
	ErrTooManyNodes      = errors.New("too many servers")
)

// Node is a broker as declared in configuration.
type Node struct {
	Name     string
	Address  string
	Port     int
	Adjacent []string
}

// Graph is an immutable snapshot of the topology seen from the local node.
// Any change is applied by building a new Graph.
type Graph struct {
	local string
	nodes []Node
	index map[string]int
	adj   [][]int
	// paths[src][dst] is the node index sequence from src to dst, both included.
	paths [][][]int
}

// New validates the topology and computes a shortest path between every
// ordered pair of nodes. Edges are undirected and unweighted.
func New(local string, nodes []Node) (*Graph, error) {
	if len(nodes) > MaxNodes {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyNodes, len(nodes), MaxNodes)
	}

	g := &Graph{
		local: local,
		nodes: make([]Node, len(nodes)),
		index: make(map[string]int, len(nodes)),
		adj:   make([][]int, len(nodes)),
	}
	for i, n := range nodes {
		if _, ok := g.index[n.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
		}
		g.index[n.Name] = i
		n.Adjacent = slices.Clone(n.Adjacent)
		g.nodes[i] = n
	}
	if _, ok := g.index[local]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedLocal, local)
	}

	for i, n := range g.nodes {
		for _, name := range n.Adjacent {
			j, ok := g.index[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s (listed by %s)", ErrUndefinedAdjacent, name, n.Name)
			}
			if i == j {
				continue
			}
			g.link(i, j)
			g.link(j, i)
		}
	}

	g.paths = make([][][]int, len(g.nodes))
	for src := range g.nodes {
		g.paths[src] = g.shortestFrom(src)
		for dst, p := range g.paths[src] {
			if p == nil {
				return nil, fmt.Errorf("%w: %s from %s", ErrUnreachable, g.nodes[dst].Name, g.nodes[src].Name)
			}
		}
	}

	return g, nil
}

func (g *Graph) link(from, to int) {
	if !slices.Contains(g.adj[from], to) {
		g.adj[from] = append(g.adj[from], to)
	}
}

// shortestFrom runs a breadth-first search from src. Ties resolve to the
// neighbour declared first.
func (g *Graph) shortestFrom(src int) [][]int {
	prev := make([]int, len(g.nodes))
	for i := range prev {
		prev[i] = -1
	}
	seen := make([]bool, len(g.nodes))
	seen[src] = true
	frontier := []int{src}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range g.adj[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			prev[next] = cur
			frontier = append(frontier, next)
		}
	}

	paths := make([][]int, len(g.nodes))
	for dst := range g.nodes {
		if !seen[dst] {
			continue
		}
		var p []int
		for at := dst; at != -1; at = prev[at] {
			p = append(p, at)
		}
		slices.Reverse(p)
		paths[dst] = p
	}
	return paths
}

// Local returns the name of the local node.
func (g *Graph) Local() string {
	return g.local
}

// Contains reports whether name is a node of the graph.
func (g *Graph) Contains(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Nodes returns a copy of the node declarations.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		n.Adjacent = slices.Clone(n.Adjacent)
		out[i] = n
	}
	return out
}

// Node returns the declaration of name.
func (g *Graph) Node(name string) (Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return Node{}, false
	}
	n := g.nodes[i]
	n.Adjacent = slices.Clone(n.Adjacent)
	return n, true
}

// Adjacent returns the names of the direct neighbours of the local node.
func (g *Graph) Adjacent() []string {
	l := g.index[g.local]
	out := make([]string, 0, len(g.adj[l]))
	for _, j := range g.adj[l] {
		out = append(out, g.nodes[j].Name)
	}
	return out
}

// IsAdjacent reports whether name is a direct neighbour of the local node.
func (g *Graph) IsAdjacent(name string) bool {
	j, ok := g.index[name]
	if !ok {
		return false
	}
	return slices.Contains(g.adj[g.index[g.local]], j)
}

// Path returns the node names from src to dst, both included.
// It returns nil when either node is unknown.
func (g *Graph) Path(src, dst string) []string {
	i, ok := g.index[src]
	if !ok {
		return nil
	}
	j, ok := g.index[dst]
	if !ok {
		return nil
	}
	p := g.paths[i][j]
	out := make([]string, len(p))
	for k, n := range p {
		out[k] = g.nodes[n].Name
	}
	return out
}

// NextHop returns the neighbour of the local node on the path to dst.
// It returns false when dst is the local node or is not part of the graph.
func (g *Graph) NextHop(dst string) (string, bool) {
	p := g.Path(g.local, dst)
	if len(p) < 2 {
		return "", false
	}
	return p[1], true
}
