// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triangle() []Node {
	return []Node{
		{Name: "A", Adjacent: []string{"B", "C"}},
		{Name: "B", Adjacent: []string{"C"}},
		{Name: "C"},
	}
}

func TestNextHopPrefersDirectLink(t *testing.T) {
	g, err := New("A", triangle())
	require.NoError(t, err)

	hop, ok := g.NextHop("C")
	require.True(t, ok)
	assert.Equal(t, "C", hop)
	assert.Equal(t, []string{"A", "C"}, g.Path("A", "C"))
}

func TestMultiHopPath(t *testing.T) {
	nodes := []Node{
		{Name: "A", Adjacent: []string{"B"}},
		{Name: "B", Adjacent: []string{"C"}},
		{Name: "C", Adjacent: []string{"D"}},
		{Name: "D"},
	}
	g, err := New("A", nodes)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Path("A", "D"))
	assert.Equal(t, []string{"D", "C", "B", "A"}, g.Path("D", "A"))

	hop, ok := g.NextHop("D")
	require.True(t, ok)
	assert.Equal(t, "B", hop)

	assert.True(t, g.IsAdjacent("B"))
	assert.False(t, g.IsAdjacent("C"))
	assert.Equal(t, []string{"B"}, g.Adjacent())
}

func TestNextHopSelfAndUnknown(t *testing.T) {
	g, err := New("A", triangle())
	require.NoError(t, err)

	_, ok := g.NextHop("A")
	assert.False(t, ok)
	_, ok = g.NextHop("Z")
	assert.False(t, ok)
	assert.Nil(t, g.Path("A", "Z"))
}

func TestConstructionErrors(t *testing.T) {
	cases := []struct {
		name  string
		local string
		nodes []Node
		err   error
	}{
		{
			name:  "undefined adjacent",
			local: "A",
			nodes: []Node{{Name: "A", Adjacent: []string{"X"}}},
			err:   ErrUndefinedAdjacent,
		},
		{
			name:  "undefined local",
			local: "Q",
			nodes: triangle(),
			err:   ErrUndefinedLocal,
		},
		{
			name:  "disconnected partitions",
			local: "A",
			nodes: []Node{
				{Name: "A", Adjacent: []string{"B"}},
				{Name: "B"},
				{Name: "C", Adjacent: []string{"D"}},
				{Name: "D"},
			},
			err: ErrUnreachable,
		},
		{
			name:  "duplicate",
			local: "A",
			nodes: []Node{{Name: "A"}, {Name: "A"}},
			err:   ErrDuplicateNode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.local, tc.nodes)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSingleNode(t *testing.T) {
	g, err := New("solo", []Node{{Name: "solo"}})
	require.NoError(t, err)
	assert.Empty(t, g.Adjacent())
	assert.Equal(t, []string{"solo"}, g.Path("solo", "solo"))
}

func TestNodesReturnsCopy(t *testing.T) {
	g, err := New("A", triangle())
	require.NoError(t, err)

	nodes := g.Nodes()
	nodes[0].Adjacent[0] = "mutated"

	n, ok := g.Node("A")
	require.True(t, ok)
	assert.Equal(t, "B", n.Adjacent[0])
	assert.True(t, g.Contains("C"))
}
