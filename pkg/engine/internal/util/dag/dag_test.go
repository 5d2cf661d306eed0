package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Graph[string] {
	t.Helper()

	var g Graph[string]
	for _, n := range []string{"a", "b", "c", "d"} {
		g.Add(n)
	}
	require.NoError(t, g.AddEdge(Edge[string]{Parent: "a", Child: "b"}))
	require.NoError(t, g.AddEdge(Edge[string]{Parent: "a", Child: "c"}))
	require.NoError(t, g.AddEdge(Edge[string]{Parent: "b", Child: "d"}))
	require.NoError(t, g.AddEdge(Edge[string]{Parent: "c", Child: "d"}))
	return &g
}

func TestGraph(t *testing.T) {
	g := diamond(t)

	require.Equal(t, 4, g.Len())
	require.Equal(t, []string{"a"}, g.Roots())
	require.Equal(t, []string{"d"}, g.Leaves())
	require.Equal(t, []string{"b", "c"}, g.Children("a"))
	require.Equal(t, []string{"b", "c"}, g.Parents("d"))

	g.Add("a")
	require.NoError(t, g.AddEdge(Edge[string]{Parent: "a", Child: "b"}))
	require.Equal(t, 4, g.Len())
	require.Len(t, g.Children("a"), 2)

	require.Error(t, g.AddEdge(Edge[string]{Parent: "x", Child: "a"}))
	require.Error(t, g.AddEdge(Edge[string]{Parent: "a", Child: "x"}))
}

func TestGraph_Sort(t *testing.T) {
	g := diamond(t)

	sorted, err := g.Sort()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, sorted)

	require.NoError(t, g.AddEdge(Edge[string]{Parent: "d", Child: "a"}))
	_, err = g.Sort()
	require.True(t, errors.Is(err, ErrCycle))
}

func TestGraph_Reachable(t *testing.T) {
	g := diamond(t)
	g.Add("island")
	require.NoError(t, g.AddEdge(Edge[string]{Parent: "d", Child: "b"}))

	require.Equal(t, []string{"a", "island"}, g.Roots())
	require.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}}, g.Reachable("a"))
	require.Equal(t, map[string]struct{}{"b": {}, "d": {}}, g.Reachable("b"), "cycles terminate")
	require.Len(t, g.Reachable(g.Roots()...), 5)
	require.Empty(t, g.Reachable())
}
