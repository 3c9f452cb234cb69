package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGossiper_SpreadsMembership(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	a := net.newDirectory(t, "a", "dev")
	_, err := a.Join(ctx)
	require.NoError(t, err)

	b := net.newDirectory(t, "b", "dev", "a:5701")
	_, err = b.Join(ctx)
	require.NoError(t, err)

	// c only knows b; a learns about c through gossip
	c := net.newDirectory(t, "c", "dev", "b:5701")
	_, err = c.Join(ctx)
	require.NoError(t, err)
	assert.False(t, a.View().Contains("c"))

	NewGossiper(b, 0, 3).GossipOnce(ctx)

	assert.Equal(t, []string{"a", "b", "c"}, a.View().IDs())
	assert.Equal(t, []string{"a", "b", "c"}, c.View().IDs())
}

func TestGossiper_DownNodeRefutes(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	a := net.newDirectory(t, "a", "dev")
	_, err := a.Join(ctx)
	require.NoError(t, err)

	b := net.newDirectory(t, "b", "dev", "a:5701")
	_, err = b.Join(ctx)
	require.NoError(t, err)

	// a wrongly suspects b
	require.True(t, a.MarkDown("b"))
	assert.False(t, a.View().Contains("b"))

	g := NewGossiper(a, 0, 3)
	targets := g.selectTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, "b", targets[0].ID, "down members are still gossiped to")

	g.GossipOnce(ctx)

	assert.True(t, a.View().Contains("b"), "b refuted with a higher incarnation")
	assert.True(t, b.View().Contains("b"))
}

func TestGossiper_SkipsUnreachablePeers(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	a := net.newDirectory(t, "a", "dev")
	_, err := a.Join(ctx)
	require.NoError(t, err)
	b := net.newDirectory(t, "b", "dev", "a:5701")
	_, err = b.Join(ctx)
	require.NoError(t, err)

	net.setDown("b:5701", true)
	NewGossiper(a, 0, 3).GossipOnce(ctx)

	assert.True(t, a.View().Contains("b"), "gossip failures do not change membership")
}

func TestSelectRandomNodes(t *testing.T) {
	nodes := []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}

	assert.Len(t, selectRandomNodes(nodes, 2), 2)
	assert.Len(t, selectRandomNodes(nodes, 10), 4)

	seen := make(map[string]bool)
	for _, n := range selectRandomNodes(nodes, 3) {
		assert.False(t, seen[n.ID], "no duplicates")
		seen[n.ID] = true
	}
}
