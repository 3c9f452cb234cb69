package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerOf_EmptyView(t *testing.T) {
	_, ok := OwnerOf(nil, "key")
	assert.False(t, ok)
}

func TestOwnerOf_Deterministic(t *testing.T) {
	view := ClusterView{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	reversed := ClusterView{{ID: "c"}, {ID: "b"}, {ID: "a"}}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("map/key-%d", i)
		o1, ok := OwnerOf(view, key)
		require.True(t, ok)
		o2, _ := OwnerOf(reversed, key)
		assert.Equal(t, o1.ID, o2.ID, "owner does not depend on view order")
	}
}

func TestOwnerOf_Spread(t *testing.T) {
	view := ClusterView{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		owner, _ := OwnerOf(view, fmt.Sprintf("map/%d", i))
		counts[owner.ID]++
	}

	for _, n := range view {
		assert.Greater(t, counts[n.ID], 700, "node %s owns too few keys", n.ID)
	}
}

func TestOwnerOf_MinimalMovement(t *testing.T) {
	full := ClusterView{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	withoutC := ClusterView{{ID: "a"}, {ID: "b"}}

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("map/%d", i)
		before, _ := OwnerOf(full, key)
		after, _ := OwnerOf(withoutC, key)
		if before.ID != "c" {
			assert.Equal(t, before.ID, after.ID, "key %s moved although its owner stayed", key)
		}
	}
}
