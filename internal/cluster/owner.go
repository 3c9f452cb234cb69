package cluster

import (
	"github.com/cespare/xxhash/v2"
)

// OwnerOf picks the node responsible for key using rendezvous hashing. Every
// node holding the same view picks the same owner, and a membership change
// only moves the keys of the nodes that joined or left.
func OwnerOf(view ClusterView, key string) (Node, bool) {
	var (
		best      Node
		bestScore uint64
		found     bool
	)
	for _, n := range view {
		score := rendezvousScore(n.ID, key)
		if !found || score > bestScore || (score == bestScore && n.ID < best.ID) {
			best, bestScore, found = n, score, true
		}
	}
	return best, found
}

func rendezvousScore(nodeID, key string) uint64 {
	d := xxhash.New()
	d.WriteString(nodeID)
	d.Write([]byte{0})
	d.WriteString(key)
	return d.Sum64()
}
