package storage

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// mutation is a generated put (Remove false) or remove on a small key space
type mutation struct {
	Key    string
	Value  string
	Remove bool
}

func genMutation() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 4),
		gen.AlphaString(),
		gen.Bool(),
	).Map(func(vals []interface{}) mutation {
		return mutation{
			Key:    fmt.Sprintf("k%d", vals[0].(int)),
			Value:  vals[1].(string),
			Remove: vals[2].(bool),
		}
	})
}

// TestReplicaInvariants checks the properties replication relies on
func TestReplicaInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	// A replica applying the committed entries in any order converges to the
	// writer's state.
	properties.Property("apply order does not matter", prop.ForAll(
		func(muts []mutation, seed int64) bool {
			obs := &recordingObserver{}
			writer := NewStore("m", obs)
			for _, m := range muts {
				if m.Remove {
					writer.Remove(m.Key, "writer")
				} else {
					writer.Put(m.Key, m.Value, "writer")
				}
			}

			committed := obs.snapshot()
			shuffled := make([]Entry, len(committed))
			for i, j := range permutation(len(committed), seed) {
				shuffled[i] = committed[j]
			}

			replica := NewStore("m", nil)
			for _, e := range shuffled {
				replica.Apply(e)
			}
			return sameLiveState(writer, replica)
		},
		gen.SliceOf(genMutation()),
		gen.Int64(),
	))

	// Every committed entry carries the value that immediately preceded it
	properties.Property("old value matches the preceding value", prop.ForAll(
		func(muts []mutation) bool {
			store := NewStore("m", nil)
			shadow := make(map[string]string)

			for _, m := range muts {
				prev, had := shadow[m.Key]
				if m.Remove {
					e, ok, _ := store.Remove(m.Key, "writer")
					if ok != had {
						return false
					}
					if ok && e.OldValue != prev {
						return false
					}
					delete(shadow, m.Key)
					continue
				}

				e, _ := store.Put(m.Key, m.Value, "writer")
				if e.HadOld != had || (had && e.OldValue != prev) {
					return false
				}
				shadow[m.Key] = m.Value
			}
			return true
		},
		gen.SliceOf(genMutation()),
	))

	properties.TestingRun(t)
}

func sameLiveState(a, b *Store) bool {
	ae, be := a.Entries(false), b.Entries(false)
	if len(ae) != len(be) {
		return false
	}
	for i := range ae {
		if ae[i].Key != be[i].Key || ae[i].Value != be[i].Value {
			return false
		}
	}
	return true
}

// permutation returns a deterministic permutation of [0, n) for seed
func permutation(n int, seed int64) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	x := uint64(seed)
	for i := n - 1; i > 0; i-- {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		j := int(x % uint64(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
