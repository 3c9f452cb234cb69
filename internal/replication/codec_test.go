package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/clustermap/internal/storage"
)

func TestCodec_Mutation(t *testing.T) {
	in := Mutation{
		Cluster: "dev",
		Map:     "my-distributed-map",
		Entry: storage.Entry{
			Key:       "1",
			Value:     "Johnny",
			Version:   2,
			Origin:    "node-a",
			OldValue:  "John",
			HadOld:    true,
			UpdatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}

	frame, err := Encode(KindMutation, in)
	require.NoError(t, err)
	assert.Equal(t, byte(KindMutation), frame[0], "kind byte doubles as the SUB topic")

	var out Mutation
	kind, err := Decode(frame, &out)
	require.NoError(t, err)
	assert.Equal(t, KindMutation, kind)
	assert.Equal(t, in.Map, out.Map)
	assert.Equal(t, in.Entry.Value, out.Entry.Value)
	assert.Equal(t, in.Entry.OldValue, out.Entry.OldValue)
	assert.True(t, in.Entry.UpdatedAt.Equal(out.Entry.UpdatedAt))
}

func TestCodec_Malformed(t *testing.T) {
	var m Mutation

	_, err := Decode(nil, &m)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode([]byte{byte(KindMutation), 0xff, 0xff, 0xff}, &m)
	assert.Error(t, err)
}
