package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      sync.Mutex
	entries []Entry
	local   []bool
}

func (o *recordingObserver) EntryCommitted(mapName string, e Entry, local bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	o.local = append(o.local, local)
}

func (o *recordingObserver) snapshot() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Entry(nil), o.entries...)
}

func TestStore_BasicOperations(t *testing.T) {
	store := NewStore("people", nil)

	e, err := store.Put("1", "John", "node-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
	assert.False(t, e.HadOld)

	value, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, "John", value)

	e, err = store.Put("1", "Johnny", "node-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Version)
	assert.True(t, e.HadOld)
	assert.Equal(t, "John", e.OldValue)

	e, ok, err = store.Remove("1", "node-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.Deleted)
	assert.Equal(t, "Johnny", e.OldValue)
	assert.Equal(t, uint64(3), e.Version)

	_, ok = store.Get("1")
	assert.False(t, ok)

	tomb, ok := store.Entry("1")
	require.True(t, ok, "tombstone should be retained")
	assert.True(t, tomb.Deleted)
}

func TestStore_EmptyKeyValidation(t *testing.T) {
	store := NewStore("people", nil)

	_, err := store.Put("", "value", "node-a")
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = store.Remove("", "node-a")
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = store.PutIfAbsent("", "value", "node-a")
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = store.Apply(Entry{})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestStore_RemoveMissingKey(t *testing.T) {
	obs := &recordingObserver{}
	store := NewStore("people", obs)

	_, ok, err := store.Remove("2", "node-a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, obs.snapshot(), "removing a missing key must not commit anything")

	// Removing twice only commits once
	_, err = store.Put("2", "Mary", "node-a")
	require.NoError(t, err)
	_, ok, _ = store.Remove("2", "node-a")
	assert.True(t, ok)
	_, ok, _ = store.Remove("2", "node-a")
	assert.False(t, ok)
	assert.Len(t, obs.snapshot(), 2)
}

func TestStore_PutIfAbsent(t *testing.T) {
	store := NewStore("people", nil)

	e, committed, err := store.PutIfAbsent("3", "Jane", "node-a")
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, "Jane", e.Value)

	e, committed, err = store.PutIfAbsent("3", "Janet", "node-b")
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, "Jane", e.Value)

	// A tombstoned key counts as absent, and the version keeps increasing
	_, ok, err := store.Remove("3", "node-a")
	require.NoError(t, err)
	require.True(t, ok)

	e, committed, err = store.PutIfAbsent("3", "Janet", "node-b")
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, uint64(3), e.Version)
	assert.False(t, e.HadOld)
}

func TestStore_ApplyLastWriterWins(t *testing.T) {
	tests := []struct {
		name     string
		current  *Entry
		incoming Entry
		applied  bool
		want     string
	}{
		{
			name:     "missing key",
			incoming: Entry{Key: "k", Value: "new", Version: 1, Origin: "a"},
			applied:  true,
			want:     "new",
		},
		{
			name:     "higher version",
			current:  &Entry{Key: "k", Value: "old", Version: 1, Origin: "z"},
			incoming: Entry{Key: "k", Value: "new", Version: 2, Origin: "a"},
			applied:  true,
			want:     "new",
		},
		{
			name:     "lower version",
			current:  &Entry{Key: "k", Value: "old", Version: 3, Origin: "a"},
			incoming: Entry{Key: "k", Value: "new", Version: 2, Origin: "z"},
			applied:  false,
			want:     "old",
		},
		{
			name:     "same version higher origin",
			current:  &Entry{Key: "k", Value: "old", Version: 2, Origin: "a"},
			incoming: Entry{Key: "k", Value: "new", Version: 2, Origin: "b"},
			applied:  true,
			want:     "new",
		},
		{
			name:     "duplicate",
			current:  &Entry{Key: "k", Value: "old", Version: 2, Origin: "a"},
			incoming: Entry{Key: "k", Value: "old", Version: 2, Origin: "a"},
			applied:  false,
			want:     "old",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore("m", nil)
			if tt.current != nil {
				_, err := store.Apply(*tt.current)
				require.NoError(t, err)
			}

			applied, err := store.Apply(tt.incoming)
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)

			got, _ := store.Get("k")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_ApplyTombstoneBlocksStalePut(t *testing.T) {
	store := NewStore("m", nil)

	_, err := store.Apply(Entry{Key: "k", Deleted: true, Version: 5, Origin: "a"})
	require.NoError(t, err)

	applied, err := store.Apply(Entry{Key: "k", Value: "late", Version: 4, Origin: "b"})
	require.NoError(t, err)
	assert.False(t, applied)

	_, ok := store.Get("k")
	assert.False(t, ok)
}

func TestStore_ObserverSeesLocalAndReplicated(t *testing.T) {
	obs := &recordingObserver{}
	store := NewStore("m", obs)

	_, err := store.Put("a", "1", "node-a")
	require.NoError(t, err)
	_, err = store.Apply(Entry{Key: "b", Value: "2", Version: 1, Origin: "node-b"})
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.entries, 2)
	assert.True(t, obs.local[0])
	assert.False(t, obs.local[1])
}

func TestStore_ConcurrentPutsKeepVersionsUnique(t *testing.T) {
	obs := &recordingObserver{}
	store := NewStore("m", obs)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put("k", fmt.Sprintf("v%d", i), "node-a")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries := obs.snapshot()
	require.Len(t, entries, 50)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Version, "observer must see versions in commit order")
		if i > 0 {
			assert.Equal(t, entries[i-1].Value, e.OldValue)
		}
	}
}

func TestStore_EntriesKeysAndPurge(t *testing.T) {
	store := NewStore("m", nil)

	for _, k := range []string{"c", "a", "b"} {
		_, err := store.Put(k, "v-"+k, "node-a")
		require.NoError(t, err)
	}
	_, _, err := store.Remove("b", "node-a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, store.Keys())
	assert.Equal(t, 2, store.Len())
	assert.Len(t, store.Entries(false), 2)
	assert.Len(t, store.Entries(true), 3)

	assert.Equal(t, 0, store.PurgeTombstones(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, store.PurgeTombstones(time.Now().Add(time.Second)))
	assert.Len(t, store.Entries(true), 2)
}

func TestCatalog(t *testing.T) {
	catalog := NewCatalog()
	obs := &recordingObserver{}

	first, err := catalog.Store("my-distributed-map")
	require.NoError(t, err)
	catalog.SetObserver(obs)

	again, err := catalog.Store("my-distributed-map")
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = catalog.Store("")
	assert.ErrorIs(t, err, ErrEmptyMapName)

	other, err := catalog.Store("other")
	require.NoError(t, err)

	_, err = first.Put("1", "John", "node-a")
	require.NoError(t, err)
	_, err = other.Put("x", "y", "node-a")
	require.NoError(t, err)
	assert.Len(t, obs.snapshot(), 2, "observer should reach existing and new stores")

	assert.Equal(t, []string{"my-distributed-map", "other"}, catalog.Names())

	snap := catalog.Snapshot()
	assert.Len(t, snap["my-distributed-map"], 1)
	assert.Len(t, snap["other"], 1)
}

func TestStore_ApplyTombstones(t *testing.T) {
	old := time.Now().Add(-time.Hour)

	tests := []struct {
		name        string
		live        bool
		updatedAt   time.Time
		wantApplied bool
		wantEvents  int
	}{
		{"fresh tombstone for unknown key is kept silently", false, time.Now(), true, 0},
		{"expired tombstone for unknown key is refused", false, old, false, 0},
		{"fresh tombstone removes a live value", true, time.Now(), true, 1},
		{"expired tombstone still removes a live value", true, old, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			store := NewStore("m", obs)
			store.SetTombstoneTTL(time.Minute)
			if tt.live {
				_, err := store.Apply(Entry{Key: "k", Value: "v", Version: 1, Origin: "a"})
				require.NoError(t, err)
			}
			before := len(obs.snapshot())

			applied, err := store.Apply(Entry{Key: "k", Version: 2, Origin: "a", Deleted: true, OldValue: "v", HadOld: true, UpdatedAt: tt.updatedAt})
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, applied)
			assert.Len(t, obs.snapshot(), before+tt.wantEvents)
			_, ok := store.Get("k")
			assert.False(t, ok)
		})
	}
}

func TestCatalog_TombstoneTTL(t *testing.T) {
	catalog := NewCatalog()
	existing, err := catalog.Store("a")
	require.NoError(t, err)
	_, err = existing.Put("k", "v", "node-a")
	require.NoError(t, err)
	_, _, err = existing.Remove("k", "node-a")
	require.NoError(t, err)

	assert.Zero(t, catalog.PurgeTombstones(), "no TTL keeps tombstones")

	catalog.SetTombstoneTTL(time.Millisecond)
	created, err := catalog.Store("b")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, catalog.PurgeTombstones())

	stale := Entry{Key: "k", Version: 9, Origin: "node-b", Deleted: true, UpdatedAt: time.Now().Add(-time.Second)}
	for _, s := range []*Store{existing, created} {
		applied, err := s.Apply(stale)
		require.NoError(t, err)
		assert.False(t, applied, s.Name())
	}
}
