package storage

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrEmptyKey     = errors.New("key cannot be empty")
	ErrEmptyMapName = errors.New("map name cannot be empty")
)

// Entry is a versioned map entry. Deleted entries are tombstones kept so that
// removals take part in last-writer-wins resolution like any other write.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"`
	Version   uint64    `json:"version"`
	Origin    string    `json:"origin"`
	Deleted   bool      `json:"deleted,omitempty"`
	OldValue  string    `json:"old_value,omitempty"`
	HadOld    bool      `json:"had_old,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Newer reports whether e wins over other under last-writer-wins on
// (Version, Origin). A nil other always loses.
func (e *Entry) Newer(other *Entry) bool {
	if other == nil {
		return true
	}
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	return e.Origin > other.Origin
}

// Live reports whether the entry holds a value.
func (e *Entry) Live() bool {
	return e != nil && !e.Deleted
}

// Observer is told about every entry a Store commits, while the store lock is
// held, so notifications for one key are raised in commit order.
// local is true when the entry was produced on this node rather than applied
// from a replica.
type Observer interface {
	EntryCommitted(mapName string, e Entry, local bool)
}

// Store is a thread-safe in-memory versioned map for a single named map
type Store struct {
	mu           sync.RWMutex
	name         string
	data         map[string]*Entry
	observer     Observer
	tombstoneTTL time.Duration
}

// NewStore creates an empty store for the named map
func NewStore(name string, observer Observer) *Store {
	return &Store{
		name:     name,
		data:     make(map[string]*Entry),
		observer: observer,
	}
}

// SetTombstoneTTL makes Apply refuse tombstones older than ttl for keys that
// hold no live value, so a purged removal is not handed back by a replica
// that has not purged yet. Zero keeps every tombstone.
func (s *Store) SetTombstoneTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstoneTTL = ttl
}

// Name returns the map name
func (s *Store) Name() string {
	return s.name
}

// Get returns the live value for key
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.Deleted {
		return "", false
	}
	return e.Value, true
}

// Entry returns a copy of the stored entry, tombstones included
func (s *Store) Entry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put commits a new value for key originating at origin and returns the
// committed entry. The entry's OldValue/HadOld describe what it replaced.
func (s *Store) Put(key, value, origin string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(key, value, origin, false), nil
}

// Remove tombstones key. When the key holds no live value nothing is
// committed and ok is false.
func (s *Store) Remove(key, origin string) (e Entry, ok bool, err error) {
	if key == "" {
		return Entry{}, false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, exists := s.data[key]; !exists || cur.Deleted {
		return Entry{}, false, nil
	}
	return s.commitLocked(key, "", origin, true), true, nil
}

// PutIfAbsent commits value only when key holds no live value. It returns the
// committed entry and true, or the existing entry and false.
func (s *Store) PutIfAbsent(key, value, origin string) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, exists := s.data[key]; exists && !cur.Deleted {
		return *cur, false, nil
	}
	return s.commitLocked(key, value, origin, false), true, nil
}

func (s *Store) commitLocked(key, value, origin string, deleted bool) Entry {
	next := &Entry{
		Key:       key,
		Value:     value,
		Version:   1,
		Origin:    origin,
		Deleted:   deleted,
		UpdatedAt: time.Now(),
	}
	if cur, exists := s.data[key]; exists {
		next.Version = cur.Version + 1
		if !cur.Deleted {
			next.OldValue = cur.Value
			next.HadOld = true
		}
	}

	s.data[key] = next
	if s.observer != nil {
		s.observer.EntryCommitted(s.name, *next, true)
	}
	return *next
}

// Apply installs a replicated entry if it wins over the stored one. Stale and
// duplicate entries are ignored and return false, as are tombstones past the
// TTL for keys without a live value. A tombstone for a key that holds no live
// value is stored without notifying the observer.
func (s *Store) Apply(e Entry) (bool, error) {
	if e.Key == "" {
		return false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.data[e.Key]
	if !e.Newer(cur) {
		return false, nil
	}

	// A removal of something this node does not hold changes nothing visible
	silent := e.Deleted && !cur.Live()
	if silent && s.expired(e, time.Now()) {
		return false, nil
	}

	stored := e
	s.data[e.Key] = &stored
	if s.observer != nil && !silent {
		s.observer.EntryCommitted(s.name, stored, false)
	}
	return true, nil
}

func (s *Store) expired(e Entry, now time.Time) bool {
	return s.tombstoneTTL > 0 && e.UpdatedAt.Before(now.Add(-s.tombstoneTTL))
}

// Entries returns copies of all entries sorted by key
func (s *Store) Entries(includeDeleted bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.Deleted && !includeDeleted {
			continue
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Keys returns all live keys sorted
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.data {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// PurgeTombstones drops tombstones last updated before cutoff
func (s *Store) PurgeTombstones(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for k, e := range s.data {
		if e.Deleted && e.UpdatedAt.Before(cutoff) {
			delete(s.data, k)
			purged++
		}
	}
	return purged
}
