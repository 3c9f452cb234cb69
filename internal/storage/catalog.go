package storage

import (
	"sort"
	"sync"
	"time"
)

// Catalog holds every named map a node knows about
type Catalog struct {
	mu           sync.RWMutex
	stores       map[string]*Store
	observer     Observer
	tombstoneTTL time.Duration
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		stores: make(map[string]*Store),
	}
}

// SetObserver sets the observer handed to stores created afterwards and to
// stores that already exist. It must be called before the catalog is shared.
func (c *Catalog) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observer = o
	for _, s := range c.stores {
		s.mu.Lock()
		s.observer = o
		s.mu.Unlock()
	}
}

// SetTombstoneTTL sets how long tombstones are kept, for existing stores and
// stores created afterwards
func (c *Catalog) SetTombstoneTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tombstoneTTL = ttl
	for _, s := range c.stores {
		s.SetTombstoneTTL(ttl)
	}
}

// Store returns the store for name, creating it on first use
func (c *Catalog) Store(name string) (*Store, error) {
	if name == "" {
		return nil, ErrEmptyMapName
	}

	c.mu.RLock()
	s, ok := c.stores[name]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[name]; ok {
		return s, nil
	}
	s = NewStore(name, c.observer)
	s.tombstoneTTL = c.tombstoneTTL
	c.stores[name] = s
	return s, nil
}

// Names returns the names of all maps, sorted
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies every entry of every map, tombstones included
func (c *Catalog) Snapshot() map[string][]Entry {
	c.mu.RLock()
	stores := make([]*Store, 0, len(c.stores))
	for _, s := range c.stores {
		stores = append(stores, s)
	}
	c.mu.RUnlock()

	snap := make(map[string][]Entry, len(stores))
	for _, s := range stores {
		snap[s.Name()] = s.Entries(true)
	}
	return snap
}

// PurgeTombstones drops tombstones older than the catalog's TTL across all
// maps. Without a TTL nothing is purged.
func (c *Catalog) PurgeTombstones() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.tombstoneTTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-c.tombstoneTTL)
	purged := 0
	for _, s := range c.stores {
		purged += s.PurgeTombstones(cutoff)
	}
	return purged
}
