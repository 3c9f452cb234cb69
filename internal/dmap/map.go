package dmap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/metrics"
	"github.com/arohanajit/clustermap/internal/notify"
	"github.com/arohanajit/clustermap/internal/storage"
	"github.com/arohanajit/clustermap/internal/utils"
)

// ErrOwnerUnavailable is returned when a conditional write cannot reach the
// key's owner. The write is not attempted locally.
var ErrOwnerUnavailable = errors.New("key owner unavailable")

// OwnerResolver picks the node that serializes conditional writes to a key
type OwnerResolver interface {
	Self() cluster.Node
	OwnerOf(key string) (cluster.Node, bool)
}

// Forwarder runs PutIfAbsent on a remote owner
type Forwarder interface {
	PutIfAbsent(ctx context.Context, owner cluster.Node, mapName, key, value string) (PutIfAbsentResult, error)
}

// Relayer republishes an entry another node committed from this node's own
// replication stream
type Relayer interface {
	Relay(mapName string, e storage.Entry)
}

// PutIfAbsentRequest is the body of a forwarded PutIfAbsent
type PutIfAbsentRequest struct {
	Value string `json:"value"`
}

// PutIfAbsentResult is the owner's answer: the entry it committed, or the
// live entry that prevented the write
type PutIfAbsentResult struct {
	Entry     storage.Entry `json:"entry"`
	Committed bool          `json:"committed"`
}

// HTTPForwarder posts to the owner's internal put-if-absent endpoint
type HTTPForwarder struct{}

func (HTTPForwarder) PutIfAbsent(ctx context.Context, owner cluster.Node, mapName, key, value string) (PutIfAbsentResult, error) {
	target := fmt.Sprintf("http://%s/internal/maps/%s/entries/%s/put-if-absent",
		owner.Address, url.PathEscape(mapName), url.PathEscape(key))

	var res PutIfAbsentResult
	err := utils.PostJSON(ctx, target, PutIfAbsentRequest{Value: value}, &res)
	return res, err
}

// Service hands out Map handles sharing one catalog, bus and owner resolver
type Service struct {
	catalog   *storage.Catalog
	bus       *notify.Bus
	resolver  OwnerResolver
	forwarder Forwarder
	relayer   Relayer
	logger    *zap.Logger

	mu   sync.Mutex
	maps map[string]*Map
}

// NewService creates a map service
func NewService(catalog *storage.Catalog, bus *notify.Bus, resolver OwnerResolver, forwarder Forwarder, logger *zap.Logger) *Service {
	if forwarder == nil {
		forwarder = HTTPForwarder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog:   catalog,
		bus:       bus,
		resolver:  resolver,
		forwarder: forwarder,
		logger:    logger,
		maps:      make(map[string]*Map),
	}
}

// SetRelayer makes forwarded PutIfAbsent results follow the caller's own
// writes to peers. It must be called before the service is shared.
func (s *Service) SetRelayer(r Relayer) {
	s.relayer = r
}

// Map returns the handle for name, creating the map on first use
func (s *Service) Map(name string) (*Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.maps[name]; ok {
		return m, nil
	}
	store, err := s.catalog.Store(name)
	if err != nil {
		return nil, err
	}
	m := &Map{name: name, store: store, svc: s}
	s.maps[name] = m
	return m, nil
}

// Names lists every map held by this node, including maps only seen
// through replication
func (s *Service) Names() []string {
	return s.catalog.Names()
}

// Map is a cluster-wide key-value map. Put and Remove commit locally and
// replicate asynchronously; PutIfAbsent goes through the key's owner.
type Map struct {
	name  string
	store *storage.Store
	svc   *Service
}

// Name returns the map name
func (m *Map) Name() string {
	return m.name
}

// Get returns the local replica's value for key
func (m *Map) Get(key string) (string, bool) {
	v, ok := m.store.Get(key)
	m.record("get", outcome(ok, nil))
	return v, ok
}

// Entry returns the live entry for key with its version metadata
func (m *Map) Entry(key string) (storage.Entry, bool) {
	e, ok := m.store.Entry(key)
	if !ok || !e.Live() {
		m.record("get", "miss")
		return storage.Entry{}, false
	}
	m.record("get", "ok")
	return e, true
}

// Put sets key and returns the previous value, if any
func (m *Map) Put(ctx context.Context, key, value string) (old string, existed bool, err error) {
	e, err := m.store.Put(key, value, m.svc.resolver.Self().ID)
	m.record("put", outcome(true, err))
	if err != nil {
		return "", false, err
	}
	return e.OldValue, e.HadOld, nil
}

// Remove deletes key and returns the removed value. Removing an absent key
// changes nothing and raises no event.
func (m *Map) Remove(ctx context.Context, key string) (old string, existed bool, err error) {
	e, ok, err := m.store.Remove(key, m.svc.resolver.Self().ID)
	m.record("remove", outcome(ok, err))
	if err != nil || !ok {
		return "", false, err
	}
	return e.OldValue, true, nil
}

// PutIfAbsent sets key only if no live value exists cluster-wide. It returns
// the existing value when the key was taken.
func (m *Map) PutIfAbsent(ctx context.Context, key, value string) (existing string, existed bool, err error) {
	if key == "" {
		return "", false, storage.ErrEmptyKey
	}

	self := m.svc.resolver.Self()
	owner, ok := m.svc.resolver.OwnerOf(ownerKey(m.name, key))
	if !ok || owner.ID == self.ID {
		e, committed, err := m.PutIfAbsentLocal(key, value)
		if err != nil {
			return "", false, err
		}
		return existingValue(e, committed)
	}

	res, err := m.svc.forwarder.PutIfAbsent(ctx, owner, m.name, key, value)
	if err != nil {
		m.record("put_if_absent", "unavailable")
		m.svc.logger.Warn("PutIfAbsent owner unreachable",
			zap.String("map", m.name),
			zap.String("key", key),
			zap.String("owner", owner.ID),
			zap.Error(err))
		return "", false, fmt.Errorf("%w: %s: %v", ErrOwnerUnavailable, owner.ID, err)
	}

	// Install the owner's answer so the caller reads its own write, and
	// publish it ahead of the caller's later writes to the same key
	if _, err := m.store.Apply(res.Entry); err != nil {
		return "", false, err
	}
	if res.Committed && m.svc.relayer != nil {
		m.svc.relayer.Relay(m.name, res.Entry)
	}
	m.record("put_if_absent", outcome(res.Committed, nil))
	return existingValue(res.Entry, res.Committed)
}

// PutIfAbsentLocal runs the check-and-set on this node's replica. It is what
// the owner executes for forwarded calls.
func (m *Map) PutIfAbsentLocal(key, value string) (storage.Entry, bool, error) {
	return m.store.PutIfAbsent(key, value, m.svc.resolver.Self().ID)
}

// Entries returns all live entries sorted by key
func (m *Map) Entries() []storage.Entry {
	return m.store.Entries(false)
}

// Keys returns all live keys sorted
func (m *Map) Keys() []string {
	return m.store.Keys()
}

// Size returns the number of live entries
func (m *Map) Size() int {
	return m.store.Len()
}

// Subscribe registers listener for this map's events of the given kinds
// (all kinds when none are given)
func (m *Map) Subscribe(listener notify.Listener, kinds ...notify.EventKind) (*notify.Subscription, error) {
	return m.svc.bus.Subscribe(notify.Filter{Map: m.name, Kinds: kinds}, listener)
}

// Stream returns this map's events until ctx is done
func (m *Map) Stream(ctx context.Context, kinds ...notify.EventKind) (<-chan notify.ChangeEvent, error) {
	return m.svc.bus.Stream(ctx, notify.Filter{Map: m.name, Kinds: kinds})
}

func (m *Map) record(op, result string) {
	pm := metrics.GetMetrics()
	pm.RecordMapOperation(m.name, op, result)
	if op != "get" {
		pm.SetEntriesLive(m.name, m.store.Len())
	}
}

func ownerKey(mapName, key string) string {
	return mapName + "/" + key
}

func existingValue(e storage.Entry, committed bool) (string, bool, error) {
	if committed {
		return "", false, nil
	}
	return e.Value, true, nil
}

func outcome(hit bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case hit:
		return "ok"
	default:
		return "miss"
	}
}
