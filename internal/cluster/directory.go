package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/metrics"
)

const (
	defaultDeadNodeTTL = time.Minute
	defaultJoinTimeout = 5 * time.Second
)

// Config contains the directory settings
type Config struct {
	ClusterName string
	// DeadNodeTTL is how long Down and Leaving members are remembered
	DeadNodeTTL time.Duration
	// JoinTimeout bounds each request to a seed
	JoinTimeout time.Duration
}

// Directory tracks the members of one cluster. Membership converges through
// gossip: tables are merged member by member, the higher incarnation wins and
// at equal incarnation the worse state wins.
type Directory struct {
	mu      sync.RWMutex
	cluster string
	selfID  string
	members map[string]*Member
	pending []MembershipEvent

	discovery   Discovery
	transport   Transport
	logger      *zap.Logger
	deadNodeTTL time.Duration
	joinTimeout time.Duration

	// flushMu serializes event dispatch so callbacks observe changes in order
	flushMu   sync.Mutex
	lmu       sync.Mutex
	listeners map[uint64]func(MembershipEvent)
	nextID    uint64
}

// NewDirectory creates a directory containing only self, in the Joining state
func NewDirectory(self Node, cfg Config, discovery Discovery, transport Transport, logger *zap.Logger) *Directory {
	if cfg.DeadNodeTTL <= 0 {
		cfg.DeadNodeTTL = defaultDeadNodeTTL
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if discovery == nil {
		discovery = NewSeedDiscovery(nil)
	}
	if transport == nil {
		transport = HTTPTransport{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	now := time.Now()
	d := &Directory{
		cluster: cfg.ClusterName,
		selfID:  self.ID,
		members: make(map[string]*Member),

		discovery:   discovery,
		transport:   transport,
		logger:      logger.With(zap.String("node", self.ID)),
		deadNodeTTL: cfg.DeadNodeTTL,
		joinTimeout: cfg.JoinTimeout,
		listeners:   make(map[uint64]func(MembershipEvent)),
	}
	// A restarted node starts above any incarnation it used before
	d.members[self.ID] = &Member{
		Node:        self,
		State:       NodeStateJoining,
		Incarnation: uint64(now.UnixMilli()),
		StateTime:   now,
	}
	return d
}

// Self returns the local node
func (d *Directory) Self() Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members[d.selfID].Node
}

// Cluster returns the cluster name
func (d *Directory) Cluster() string {
	return d.cluster
}

// Join registers with the rendezvous mechanism, marks self Active and merges
// the member tables of every reachable peer. With no reachable peer the node
// forms a cluster on its own. Joining again is a refresh.
func (d *Directory) Join(ctx context.Context) (ClusterView, error) {
	self := d.Self()
	if err := d.discovery.Register(ctx, self); err != nil {
		return nil, fmt.Errorf("failed to register with discovery: %w", err)
	}

	d.mu.Lock()
	me := d.members[d.selfID]
	if me.State != NodeStateActive {
		me.State = NodeStateActive
		me.StateTime = time.Now()
	}
	d.mu.Unlock()

	peers, err := d.discovery.Peers(ctx)
	if err != nil {
		d.logger.Warn("Discovery lookup failed", zap.Error(err))
	}

	contacted := 0
	for _, peer := range peers {
		if peer.ID == self.ID || peer.Address == self.Address || peer.Address == "" {
			continue
		}

		joinCtx, cancel := context.WithTimeout(ctx, d.joinTimeout)
		reply, err := d.transport.Join(joinCtx, peer.Address, d.Message())
		cancel()
		if errors.Is(err, ErrClusterMismatch) {
			return nil, err
		}
		if err != nil {
			d.logger.Warn("Seed unreachable", zap.String("seed", peer.Address), zap.Error(err))
			continue
		}
		if reply.Cluster != d.cluster {
			return nil, fmt.Errorf("seed %s: %w", peer.Address, ErrClusterMismatch)
		}

		d.Merge(reply.Members)
		contacted++
	}

	if contacted == 0 && len(peers) > 0 {
		d.logger.Warn("No seed reachable, forming a new cluster", zap.String("cluster", d.cluster))
	}

	view := d.View()
	metrics.GetMetrics().SetClusterMembersActive(len(view))
	d.logger.Info("Joined cluster",
		zap.String("cluster", d.cluster),
		zap.Strings("members", view.IDs()))
	return view, nil
}

// Members returns the active members, self included
func (d *Directory) Members() []Node {
	return d.View()
}

// View returns the current ClusterView
func (d *Directory) View() ClusterView {
	d.mu.RLock()
	defer d.mu.RUnlock()

	view := make(ClusterView, 0, len(d.members))
	for _, m := range d.members {
		if m.State == NodeStateActive {
			view = append(view, m.Node)
		}
	}
	sortNodes(view)
	return view
}

// Member returns the directory's record of nodeID
func (d *Directory) Member(nodeID string) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[nodeID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Table returns every known member, including Down and Leaving ones
func (d *Directory) Table() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tableLocked()
}

func (d *Directory) tableLocked() []Member {
	table := make([]Member, 0, len(d.members))
	for _, m := range d.members {
		table = append(table, *m)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].ID < table[j].ID })
	return table
}

// Message builds a gossip message carrying the full member table
func (d *Directory) Message() GossipMessage {
	return GossipMessage{
		Cluster:  d.cluster,
		SenderID: d.selfID,
		Members:  d.Table(),
		SentAt:   time.Now(),
	}
}

// HandleJoin merges a joining node's table and answers with ours
func (d *Directory) HandleJoin(msg GossipMessage) (GossipMessage, error) {
	if msg.Cluster != d.cluster {
		return GossipMessage{}, fmt.Errorf("join from %s for cluster %q: %w", msg.SenderID, msg.Cluster, ErrClusterMismatch)
	}
	d.Merge(msg.Members)
	return d.Message(), nil
}

// HandleGossip merges a peer's table and answers with ours
func (d *Directory) HandleGossip(msg GossipMessage) (GossipMessage, error) {
	if msg.Cluster != d.cluster {
		return GossipMessage{}, fmt.Errorf("gossip from %s for cluster %q: %w", msg.SenderID, msg.Cluster, ErrClusterMismatch)
	}
	d.Merge(msg.Members)
	return d.Message(), nil
}

// Merge folds remote member records into the table
func (d *Directory) Merge(members []Member) {
	now := time.Now()

	d.mu.Lock()
	for _, m := range members {
		d.mergeLocked(m, now)
	}
	d.mu.Unlock()

	d.flush()
}

func (d *Directory) mergeLocked(m Member, now time.Time) {
	if m.ID == "" {
		return
	}

	if m.ID == d.selfID {
		me := d.members[d.selfID]
		if me.State != NodeStateActive {
			return
		}
		// Refute any rumour that we are not active
		if m.Incarnation > me.Incarnation || (m.Incarnation == me.Incarnation && m.State > me.State) {
			me.Incarnation = m.Incarnation + 1
			me.StateTime = now
			d.logger.Info("Refuting membership rumour",
				zap.Stringer("reported", m.State),
				zap.Uint64("incarnation", me.Incarnation))
		}
		return
	}

	cur, ok := d.members[m.ID]
	if !ok {
		added := m
		added.StateTime = now
		d.members[m.ID] = &added
		if m.State == NodeStateActive {
			d.queueLocked(MemberJoined, m.Node, now)
		}
		return
	}

	if !m.supersedes(*cur) {
		return
	}

	old := cur.State
	cur.Node = m.Node
	cur.Incarnation = m.Incarnation
	cur.State = m.State
	cur.StateTime = now
	d.transitionLocked(old, cur.State, cur.Node, now)
}

func (d *Directory) transitionLocked(old, cur NodeState, node Node, now time.Time) {
	switch {
	case old != NodeStateActive && cur == NodeStateActive:
		d.queueLocked(MemberJoined, node, now)
	case old == NodeStateActive && cur == NodeStateLeaving:
		d.queueLocked(MemberLeft, node, now)
	case old == NodeStateActive && cur == NodeStateDown:
		d.queueLocked(MemberFailed, node, now)
	}
}

func (d *Directory) queueLocked(t MembershipEventType, node Node, now time.Time) {
	d.pending = append(d.pending, MembershipEvent{Type: t, Node: node, Time: now})
}

// MarkDown records that nodeID failed. It reports whether the state changed.
func (d *Directory) MarkDown(nodeID string) bool {
	if nodeID == d.selfID {
		return false
	}

	d.mu.Lock()
	m, ok := d.members[nodeID]
	if !ok || m.State == NodeStateDown || m.State == NodeStateLeaving {
		d.mu.Unlock()
		return false
	}
	old := m.State
	now := time.Now()
	m.State = NodeStateDown
	m.StateTime = now
	d.transitionLocked(old, m.State, m.Node, now)
	d.mu.Unlock()

	d.flush()
	return true
}

// Leave announces a graceful departure to every active peer and deregisters
// from discovery. Peers that cannot be reached learn through gossip or their
// failure detector.
func (d *Directory) Leave(ctx context.Context) error {
	d.mu.Lock()
	me := d.members[d.selfID]
	if me.State == NodeStateLeaving {
		d.mu.Unlock()
		return nil
	}
	me.State = NodeStateLeaving
	me.Incarnation++
	me.StateTime = time.Now()

	var peers []Node
	for id, m := range d.members {
		if id != d.selfID && m.State == NodeStateActive {
			peers = append(peers, m.Node)
		}
	}
	msg := GossipMessage{
		Cluster:  d.cluster,
		SenderID: d.selfID,
		Members:  d.tableLocked(),
		SentAt:   time.Now(),
	}
	d.mu.Unlock()

	d.logger.Info("Leaving cluster", zap.Int("peers", len(peers)))

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer Node) {
			defer wg.Done()
			leaveCtx, cancel := context.WithTimeout(ctx, d.joinTimeout)
			defer cancel()
			if _, err := d.transport.Gossip(leaveCtx, peer.Address, msg); err != nil {
				d.logger.Debug("Leave notice not delivered", zap.String("peer", peer.ID), zap.Error(err))
			}
		}(peer)
	}
	wg.Wait()

	var err error
	if derr := d.discovery.Deregister(ctx); derr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to deregister: %w", derr))
	}
	if cerr := ctx.Err(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	return err
}

// OnMembershipChange registers fn for Joined, Left and Failed events. The
// callback runs after the directory lock is released but must not mutate the
// directory. The returned function unregisters it.
func (d *Directory) OnMembershipChange(fn func(MembershipEvent)) (cancel func()) {
	d.lmu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	d.lmu.Unlock()

	return func() {
		d.lmu.Lock()
		delete(d.listeners, id)
		d.lmu.Unlock()
	}
}

func (d *Directory) flush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	for {
		d.mu.Lock()
		events := d.pending
		d.pending = nil
		d.mu.Unlock()

		if len(events) == 0 {
			return
		}

		d.lmu.Lock()
		listeners := make([]func(MembershipEvent), 0, len(d.listeners))
		for _, fn := range d.listeners {
			listeners = append(listeners, fn)
		}
		d.lmu.Unlock()

		m := metrics.GetMetrics()
		for _, ev := range events {
			d.logger.Info("Membership changed",
				zap.Stringer("event", ev.Type),
				zap.String("member", ev.Node.ID),
				zap.String("address", ev.Node.Address))
			m.RecordMembershipEvent(ev.Type.String())
			for _, fn := range listeners {
				fn(ev)
			}
		}
		m.SetClusterMembersActive(len(d.View()))
	}
}

// Reap forgets Down and Leaving members older than the dead node TTL
func (d *Directory) Reap(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, m := range d.members {
		if id == d.selfID {
			continue
		}
		if (m.State == NodeStateDown || m.State == NodeStateLeaving) && now.Sub(m.StateTime) > d.deadNodeTTL {
			delete(d.members, id)
			removed++
		}
	}
	return removed
}

// RunReaper periodically reaps dead members until ctx is done
func (d *Directory) RunReaper(ctx context.Context) {
	interval := d.deadNodeTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := d.Reap(now); n > 0 {
				d.logger.Debug("Reaped dead members", zap.Int("count", n))
			}
		}
	}
}

// OwnerOf returns the node that serializes conditional writes to key
func (d *Directory) OwnerOf(key string) (Node, bool) {
	return OwnerOf(d.View(), key)
}
