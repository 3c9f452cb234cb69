package replication

import (
	"context"
	"errors"
	"sync"

	"go.nanomsg.org/mangos/v3"
	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/metrics"
	"github.com/arohanajit/clustermap/internal/notify"
	"github.com/arohanajit/clustermap/internal/storage"
)

// Replicator observes every store of a catalog. Committed entries are
// published to the local bus; entries committed on this node are also queued
// for the wire. Frames received from peers are applied with last-writer-wins.
type Replicator struct {
	cluster   string
	selfID    string
	catalog   *storage.Catalog
	bus       *notify.Bus
	transport *Transport
	logger    *zap.Logger

	mu     sync.Mutex
	outbox []Mutation
	signal chan struct{}
	closed bool
}

// NewReplicator wires a replicator to catalog and installs it as the
// catalog's observer
func NewReplicator(clusterName, selfID string, catalog *storage.Catalog, bus *notify.Bus, transport *Transport, logger *zap.Logger) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replicator{
		cluster:   clusterName,
		selfID:    selfID,
		catalog:   catalog,
		bus:       bus,
		transport: transport,
		logger:    logger.With(zap.String("node", selfID)),
		signal:    make(chan struct{}, 1),
	}
	catalog.SetObserver(r)
	return r
}

// EntryCommitted implements storage.Observer. It runs under the store lock
// and never blocks.
func (r *Replicator) EntryCommitted(mapName string, e storage.Entry, local bool) {
	r.bus.Publish(notify.FromEntry(mapName, e))

	if local {
		r.enqueue(mapName, e)
	}
}

// Relay queues an entry committed on another node for publication from this
// node, behind everything this node committed before it. Peers discard
// whichever copy arrives second.
func (r *Replicator) Relay(mapName string, e storage.Entry) {
	r.enqueue(mapName, e)
}

func (r *Replicator) enqueue(mapName string, e storage.Entry) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.outbox = append(r.outbox, Mutation{Cluster: r.cluster, Map: mapName, Entry: e})
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run sends queued mutations and applies received ones until ctx is done
func (r *Replicator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.sendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.recvLoop(ctx)
	}()
	wg.Wait()
}

func (r *Replicator) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Last chance for mutations committed just before shutdown
			r.drain()
			return
		case <-r.signal:
			r.drain()
		}
	}
}

func (r *Replicator) drain() {
	r.mu.Lock()
	batch := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	for _, m := range batch {
		r.send(m)
	}
}

func (r *Replicator) send(m Mutation) {
	frame, err := Encode(KindMutation, m)
	if err != nil {
		metrics.GetMetrics().RecordReplicationError("encode")
		r.logger.Error("Failed to encode mutation", zap.String("map", m.Map), zap.String("key", m.Entry.Key), zap.Error(err))
		return
	}
	if err := r.transport.Send(frame); err != nil {
		metrics.GetMetrics().RecordReplicationError("send")
		r.logger.Warn("Failed to publish mutation", zap.String("map", m.Map), zap.String("key", m.Entry.Key), zap.Error(err))
		return
	}
	metrics.GetMetrics().RecordReplicationMessage("sent")
}

func (r *Replicator) recvLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := r.transport.Recv()
		switch {
		case err == nil:
		case errors.Is(err, mangos.ErrRecvTimeout):
			continue
		case errors.Is(err, ErrClosed):
			return
		default:
			metrics.GetMetrics().RecordReplicationError("recv")
			r.logger.Warn("Replication receive failed", zap.Error(err))
			continue
		}

		var m Mutation
		if _, err := Decode(frame, &m); err != nil {
			metrics.GetMetrics().RecordReplicationError("decode")
			r.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		metrics.GetMetrics().RecordReplicationMessage("received")
		r.Apply(m)
	}
}

// Apply installs a mutation received from a peer. It reports whether the
// entry won last-writer-wins.
func (r *Replicator) Apply(m Mutation) bool {
	if m.Cluster != r.cluster || m.Entry.Origin == r.selfID {
		return false
	}

	store, err := r.catalog.Store(m.Map)
	if err != nil {
		r.logger.Warn("Dropping mutation", zap.String("map", m.Map), zap.Error(err))
		return false
	}
	applied, err := store.Apply(m.Entry)
	if err != nil {
		r.logger.Warn("Dropping mutation", zap.String("map", m.Map), zap.Error(err))
		return false
	}
	if !applied {
		r.logger.Debug("Discarded stale mutation",
			zap.String("map", m.Map),
			zap.String("key", m.Entry.Key),
			zap.Uint64("version", m.Entry.Version))
	}
	return applied
}

// Connect subscribes to the mutations of every node but self
func (r *Replicator) Connect(nodes []cluster.Node) {
	for _, n := range nodes {
		if n.ID == r.selfID {
			continue
		}
		if err := r.transport.Connect(n.ReplicationAddr); err != nil {
			r.logger.Warn("Failed to connect to replica", zap.String("member", n.ID), zap.Error(err))
		}
	}
}

// HandleMembership follows the cluster view: joined nodes are dialled,
// departed ones dropped
func (r *Replicator) HandleMembership(ev cluster.MembershipEvent) {
	if ev.Node.ID == r.selfID {
		return
	}

	switch ev.Type {
	case cluster.MemberJoined:
		r.Connect([]cluster.Node{ev.Node})
	case cluster.MemberLeft, cluster.MemberFailed:
		if err := r.transport.Disconnect(ev.Node.ReplicationAddr); err != nil {
			r.logger.Debug("Failed to disconnect replica", zap.String("member", ev.Node.ID), zap.Error(err))
		}
	}
}

// Close stops queueing mutations and closes the transport. Queued mutations
// not yet sent are dropped.
func (r *Replicator) Close() error {
	r.mu.Lock()
	r.closed = true
	r.outbox = nil
	r.mu.Unlock()
	return r.transport.Close()
}
