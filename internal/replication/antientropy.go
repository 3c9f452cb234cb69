package replication

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/storage"
	"github.com/arohanajit/clustermap/internal/utils"
)

const defaultSyncInterval = 5 * time.Second

// Snapshot is every entry of every map held by a node, tombstones included
type Snapshot struct {
	Cluster string                     `json:"cluster"`
	NodeID  string                     `json:"node_id"`
	Maps    map[string][]storage.Entry `json:"maps"`
}

// SnapshotSource fetches a peer's snapshot
type SnapshotSource interface {
	Snapshot(ctx context.Context, address string) (Snapshot, error)
}

// HTTPSnapshotSource reads GET /internal/snapshot
type HTTPSnapshotSource struct{}

func (HTTPSnapshotSource) Snapshot(ctx context.Context, address string) (Snapshot, error) {
	var snap Snapshot
	err := utils.GetJSON(ctx, fmt.Sprintf("http://%s/internal/snapshot", address), &snap)
	return snap, err
}

// Syncer repairs what PUB/SUB lost: it periodically pulls a random peer's
// snapshot and merges it entry by entry with last-writer-wins
type Syncer struct {
	dir      *cluster.Directory
	rep      *Replicator
	source   SnapshotSource
	interval time.Duration
	logger   *zap.Logger
}

// NewSyncer creates a syncer merging into rep's catalog
func NewSyncer(dir *cluster.Directory, rep *Replicator, source SnapshotSource, interval time.Duration) *Syncer {
	if source == nil {
		source = HTTPSnapshotSource{}
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Syncer{
		dir:      dir,
		rep:      rep,
		source:   source,
		interval: interval,
		logger:   rep.logger,
	}
}

// Run syncs every interval until ctx is done
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("Anti-entropy round failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce merges the snapshot of one random active peer
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	self := s.dir.Self()
	var peers []cluster.Node
	for _, n := range s.dir.View() {
		if n.ID != self.ID {
			peers = append(peers, n)
		}
	}
	if len(peers) == 0 {
		return 0, nil
	}
	return s.SyncFrom(ctx, peers[rand.Intn(len(peers))].Address)
}

// SyncFrom merges the snapshot of the node at address and returns the number
// of entries that won
func (s *Syncer) SyncFrom(ctx context.Context, address string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	snap, err := s.source.Snapshot(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch snapshot from %s: %w", address, err)
	}
	if snap.Cluster != s.rep.cluster {
		return 0, fmt.Errorf("snapshot from %s: %w", address, cluster.ErrClusterMismatch)
	}

	applied := s.Merge(snap)
	if applied > 0 {
		s.logger.Info("Anti-entropy repaired entries",
			zap.String("peer", snap.NodeID),
			zap.Int("entries", applied))
	}
	return applied, nil
}

// Merge applies every entry of snap and returns how many won
func (s *Syncer) Merge(snap Snapshot) int {
	applied := 0
	for mapName, entries := range snap.Maps {
		store, err := s.rep.catalog.Store(mapName)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if ok, _ := store.Apply(e); ok {
				applied++
			}
		}
	}
	return applied
}

// LocalSnapshot builds the snapshot this node serves to peers
func (r *Replicator) LocalSnapshot() Snapshot {
	return Snapshot{
		Cluster: r.cluster,
		NodeID:  r.selfID,
		Maps:    r.catalog.Snapshot(),
	}
}
