// Package node assembles a cluster member: the membership directory, the
// replicated map service, the notification bus and the HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/api/rest"
	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/config"
	"github.com/arohanajit/clustermap/internal/dmap"
	"github.com/arohanajit/clustermap/internal/metrics"
	"github.com/arohanajit/clustermap/internal/notify"
	"github.com/arohanajit/clustermap/internal/replication"
	"github.com/arohanajit/clustermap/internal/storage"
)

const (
	recvTimeout        = 250 * time.Millisecond
	serverStopTimeout  = 5 * time.Second
	minJanitorInterval = time.Second
)

// Node is a running cluster member
type Node struct {
	cfg    *config.ServerConfig
	logger *zap.Logger

	dir      *cluster.Directory
	catalog  *storage.Catalog
	bus      *notify.Bus
	rep      *replication.Replicator
	syncer   *replication.Syncer
	maps     *dmap.Service
	server   *http.Server
	listener net.Listener

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown *ShutdownManager
}

// Start opens the node's sockets, joins the cluster and starts the
// background loops. The returned node serves until Shutdown.
func Start(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node", cfg.NodeID))

	listener, err := listen(cfg)
	if err != nil {
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	replListen, replAdvertise := cfg.ReplicationURL(port)
	transport, err := replication.NewTransport(replListen, recvTimeout)
	if err != nil {
		return nil, multierr.Append(err, listener.Close())
	}

	discovery, err := newDiscovery(cfg, logger)
	if err != nil {
		return nil, multierr.Combine(err, transport.Close(), listener.Close())
	}

	self := cluster.Node{
		ID:              cfg.NodeID,
		Address:         net.JoinHostPort(cfg.Advertise(), strconv.Itoa(port)),
		ReplicationAddr: replAdvertise,
	}
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		listener: listener,
		catalog:  storage.NewCatalog(),
		bus:      notify.NewBus(logger),
	}
	n.catalog.SetTombstoneTTL(cfg.TombstoneTTL)
	n.dir = cluster.NewDirectory(self, cluster.Config{
		ClusterName: cfg.ClusterName,
		DeadNodeTTL: cfg.DeadNodeTTL,
	}, discovery, nil, logger)
	n.rep = replication.NewReplicator(cfg.ClusterName, cfg.NodeID, n.catalog, n.bus, transport, logger)
	n.syncer = replication.NewSyncer(n.dir, n.rep, nil, cfg.SyncInterval)
	n.maps = dmap.NewService(n.catalog, n.bus, n.dir, nil, logger)
	n.maps.SetRelayer(n.rep)

	router := rest.NewRouter(n.maps, n.dir, n.rep, logger, rest.Options{MaxPayloadSize: cfg.MaxPayloadSize})
	n.server = &http.Server{
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	stopMembership := n.dir.OnMembershipChange(n.rep.HandleMembership)

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.goLoop(runCtx, n.rep.Run)

	n.shutdown = NewShutdownManager(logger, 0)
	n.shutdown.Add("leave cluster", n.dir.Leave)
	n.shutdown.Add("stop loops", func(ctx context.Context) error {
		cancel()
		stopMembership()
		return n.wait(ctx)
	})
	n.shutdown.Add("close subscriptions", func(ctx context.Context) error {
		n.bus.Close()
		return nil
	})
	n.shutdown.Add("stop HTTP server", func(ctx context.Context) error {
		stopCtx, stop := context.WithTimeout(ctx, serverStopTimeout)
		defer stop()
		if err := n.server.Shutdown(stopCtx); err != nil {
			return multierr.Append(err, n.server.Close())
		}
		return nil
	})
	n.shutdown.Add("close replication", func(ctx context.Context) error {
		return n.rep.Close()
	})

	view, err := n.dir.Join(ctx)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to join cluster %q: %w", cfg.ClusterName, err), n.Shutdown(context.Background()))
	}
	n.rep.Connect(view)

	// Catch up with entries written before this node joined
	if merged, err := n.syncer.SyncOnce(ctx); err != nil {
		logger.Warn("Initial sync failed", zap.Error(err))
	} else if merged > 0 {
		logger.Info("Initial sync merged entries", zap.Int("entries", merged))
	}

	gossiper := cluster.NewGossiper(n.dir, cfg.GossipInterval, cfg.GossipFanout)
	detector := cluster.NewFailureDetector(n.dir, cluster.NewHTTPHealthChecker(nil), cfg.HeartbeatInterval, cfg.FailureThreshold)

	n.goLoop(runCtx, gossiper.Run)
	n.goLoop(runCtx, detector.Run)
	n.goLoop(runCtx, n.dir.RunReaper)
	n.goLoop(runCtx, n.syncer.Run)
	n.goLoop(runCtx, n.runJanitor)

	logger.Info("Node started",
		zap.String("cluster", cfg.ClusterName),
		zap.String("address", self.Address),
		zap.String("replication", self.ReplicationAddr),
		zap.Strings("members", view.IDs()))
	return n, nil
}

// Map returns the named distributed map
func (n *Node) Map(name string) (*dmap.Map, error) {
	return n.maps.Map(name)
}

// Members returns the active members of the cluster, self included
func (n *Node) Members() []cluster.Node {
	return n.dir.Members()
}

// Self returns this node's identity
func (n *Node) Self() cluster.Node {
	return n.dir.Self()
}

// Directory exposes the membership directory
func (n *Node) Directory() *cluster.Directory {
	return n.dir
}

// Addr returns the HTTP address peers and clients reach this node on
func (n *Node) Addr() string {
	return n.dir.Self().Address
}

// Shutdown leaves the cluster gracefully, stops every loop and closes the
// node's sockets. Subscriptions are cancelled.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.shutdown.Shutdown(ctx)
}

func (n *Node) goLoop(ctx context.Context, run func(context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		run(ctx)
	}()
}

func (n *Node) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runJanitor purges expired tombstones and refreshes the live entry gauges
func (n *Node) runJanitor(ctx context.Context) {
	interval := n.cfg.TombstoneTTL / 2
	if interval < minJanitorInterval {
		interval = minJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := n.catalog.PurgeTombstones(); purged > 0 {
				n.logger.Debug("Purged tombstones", zap.Int("count", purged))
			}
			m := metrics.GetMetrics()
			for _, name := range n.catalog.Names() {
				if store, err := n.catalog.Store(name); err == nil {
					m.SetEntriesLive(name, store.Len())
				}
			}
		}
	}
}

// listen binds the HTTP port, trying successive ports when the configured
// one is taken
func listen(cfg *config.ServerConfig) (net.Listener, error) {
	if cfg.Port == 0 {
		return net.Listen("tcp", cfg.ListenAddr(0))
	}

	var errs error
	for i := 0; i < cfg.PortCount; i++ {
		l, err := net.Listen("tcp", cfg.ListenAddr(cfg.Port+i))
		if err == nil {
			return l, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, fmt.Errorf("no free port in %d..%d: %w", cfg.Port, cfg.Port+cfg.PortCount-1, errs)
}

func newDiscovery(cfg *config.ServerConfig, logger *zap.Logger) (cluster.Discovery, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return cluster.NewSeedDiscovery(cfg.Seeds), nil
	}
	return cluster.NewEtcdDiscovery(cluster.EtcdConfig{Endpoints: cfg.EtcdEndpoints}, cfg.ClusterName, logger)
}
