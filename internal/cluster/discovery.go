package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Discovery is the rendezvous mechanism a directory uses to find its first
// peers. Peers may be returned with only an Address set.
type Discovery interface {
	Register(ctx context.Context, self Node) error
	Peers(ctx context.Context) ([]Node, error)
	Deregister(ctx context.Context) error
}

// SeedDiscovery returns a static list of seed addresses
type SeedDiscovery struct {
	seeds []string
}

// NewSeedDiscovery creates a discovery over the given host:port seeds.
// Blank entries are ignored.
func NewSeedDiscovery(seeds []string) *SeedDiscovery {
	cleaned := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return &SeedDiscovery{seeds: cleaned}
}

func (d *SeedDiscovery) Register(ctx context.Context, self Node) error { return nil }

func (d *SeedDiscovery) Peers(ctx context.Context) ([]Node, error) {
	nodes := make([]Node, len(d.seeds))
	for i, addr := range d.seeds {
		nodes[i] = Node{Address: addr}
	}
	return nodes, nil
}

func (d *SeedDiscovery) Deregister(ctx context.Context) error { return nil }

// EtcdConfig contains configuration for EtcdDiscovery
type EtcdConfig struct {
	// Endpoints is a list of etcd endpoints
	Endpoints []string
	// Prefix is the key prefix nodes register under; the cluster name is appended
	Prefix string
	// LeaseTTL is the time-to-live (in seconds) of the registration lease
	LeaseTTL int64
	// DialTimeout bounds the initial connection
	DialTimeout time.Duration
}

// EtcdDiscovery registers nodes under a lease-backed key in etcd. A crashed
// node's key disappears when its lease expires.
type EtcdDiscovery struct {
	mu      sync.Mutex
	client  *clientv3.Client
	prefix  string
	ttl     int64
	leaseID clientv3.LeaseID
	self    Node
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewEtcdDiscovery connects to etcd for the given cluster
func NewEtcdDiscovery(cfg EtcdConfig, clusterName string, logger *zap.Logger) (*EtcdDiscovery, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints provided")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/services/clustermap/"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdDiscovery{
		client: client,
		prefix: strings.TrimSuffix(cfg.Prefix, "/") + "/" + clusterName + "/nodes/",
		ttl:    cfg.LeaseTTL,
		logger: logger,
	}, nil
}

// Register stores self under a lease and keeps the lease alive until
// Deregister is called
func (d *EtcdDiscovery) Register(ctx context.Context, self Node) error {
	d.mu.Lock()
	d.self = self
	if d.cancel == nil {
		var keepCtx context.Context
		keepCtx, d.cancel = context.WithCancel(context.Background())
		d.mu.Unlock()
		return d.register(ctx, keepCtx)
	}
	d.mu.Unlock()
	return nil
}

func (d *EtcdDiscovery) register(ctx, keepCtx context.Context) error {
	lease, err := d.client.Grant(ctx, d.ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	d.mu.Lock()
	d.leaseID = lease.ID
	self := d.self
	d.mu.Unlock()

	nodeData, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to marshal node data: %w", err)
	}
	if _, err := d.client.Put(ctx, d.prefix+self.ID, string(nodeData), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	keepAliveCh, err := d.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	go func() {
		for {
			select {
			case <-keepCtx.Done():
				return
			case ka, ok := <-keepAliveCh:
				if !ok || ka == nil {
					d.logger.Warn("etcd lease keep-alive lost, re-registering", zap.String("node", self.ID))
					d.registerWithRetry(keepCtx)
					return
				}
			}
		}
	}()

	return nil
}

// registerWithRetry attempts to re-register with etcd with exponential backoff
func (d *EtcdDiscovery) registerWithRetry(ctx context.Context) {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := d.register(regCtx, ctx)
			cancel()
			if err == nil {
				return
			}
			d.logger.Warn("etcd re-registration failed", zap.Error(err), zap.Duration("backoff", backoff))

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Peers lists every node registered for the cluster except self
func (d *EtcdDiscovery) Peers(ctx context.Context) ([]Node, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes from etcd: %w", err)
	}

	d.mu.Lock()
	selfID := d.self.ID
	d.mu.Unlock()

	nodes := make([]Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			d.logger.Warn("Skipping malformed etcd registration", zap.String("key", string(kv.Key)))
			continue
		}
		if node.ID == selfID {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Deregister revokes the lease, removing self from etcd, and closes the client
func (d *EtcdDiscovery) Deregister(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	leaseID := d.leaseID
	d.mu.Unlock()

	if leaseID != 0 {
		if _, err := d.client.Revoke(ctx, leaseID); err != nil {
			d.client.Close()
			return fmt.Errorf("failed to revoke lease: %w", err)
		}
	}
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("failed to close etcd client: %w", err)
	}
	return nil
}
