package cluster

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 1 * time.Second
	defaultFailureThreshold  = 3
)

// HealthChecker probes a single node
type HealthChecker interface {
	Check(ctx context.Context, address string) error
}

// HTTPHealthChecker implements HealthChecker using the /health endpoint
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker creates a new HTTPHealthChecker instance
func NewHTTPHealthChecker(client *http.Client) *HTTPHealthChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHealthChecker{client: client}
}

// Check performs a health check on the specified address
func (hc *HTTPHealthChecker) Check(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", address), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

// NodeHealth represents the current health status of a node
type NodeHealth struct {
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MissedBeats   int       `json:"missed_beats"`
	IsHealthy     bool      `json:"is_healthy"`
	Address       string    `json:"address"`
}

// FailureDetector probes every active peer each interval. A peer missing
// threshold consecutive probes is marked Down in the directory.
type FailureDetector struct {
	mu        sync.RWMutex
	dir       *Directory
	checker   HealthChecker
	nodes     map[string]*NodeHealth
	interval  time.Duration
	threshold int
	logger    *zap.Logger
}

// NewFailureDetector creates a new instance of FailureDetector
func NewFailureDetector(dir *Directory, checker HealthChecker, interval time.Duration, threshold int) *FailureDetector {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if checker == nil {
		checker = NewHTTPHealthChecker(&http.Client{Timeout: interval})
	}

	return &FailureDetector{
		dir:       dir,
		checker:   checker,
		nodes:     make(map[string]*NodeHealth),
		interval:  interval,
		threshold: threshold,
		logger:    dir.logger,
	}
}

// Run begins the heartbeat monitoring
func (fd *FailureDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(fd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fd.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes every monitored node once
func (fd *FailureDetector) CheckOnce(ctx context.Context) {
	targets := fd.sync()

	// Probe without holding the lock
	results := make(map[string]bool, len(targets))
	var rmu sync.Mutex
	var wg sync.WaitGroup
	for nodeID, address := range targets {
		wg.Add(1)
		go func(nodeID, address string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, fd.interval/2)
			defer cancel()
			err := fd.checker.Check(probeCtx, address)

			rmu.Lock()
			results[nodeID] = err == nil
			rmu.Unlock()
		}(nodeID, address)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	var failed []string
	fd.mu.Lock()
	for nodeID, healthy := range results {
		node, exists := fd.nodes[nodeID]
		if !exists {
			continue
		}
		if healthy {
			node.MissedBeats = 0
			node.IsHealthy = true
			node.LastHeartbeat = time.Now()
			continue
		}
		node.MissedBeats++
		if node.MissedBeats >= fd.threshold && node.IsHealthy {
			node.IsHealthy = false
			failed = append(failed, nodeID)
		}
	}
	fd.mu.Unlock()

	for _, nodeID := range failed {
		fd.logger.Warn("Node missed heartbeats, marking down",
			zap.String("member", nodeID),
			zap.Int("threshold", fd.threshold))
		fd.dir.MarkDown(nodeID)
	}
}

// sync reconciles monitored nodes with the directory's active view
func (fd *FailureDetector) sync() map[string]string {
	view := fd.dir.View()

	fd.mu.Lock()
	defer fd.mu.Unlock()

	current := make(map[string]string, len(view))
	for _, n := range view {
		if n.ID == fd.dir.selfID {
			continue
		}
		current[n.ID] = n.Address
		h, ok := fd.nodes[n.ID]
		if !ok || h.Address != n.Address || !h.IsHealthy {
			fd.nodes[n.ID] = &NodeHealth{
				LastHeartbeat: time.Now(),
				IsHealthy:     true,
				Address:       n.Address,
			}
		}
	}
	for id := range fd.nodes {
		if _, ok := current[id]; !ok {
			delete(fd.nodes, id)
		}
	}
	return current
}

// IsNodeHealthy checks if a node is considered healthy
func (fd *FailureDetector) IsNodeHealthy(nodeID string) bool {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	node, exists := fd.nodes[nodeID]
	return exists && node.IsHealthy
}

// GetNodeHealth returns the health status of all monitored nodes
func (fd *FailureDetector) GetNodeHealth() map[string]NodeHealth {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	health := make(map[string]NodeHealth, len(fd.nodes))
	for nodeID, node := range fd.nodes {
		health[nodeID] = *node
	}
	return health
}
