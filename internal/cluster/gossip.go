package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGossipInterval = 1 * time.Second
	defaultFanout         = 3
)

// Gossiper periodically exchanges member tables with random peers. Each round
// is push-pull: the peer merges our table and answers with its own.
type Gossiper struct {
	dir      *Directory
	interval time.Duration
	fanout   int
	logger   *zap.Logger
}

// NewGossiper creates a gossiper for dir
func NewGossiper(dir *Directory, interval time.Duration, fanout int) *Gossiper {
	if interval <= 0 {
		interval = defaultGossipInterval
	}
	if fanout <= 0 {
		fanout = defaultFanout
	}
	return &Gossiper{
		dir:      dir,
		interval: interval,
		fanout:   fanout,
		logger:   dir.logger,
	}
}

// Run gossips every interval until ctx is done
func (g *Gossiper) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.GossipOnce(ctx)
		}
	}
}

// GossipOnce runs a single round and waits for it to finish
func (g *Gossiper) GossipOnce(ctx context.Context) {
	targets := g.selectTargets()
	if len(targets) == 0 {
		return
	}

	msg := g.dir.Message()
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target Node) {
			defer wg.Done()

			roundCtx, cancel := context.WithTimeout(ctx, g.interval)
			defer cancel()

			reply, err := g.dir.transport.Gossip(roundCtx, target.Address, msg)
			if err != nil {
				// Failures are the failure detector's business
				g.logger.Debug("Gossip exchange failed", zap.String("peer", target.ID), zap.Error(err))
				return
			}
			if reply.Cluster != g.dir.cluster {
				return
			}
			g.dir.Merge(reply.Members)
		}(target)
	}
	wg.Wait()
}

// selectTargets picks up to fanout active peers plus one Down member, so a
// node wrongly marked Down hears about it and can refute
func (g *Gossiper) selectTargets() []Node {
	var active, down []Node
	for _, m := range g.dir.Table() {
		if m.ID == g.dir.selfID || m.Address == "" {
			continue
		}
		switch m.State {
		case NodeStateActive:
			active = append(active, m.Node)
		case NodeStateDown:
			down = append(down, m.Node)
		}
	}

	targets := selectRandomNodes(active, g.fanout)
	if len(down) > 0 {
		targets = append(targets, down[rand.Intn(len(down))])
	}
	return targets
}

// selectRandomNodes randomly selects n nodes from the given slice
func selectRandomNodes(nodes []Node, n int) []Node {
	if len(nodes) <= n {
		return nodes
	}

	selected := make([]Node, n)
	for i, idx := range rand.Perm(len(nodes))[:n] {
		selected[i] = nodes[idx]
	}
	return selected
}
