package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

var errUnreachable = errors.New("unreachable")

// memNetwork routes join and gossip calls straight to in-process directories
type memNetwork struct {
	mu    sync.Mutex
	dirs  map[string]*Directory
	down  map[string]bool
	calls map[string]int
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		dirs:  make(map[string]*Directory),
		down:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (n *memNetwork) target(address string) (*Directory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[address]++
	d, ok := n.dirs[address]
	if !ok || n.down[address] {
		return nil, errUnreachable
	}
	return d, nil
}

func (n *memNetwork) setDown(address string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[address] = down
}

func (n *memNetwork) Join(ctx context.Context, address string, msg GossipMessage) (GossipMessage, error) {
	d, err := n.target(address)
	if err != nil {
		return GossipMessage{}, err
	}
	return d.HandleJoin(msg)
}

func (n *memNetwork) Gossip(ctx context.Context, address string, msg GossipMessage) (GossipMessage, error) {
	d, err := n.target(address)
	if err != nil {
		return GossipMessage{}, err
	}
	return d.HandleGossip(msg)
}

// Check lets the network double as a HealthChecker
func (n *memNetwork) Check(ctx context.Context, address string) error {
	_, err := n.target(address)
	return err
}

func (n *memNetwork) newDirectory(t *testing.T, id, cluster string, seeds ...string) *Directory {
	t.Helper()
	self := Node{ID: id, Address: id + ":5701", ReplicationAddr: "inproc://" + id}
	d := NewDirectory(self, Config{ClusterName: cluster}, NewSeedDiscovery(seeds), n, zaptest.NewLogger(t))

	n.mu.Lock()
	n.dirs[self.Address] = d
	n.mu.Unlock()
	return d
}

// eventLog records membership events delivered to a directory
type eventLog struct {
	mu     sync.Mutex
	events []MembershipEvent
}

func watch(d *Directory) *eventLog {
	l := &eventLog{}
	d.OnMembershipChange(func(ev MembershipEvent) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) count(t MembershipEventType, nodeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t && ev.Node.ID == nodeID {
			n++
		}
	}
	return n
}
