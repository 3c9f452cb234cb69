package cluster

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrClusterMismatch is returned when a peer belongs to a different cluster
var ErrClusterMismatch = errors.New("peer belongs to a different cluster")

// NodeState represents the liveness of a node as seen by the directory.
// States are ordered: at equal incarnation the higher state wins a merge.
type NodeState int

const (
	NodeStateJoining NodeState = iota
	NodeStateActive
	NodeStateLeaving
	NodeStateDown
)

func (s NodeState) String() string {
	switch s {
	case NodeStateJoining:
		return "joining"
	case NodeStateActive:
		return "active"
	case NodeStateLeaving:
		return "leaving"
	case NodeStateDown:
		return "down"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *NodeState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "joining":
		*s = NodeStateJoining
	case "active":
		*s = NodeStateActive
	case "leaving":
		*s = NodeStateLeaving
	case "down":
		*s = NodeStateDown
	default:
		return fmt.Errorf("unknown node state %q", text)
	}
	return nil
}

// Node represents a node in the distributed system
type Node struct {
	// ID is the unique identifier of the node
	ID string `json:"id"`
	// Address is the HTTP address of the node (host:port)
	Address string `json:"address"`
	// ReplicationAddr is the URL the node publishes map mutations on
	ReplicationAddr string `json:"replication_addr"`
}

// Member is a node together with the directory's view of its liveness
type Member struct {
	Node
	State       NodeState `json:"state"`
	Incarnation uint64    `json:"incarnation"`
	StateTime   time.Time `json:"state_time"`
}

// supersedes reports whether m should replace cur during a merge
func (m Member) supersedes(cur Member) bool {
	if m.Incarnation != cur.Incarnation {
		return m.Incarnation > cur.Incarnation
	}
	return m.State > cur.State
}

// ClusterView is the set of nodes believed active, sorted by ID
type ClusterView []Node

// Contains reports whether the view includes nodeID
func (v ClusterView) Contains(nodeID string) bool {
	for _, n := range v {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

// IDs returns the node IDs of the view in order
func (v ClusterView) IDs() []string {
	ids := make([]string, len(v))
	for i, n := range v {
		ids[i] = n.ID
	}
	return ids
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// MembershipEventType classifies a membership change
type MembershipEventType int

const (
	MemberJoined MembershipEventType = iota
	MemberLeft
	MemberFailed
)

func (t MembershipEventType) String() string {
	switch t {
	case MemberJoined:
		return "joined"
	case MemberLeft:
		return "left"
	case MemberFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MembershipEvent is delivered to OnMembershipChange callbacks
type MembershipEvent struct {
	Type MembershipEventType
	Node Node
	Time time.Time
}

// GossipMessage carries a sender's full member table. It is used both for
// join requests and for periodic push-pull gossip.
type GossipMessage struct {
	Cluster  string    `json:"cluster"`
	SenderID string    `json:"sender_id"`
	Members  []Member  `json:"members"`
	SentAt   time.Time `json:"sent_at"`
}
