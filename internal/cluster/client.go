package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/arohanajit/clustermap/internal/utils"
)

// Transport exchanges member tables with a peer
type Transport interface {
	Join(ctx context.Context, address string, msg GossipMessage) (GossipMessage, error)
	Gossip(ctx context.Context, address string, msg GossipMessage) (GossipMessage, error)
}

// HTTPTransport talks to the /cluster endpoints of peers
type HTTPTransport struct{}

func (HTTPTransport) Join(ctx context.Context, address string, msg GossipMessage) (GossipMessage, error) {
	return exchange(ctx, fmt.Sprintf("http://%s/cluster/join", address), msg)
}

func (HTTPTransport) Gossip(ctx context.Context, address string, msg GossipMessage) (GossipMessage, error) {
	return exchange(ctx, fmt.Sprintf("http://%s/cluster/gossip", address), msg)
}

func exchange(ctx context.Context, url string, msg GossipMessage) (GossipMessage, error) {
	var reply GossipMessage
	err := utils.PostJSON(ctx, url, msg, &reply)

	var statusErr *utils.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return reply, fmt.Errorf("%s: %w", url, ErrClusterMismatch)
	}
	return reply, err
}
