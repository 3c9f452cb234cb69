package rest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/dmap"
)

// MembersResponse is the directory as seen by the answering node
type MembersResponse struct {
	Cluster string           `json:"cluster"`
	Self    cluster.Node     `json:"self"`
	Members []cluster.Member `json:"members"`
}

// handleMembers handles GET /cluster/members requests
func (r *Router) handleMembers(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, MembersResponse{
		Cluster: r.members.Cluster(),
		Self:    r.members.Self(),
		Members: r.members.Table(),
	})
}

// handleJoin handles POST /cluster/join requests
func (r *Router) handleJoin(w http.ResponseWriter, req *http.Request) {
	r.exchange(w, req, r.members.HandleJoin)
}

// handleGossip handles POST /cluster/gossip requests
func (r *Router) handleGossip(w http.ResponseWriter, req *http.Request) {
	r.exchange(w, req, r.members.HandleGossip)
}

func (r *Router) exchange(w http.ResponseWriter, req *http.Request, handle func(cluster.GossipMessage) (cluster.GossipMessage, error)) {
	var msg cluster.GossipMessage
	if !r.decode(w, req, &msg) {
		return
	}

	reply, err := handle(msg)
	if err != nil {
		r.logger.Warn("rejected membership exchange",
			zap.String("path", req.URL.Path),
			zap.String("sender", msg.SenderID),
			zap.Error(err))
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleSnapshot handles GET /internal/snapshot requests from anti-entropy
func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.snapshots.LocalSnapshot()); err != nil {
		r.logger.Warn("failed to write snapshot", zap.Error(err))
	}
}

// handleOwnerPutIfAbsent runs a forwarded PutIfAbsent on this node, which is
// the key's owner in the caller's view
func (r *Router) handleOwnerPutIfAbsent(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}
	key, ok := pathVar(w, req, "key")
	if !ok {
		return
	}
	var body dmap.PutIfAbsentRequest
	if !r.decode(w, req, &body) {
		return
	}

	e, committed, err := m.PutIfAbsentLocal(key, body.Value)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, dmap.PutIfAbsentResult{Entry: e, Committed: committed})
}
