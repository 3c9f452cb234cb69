package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/dmap"
	"github.com/arohanajit/clustermap/internal/metrics"
	"github.com/arohanajit/clustermap/internal/replication"
)

const (
	defaultMaxPayloadSize = 1 << 20
	defaultRequestTimeout = 10 * time.Second
)

// MapProvider hands out map handles by name
type MapProvider interface {
	Map(name string) (*dmap.Map, error)
	Names() []string
}

// Membership is the part of the directory the cluster endpoints need
type Membership interface {
	Self() cluster.Node
	Cluster() string
	Table() []cluster.Member
	HandleJoin(msg cluster.GossipMessage) (cluster.GossipMessage, error)
	HandleGossip(msg cluster.GossipMessage) (cluster.GossipMessage, error)
}

// SnapshotProvider returns every entry held by this node, tombstones included
type SnapshotProvider interface {
	LocalSnapshot() replication.Snapshot
}

// Options tunes request handling
type Options struct {
	MaxPayloadSize int64
	RequestTimeout time.Duration
}

// Router serves the public map API and the node-to-node endpoints
type Router struct {
	maps      MapProvider
	members   Membership
	snapshots SnapshotProvider
	logger    *zap.Logger
	opts      Options
}

// NewRouter creates a new instance of Router
func NewRouter(maps MapProvider, members Membership, snapshots SnapshotProvider, logger *zap.Logger, opts Options) *Router {
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = defaultMaxPayloadSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		maps:      maps,
		members:   members,
		snapshots: snapshots,
		logger:    logger,
		opts:      opts,
	}
}

// Handler builds the complete route table
func (r *Router) Handler() http.Handler {
	root := mux.NewRouter()
	// Map names and keys may contain slashes; handlers unescape them
	root.UseEncodedPath()
	root.Use(RequestIDMiddleware, LoggingMiddleware(r.logger), metrics.MetricsMiddleware)
	r.RegisterRoutes(root)
	return root
}

// RegisterRoutes registers all HTTP routes with their handlers
func (r *Router) RegisterRoutes(root *mux.Router) {
	// Long-lived streams are exempt from the request timeout
	root.HandleFunc("/maps/{map}/events", r.handleEvents).Methods(http.MethodGet)

	api := root.NewRoute().Subrouter()
	api.Use(TimeoutMiddleware(r.opts.RequestTimeout))

	api.HandleFunc("/maps", r.handleListMaps).Methods(http.MethodGet)
	api.HandleFunc("/maps/{map}/entries", r.handleListEntries).Methods(http.MethodGet)
	api.HandleFunc("/maps/{map}/entries/{key}", r.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/maps/{map}/entries/{key}", r.handlePut).Methods(http.MethodPut)
	api.HandleFunc("/maps/{map}/entries/{key}", r.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/maps/{map}/entries/{key}/put-if-absent", r.handlePutIfAbsent).Methods(http.MethodPost)

	api.HandleFunc("/cluster/members", r.handleMembers).Methods(http.MethodGet)
	api.HandleFunc("/cluster/join", r.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/cluster/gossip", r.handleGossip).Methods(http.MethodPost)

	api.HandleFunc("/internal/snapshot", r.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/internal/maps/{map}/entries/{key}/put-if-absent", r.handleOwnerPutIfAbsent).Methods(http.MethodPost)

	api.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}
