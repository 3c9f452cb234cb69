package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/config"
	"github.com/arohanajit/clustermap/internal/dmap"
	"github.com/arohanajit/clustermap/internal/node"
	"github.com/arohanajit/clustermap/internal/notify"
)

const (
	shutdownTimeout = 30 * time.Second
	warmUp          = 2 * time.Second
	stepInterval    = time.Second
)

func main() {
	name := flag.String("name", "", "node name (overrides NODE_ID)")
	mutator := flag.Bool("mutator", false, "run the demo mutation script against the map")
	mapName := flag.String("map", "my-distributed-map", "name of the map to watch")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *name != "" {
		cfg.NodeID = *name
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := config.InitLogger(zap.String("cluster", cfg.ClusterName)); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer config.Sync()
	logger := config.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.Start(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}

	fmt.Printf("Members of cluster %q:\n", cfg.ClusterName)
	for _, m := range n.Members() {
		marker := ""
		if m.ID == n.Self().ID {
			marker = " (this node)"
		}
		fmt.Printf("  %s %s%s\n", m.ID, m.Address, marker)
	}

	m, err := n.Map(*mapName)
	if err != nil {
		logger.Fatal("Failed to open map", zap.String("map", *mapName), zap.Error(err))
	}
	if _, err := m.Subscribe(eventPrinter(os.Stdout, cfg.NodeID, n.Directory())); err != nil {
		logger.Fatal("Failed to subscribe", zap.Error(err))
	}

	if *mutator {
		go func() {
			if err := runScript(ctx, m, logger); err != nil && ctx.Err() == nil {
				logger.Error("Mutation script failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Node shutdown completed")
}

// memberLookup resolves an event's origin to the member that wrote it
type memberLookup interface {
	Member(nodeID string) (cluster.Member, bool)
}

// eventPrinter returns a listener that prints each event prefixed with this
// node's name, naming the writer by its address
func eventPrinter(w io.Writer, name string, members memberLookup) notify.Listener {
	return func(ev notify.ChangeEvent) {
		by := ev.Origin
		if m, ok := members.Member(ev.Origin); ok {
			by = m.Address
		}
		fmt.Fprintln(w, formatEvent(name, ev, by))
	}
}

func formatEvent(name string, ev notify.ChangeEvent, by string) string {
	switch ev.Kind {
	case notify.EventAdded:
		return fmt.Sprintf("[%s] ADDED   key=%s, val=%s, by=%s", name, ev.Key, ev.NewValue, by)
	case notify.EventUpdated:
		return fmt.Sprintf("[%s] UPDATED key=%s, old=%s, new=%s, by=%s", name, ev.Key, ev.OldValue, ev.NewValue, by)
	default:
		return fmt.Sprintf("[%s] REMOVED key=%s, old=%s, by=%s", name, ev.Key, ev.OldValue, by)
	}
}

type step struct {
	op    string
	key   string
	value string
}

var script = []step{
	{"put", "1", "John"},
	{"put", "2", "Mary"},
	{"put", "1", "Johnny"},
	{"remove", "2", ""},
	{"putIfAbsent", "3", "Jane"},
	{"put", "3", "Janet"},
	{"remove", "1", ""},
}

// runScript applies the demo mutations one second apart
func runScript(ctx context.Context, m *dmap.Map, logger *zap.Logger) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(warmUp):
	}

	for _, s := range script {
		var err error
		switch s.op {
		case "put":
			_, _, err = m.Put(ctx, s.key, s.value)
		case "remove":
			_, _, err = m.Remove(ctx, s.key)
		case "putIfAbsent":
			var existing string
			var existed bool
			existing, existed, err = m.PutIfAbsent(ctx, s.key, s.value)
			if err == nil && existed {
				logger.Info("putIfAbsent kept existing value", zap.String("key", s.key), zap.String("existing", existing))
			}
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", s.op, s.key, err)
		}
		logger.Debug("Applied mutation", zap.String("op", s.op), zap.String("key", s.key))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stepInterval):
		}
	}
	return nil
}
