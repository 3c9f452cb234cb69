package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// replicationPortOffset places the replication socket next to the HTTP port
const replicationPortOffset = 1000

var validate = validator.New()

// ServerConfig holds all configuration settings for a node
type ServerConfig struct {
	// Identity
	NodeID      string `yaml:"node_id" validate:"required"`
	ClusterName string `yaml:"cluster_name" validate:"required"`

	// Server settings
	Host           string `yaml:"host"`
	AdvertiseHost  string `yaml:"advertise_host"`
	Port           int    `yaml:"port" validate:"min=0,max=65535"`
	PortCount      int    `yaml:"port_count" validate:"min=1"` // ports tried from Port upwards when Port is taken
	MaxPayloadSize int64  `yaml:"max_payload_size" validate:"gt=0"`

	// Replication socket; derived from Port when empty
	ReplicationAddr string `yaml:"replication_addr"`

	// Discovery settings
	Seeds         []string `yaml:"seeds" validate:"dive,hostname_port"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	// Membership settings
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	FailureThreshold  int           `yaml:"failure_threshold" validate:"min=1"`
	GossipInterval    time.Duration `yaml:"gossip_interval" validate:"gt=0"`
	GossipFanout      int           `yaml:"gossip_fanout" validate:"min=1"`
	DeadNodeTTL       time.Duration `yaml:"dead_node_ttl" validate:"gt=0"`

	// Map settings
	SyncInterval time.Duration `yaml:"sync_interval" validate:"gt=0"`
	TombstoneTTL time.Duration `yaml:"tombstone_ttl" validate:"gt=0"`
}

// DefaultConfig returns a ServerConfig with default values
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		ClusterName:       "dev",
		Host:              "0.0.0.0",
		Port:              5701,
		PortCount:         20,
		MaxPayloadSize:    1024 * 1024, // 1MB
		Seeds:             []string{"127.0.0.1:5701"},
		HeartbeatInterval: time.Second,
		FailureThreshold:  3,
		GossipInterval:    time.Second,
		GossipFanout:      3,
		DeadNodeTTL:       time.Minute,
		SyncInterval:      10 * time.Second,
		TombstoneTTL:      10 * time.Minute,
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and environment variables, in that order
func LoadConfig() (*ServerConfig, error) {
	config := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}
	return config, nil
}

// LoadFile overlays the settings found in a YAML file
func (c *ServerConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *ServerConfig) applyEnv() {
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		c.NodeID = nodeID
	}

	if clusterName := os.Getenv("CLUSTER_NAME"); clusterName != "" {
		c.ClusterName = clusterName
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Host = host
	}

	if host := os.Getenv("ADVERTISE_HOST"); host != "" {
		c.AdvertiseHost = host
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}

	if maxSize := os.Getenv("MAX_PAYLOAD_SIZE"); maxSize != "" {
		if size, err := strconv.ParseInt(maxSize, 10, 64); err == nil {
			c.MaxPayloadSize = size
		}
	}

	if addr := os.Getenv("REPLICATION_ADDR"); addr != "" {
		c.ReplicationAddr = addr
	}

	// An explicitly empty CLUSTER_SEEDS disables the default seed
	if seeds, ok := os.LookupEnv("CLUSTER_SEEDS"); ok {
		c.Seeds = splitList(seeds)
	}

	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		c.EtcdEndpoints = splitList(endpoints)
	}

	if heartbeatInterval := os.Getenv("HEARTBEAT_INTERVAL"); heartbeatInterval != "" {
		if duration, err := time.ParseDuration(heartbeatInterval); err == nil {
			c.HeartbeatInterval = duration
		}
	}

	if threshold := os.Getenv("FAILURE_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil {
			c.FailureThreshold = n
		}
	}

	if gossipInterval := os.Getenv("GOSSIP_INTERVAL"); gossipInterval != "" {
		if duration, err := time.ParseDuration(gossipInterval); err == nil {
			c.GossipInterval = duration
		}
	}

	if fanout := os.Getenv("GOSSIP_FANOUT"); fanout != "" {
		if n, err := strconv.Atoi(fanout); err == nil {
			c.GossipFanout = n
		}
	}

	if syncInterval := os.Getenv("SYNC_INTERVAL"); syncInterval != "" {
		if duration, err := time.ParseDuration(syncInterval); err == nil {
			c.SyncInterval = duration
		}
	}

	if ttl := os.Getenv("TOMBSTONE_TTL"); ttl != "" {
		if duration, err := time.ParseDuration(ttl); err == nil {
			c.TombstoneTTL = duration
		}
	}
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ListenAddr is the HTTP listen address for port
func (c *ServerConfig) ListenAddr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Advertise returns the host peers use to reach this node
func (c *ServerConfig) Advertise() string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}
	if c.Host == "" || c.Host == "0.0.0.0" || c.Host == "::" {
		return "127.0.0.1"
	}
	return c.Host
}

// ReplicationURL returns the listen and advertised replication addresses for
// a node whose HTTP server is bound to port. Port 0 selects an in-process
// transport, which is what tests run on.
func (c *ServerConfig) ReplicationURL(port int) (listen, advertise string) {
	if c.ReplicationAddr != "" {
		return c.ReplicationAddr, c.ReplicationAddr
	}
	if c.Port == 0 {
		addr := fmt.Sprintf("inproc://clustermap/%s/%s", c.ClusterName, c.NodeID)
		return addr, addr
	}
	p := strconv.Itoa(port + replicationPortOffset)
	return "tcp://" + net.JoinHostPort(c.Host, p), "tcp://" + net.JoinHostPort(c.Advertise(), p)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
