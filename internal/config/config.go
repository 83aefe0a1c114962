package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/katasec/dstream-replicator/pkg/types"
)

const (
	DefaultMaxBatchSize       = 1000
	DefaultMaxBatchesInFlight = 5
	DefaultPollInterval       = "5s"
	DefaultMaxPollInterval    = "1m"
	DefaultReadLimit          = 10000
	DefaultMaxRetries         = 10
	DefaultAckTimeout         = "5m"
)

// Config is the root of replicator.hcl
type Config struct {
	NodeID   string `hcl:"node_id"`
	LogLevel string `hcl:"log_level,optional"`
	LogJSON  bool   `hcl:"log_json,optional"`

	Source    *DatabaseConfig  `hcl:"source,block"`
	Target    *DatabaseConfig  `hcl:"target,block"`
	Lock      *LockConfig      `hcl:"lock,block"`
	Transport *TransportConfig `hcl:"transport,block"`
	Polling   *PollingConfig   `hcl:"polling,block"`
	Loader    *LoaderConfig    `hcl:"loader,block"`
	Capture   *CaptureConfig   `hcl:"capture,block"`

	Channels []ChannelConfig `hcl:"channel,block"`
	Nodes    []NodeConfig    `hcl:"node,block"`
	Routers  []RouterConfig  `hcl:"router,block"`
}

// DatabaseConfig describes one database connection
type DatabaseConfig struct {
	Driver           string `hcl:"driver"`
	ConnectionString string `hcl:"connection_string"`
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string `hcl:"type"`                       // Lock provider type (e.g., "azure_blob", "none")
	ConnectionString string `hcl:"connection_string,optional"` // Connection string for the lock provider
	ContainerName    string `hcl:"container_name,optional"`    // Name of the container used for lock files
}

// TransportConfig selects and configures the batch transport
type TransportConfig struct {
	Type             string   `hcl:"type"` // "memory", "kafka" or "servicebus"
	Brokers          []string `hcl:"brokers,optional"`
	TopicPrefix      string   `hcl:"topic_prefix,optional"`
	ConnectionString string   `hcl:"connection_string,optional"`
	Binary           bool     `hcl:"binary,optional"`
	AckTimeout       string   `hcl:"ack_timeout,optional"` // Resend SENT batches without an ack after this long, "0" waits forever
}

// PollingConfig holds configuration for routing and capture polling
type PollingConfig struct {
	Interval    string `hcl:"interval,optional"`     // How often to poll for changes (e.g., "5s", "30s")
	MaxInterval string `hcl:"max_interval,optional"` // Maximum backoff interval (e.g., "5m")
	ReadLimit   int    `hcl:"read_limit,optional"`   // Change records read per routing pass
}

// LoaderConfig configures the apply engine
type LoaderConfig struct {
	EarlyCommitThreshold int   `hcl:"early_commit_threshold,optional"`
	MaxRetries           int   `hcl:"max_retries,optional"`
	UseSavepoints        *bool `hcl:"use_savepoints,optional"` // false forces the row existence check instead of savepoints
}

// CaptureConfig enables the native SQL Server CDC producer
type CaptureConfig struct {
	ChannelID string   `hcl:"channel"`
	Tables    []string `hcl:"tables"`
}

// ChannelConfig declares one channel
type ChannelConfig struct {
	ID                 string `hcl:"id,label"`
	ProcessingOrder    int    `hcl:"processing_order,optional"`
	MaxBatchSize       int    `hcl:"max_batch_size,optional"`
	MaxBatchesInFlight int    `hcl:"max_batches_in_flight,optional"`
	Enabled            *bool  `hcl:"enabled,optional"`
	BatchAlgorithm     string `hcl:"batch_algorithm,optional"`
}

// NodeConfig declares a known node
type NodeConfig struct {
	ID         string `hcl:"id,label"`
	GroupID    string `hcl:"group"`
	ExternalID string `hcl:"external_id,optional"`
	Enabled    *bool  `hcl:"enabled,optional"`
}

// RouterConfig declares a router bound to source tables
type RouterConfig struct {
	ID           string   `hcl:"id,label"`
	Type         string   `hcl:"type"`
	Tables       []string `hcl:"tables,optional"`
	Expression   string   `hcl:"expression,optional"`
	TargetGroup  string   `hcl:"target_group,optional"`
	SyncOnInsert *bool    `hcl:"sync_on_insert,optional"`
	SyncOnUpdate *bool    `hcl:"sync_on_update,optional"`
	SyncOnDelete *bool    `hcl:"sync_on_delete,optional"`
}

// LoadConfig reads and validates an HCL configuration file
func LoadConfig(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadConfigFromHCL(path, src)
}

// LoadConfigFromHCL decodes configuration from HCL source. filename is only
// used in diagnostics and must end in .hcl.
func LoadConfigFromHCL(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Polling == nil {
		c.Polling = &PollingConfig{}
	}
	if c.Polling.Interval == "" {
		c.Polling.Interval = DefaultPollInterval
	}
	if c.Polling.MaxInterval == "" {
		c.Polling.MaxInterval = DefaultMaxPollInterval
	}
	if c.Polling.ReadLimit <= 0 {
		c.Polling.ReadLimit = DefaultReadLimit
	}
	if c.Loader == nil {
		c.Loader = &LoaderConfig{}
	}
	if c.Loader.MaxRetries <= 0 {
		c.Loader.MaxRetries = DefaultMaxRetries
	}
	if c.Lock == nil {
		c.Lock = &LockConfig{Type: "none"}
	}
	if c.Transport == nil {
		c.Transport = &TransportConfig{Type: "memory"}
	}
	if c.Transport.TopicPrefix == "" {
		c.Transport.TopicPrefix = "replicator"
	}
	if c.Transport.AckTimeout == "" {
		c.Transport.AckTimeout = DefaultAckTimeout
	}
}

// Validate checks cross references between channels, nodes and routers
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("missing required config: node_id")
	}
	if c.Source == nil && c.Target == nil {
		return fmt.Errorf("at least one of source or target must be configured")
	}
	if _, err := c.GetPollInterval(); err != nil {
		return fmt.Errorf("invalid polling.interval: %w", err)
	}
	if _, err := c.GetMaxPollInterval(); err != nil {
		return fmt.Errorf("invalid polling.max_interval: %w", err)
	}
	if c.Transport != nil {
		if _, err := c.GetAckTimeout(); err != nil {
			return fmt.Errorf("invalid transport.ack_timeout: %w", err)
		}
	}
	seen := map[string]bool{}
	for _, ch := range c.Channels {
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel %q", ch.ID)
		}
		seen[ch.ID] = true
		switch types.BatchAlgorithm(ch.BatchAlgorithm) {
		case "", types.BatchDefault, types.BatchTransactional, types.BatchNonTransactional:
		default:
			return fmt.Errorf("channel %q: unknown batch_algorithm %q", ch.ID, ch.BatchAlgorithm)
		}
	}
	if c.Capture != nil && !seen[c.Capture.ChannelID] {
		return fmt.Errorf("capture references unknown channel %q", c.Capture.ChannelID)
	}
	nodes := map[string]bool{}
	for _, n := range c.Nodes {
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node %q", n.ID)
		}
		nodes[n.ID] = true
	}
	routers := map[string]bool{}
	for _, r := range c.Routers {
		if routers[r.ID] {
			return fmt.Errorf("duplicate router %q", r.ID)
		}
		routers[r.ID] = true
	}
	return nil
}

// GetPollInterval returns the PollInterval as a time.Duration
func (c *Config) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Polling.Interval)
}

// GetMaxPollInterval returns the MaxPollInterval as a time.Duration
func (c *Config) GetMaxPollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Polling.MaxInterval)
}

// GetAckTimeout returns the transport ack timeout as a time.Duration
func (c *Config) GetAckTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Transport.AckTimeout)
}

// SavepointsEnabled reports whether the loader may use savepoints
func (c *Config) SavepointsEnabled() bool {
	return c.Loader == nil || c.Loader.UseSavepoints == nil || *c.Loader.UseSavepoints
}

// ChannelModels converts channel blocks into types.Channel ordered by
// processing order
func (c *Config) ChannelModels() []types.Channel {
	out := make([]types.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		m := types.Channel{
			ID:                 ch.ID,
			ProcessingOrder:    ch.ProcessingOrder,
			MaxBatchSize:       ch.MaxBatchSize,
			MaxBatchesInFlight: ch.MaxBatchesInFlight,
			Enabled:            boolOr(ch.Enabled, true),
			BatchAlgorithm:     types.BatchAlgorithm(ch.BatchAlgorithm),
		}
		if m.MaxBatchSize <= 0 {
			m.MaxBatchSize = DefaultMaxBatchSize
		}
		if m.MaxBatchesInFlight <= 0 {
			m.MaxBatchesInFlight = DefaultMaxBatchesInFlight
		}
		if m.BatchAlgorithm == "" {
			m.BatchAlgorithm = types.BatchDefault
		}
		out = append(out, m)
	}
	types.SortChannels(out)
	return out
}

// NodeModels converts node blocks into types.Node
func (c *Config) NodeModels() []types.Node {
	out := make([]types.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, types.Node{
			ID:         n.ID,
			GroupID:    n.GroupID,
			ExternalID: n.ExternalID,
			Enabled:    boolOr(n.Enabled, true),
		})
	}
	return out
}

// RouterModels converts router blocks into types.RouterConfig, preserving
// configuration order
func (c *Config) RouterModels() []types.RouterConfig {
	out := make([]types.RouterConfig, 0, len(c.Routers))
	for _, r := range c.Routers {
		out = append(out, types.RouterConfig{
			ID:           r.ID,
			Type:         types.RouterType(r.Type),
			Tables:       r.Tables,
			Expression:   r.Expression,
			TargetGroup:  r.TargetGroup,
			SyncOnInsert: boolOr(r.SyncOnInsert, true),
			SyncOnUpdate: boolOr(r.SyncOnUpdate, true),
			SyncOnDelete: boolOr(r.SyncOnDelete, true),
		})
	}
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetServerName extracts the server name from an ADO style SQL Server
// connection string ("server=host,1433;database=..."). URL style strings are
// handled by utils.ExtractServerNameFromConnectionString.
func GetServerName(connectionString string) string {
	parts := strings.Split(connectionString, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "server=") {
			serverPart := part[7:]
			if idx := strings.Index(serverPart, ","); idx != -1 {
				return serverPart[:idx]
			}
			if idx := strings.Index(serverPart, "\\"); idx != -1 {
				return serverPart[:idx]
			}
			return serverPart
		}
	}
	return "unknown"
}
