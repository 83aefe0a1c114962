package config

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// FromStruct builds a Config from a google.protobuf.Struct carrying the same
// fields as replicator.hcl. Labelled blocks (channel, node, router) are lists
// of objects with an "id" field.
func FromStruct(cfg *structpb.Struct) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing configuration")
	}
	raw := cfg.AsMap()
	c := &Config{}

	// --- required: node_id -----------------------------------------------------------------------
	nodeID, ok := raw["node_id"].(string)
	if !ok || nodeID == "" {
		return nil, fmt.Errorf("missing required config: node_id")
	}
	c.NodeID = nodeID
	c.LogLevel, _ = raw["log_level"].(string)
	c.LogJSON, _ = raw["log_json"].(bool)

	// --- databases --------------------------------------------------------------------------------
	for key, dst := range map[string]**DatabaseConfig{"source": &c.Source, "target": &c.Target} {
		m, ok := raw[key].(map[string]any)
		if !ok {
			continue
		}
		driver, _ := m["driver"].(string)
		connStr, _ := m["connection_string"].(string)
		if driver == "" || connStr == "" {
			return nil, fmt.Errorf("missing required config: %s.driver and %s.connection_string", key, key)
		}
		*dst = &DatabaseConfig{Driver: driver, ConnectionString: connStr}
	}

	// --- optional blocks -------------------------------------------------------------------------
	if m, ok := raw["lock"].(map[string]any); ok {
		c.Lock = &LockConfig{Type: str(m, "type"), ConnectionString: str(m, "connection_string"), ContainerName: str(m, "container_name")}
		if c.Lock.Type == "" {
			return nil, fmt.Errorf("missing required config: lock.type")
		}
	}
	if m, ok := raw["transport"].(map[string]any); ok {
		c.Transport = &TransportConfig{Type: str(m, "type"), Brokers: strs(m, "brokers"), TopicPrefix: str(m, "topic_prefix"),
			ConnectionString: str(m, "connection_string"), Binary: flag(m, "binary"), AckTimeout: str(m, "ack_timeout")}
	}
	if m, ok := raw["polling"].(map[string]any); ok {
		c.Polling = &PollingConfig{Interval: str(m, "interval"), MaxInterval: str(m, "max_interval"), ReadLimit: num(m, "read_limit")}
	}
	if m, ok := raw["loader"].(map[string]any); ok {
		c.Loader = &LoaderConfig{EarlyCommitThreshold: num(m, "early_commit_threshold"), MaxRetries: num(m, "max_retries"),
			UseSavepoints: optFlag(m, "use_savepoints")}
	}
	if m, ok := raw["capture"].(map[string]any); ok {
		c.Capture = &CaptureConfig{ChannelID: str(m, "channel"), Tables: strs(m, "tables")}
	}

	// --- labelled blocks -------------------------------------------------------------------------
	channels, err := objects(raw, "channel")
	if err != nil {
		return nil, err
	}
	for _, m := range channels {
		c.Channels = append(c.Channels, ChannelConfig{ID: str(m, "id"), ProcessingOrder: num(m, "processing_order"),
			MaxBatchSize: num(m, "max_batch_size"), MaxBatchesInFlight: num(m, "max_batches_in_flight"),
			Enabled: optFlag(m, "enabled"), BatchAlgorithm: str(m, "batch_algorithm")})
	}
	nodes, err := objects(raw, "node")
	if err != nil {
		return nil, err
	}
	for _, m := range nodes {
		c.Nodes = append(c.Nodes, NodeConfig{ID: str(m, "id"), GroupID: str(m, "group"), ExternalID: str(m, "external_id"),
			Enabled: optFlag(m, "enabled")})
	}
	routers, err := objects(raw, "router")
	if err != nil {
		return nil, err
	}
	for _, m := range routers {
		c.Routers = append(c.Routers, RouterConfig{ID: str(m, "id"), Type: str(m, "type"), Tables: strs(m, "tables"),
			Expression: str(m, "expression"), TargetGroup: str(m, "target_group"),
			SyncOnInsert: optFlag(m, "sync_on_insert"), SyncOnUpdate: optFlag(m, "sync_on_update"), SyncOnDelete: optFlag(m, "sync_on_delete")})
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func objects(raw map[string]any, key string) ([]map[string]any, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of objects", key)
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be an object", key, i)
		}
		if id, _ := m["id"].(string); id == "" {
			return nil, fmt.Errorf("missing required config: %s[%d].id", key, i)
		}
		out = append(out, m)
	}
	return out, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// strs accepts a list of strings or a single string
func strs(m map[string]any, key string) []string {
	var out []string
	switch v := m[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// num reads a number; structpb carries every number as float64
func num(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func optFlag(m map[string]any, key string) *bool {
	b, ok := m[key].(bool)
	if !ok {
		return nil
	}
	return &b
}
