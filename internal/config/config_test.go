package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/katasec/dstream-replicator/pkg/types"
)

const sample = `
node_id   = "corp"
log_level = "debug"

source {
  driver            = "sqlite"
  connection_string = "file:corp.db"
}

transport {
  type    = "kafka"
  brokers = ["kafka:9092"]
}

polling {
  interval     = "2s"
  max_interval = "30s"
}

channel "sales" {
  processing_order      = 2
  max_batch_size        = 50
  max_batches_in_flight = 3
}

channel "config" {
  processing_order = 1
  batch_algorithm  = "nontransactional"
}

node "store-1" {
  group       = "store"
  external_id = "001"
}

node "store-2" {
  group   = "store"
  enabled = false
}

router "sales-to-stores" {
  type           = "column-match"
  tables         = ["sale"]
  expression     = "STORE_ID=:EXTERNAL_ID"
  sync_on_delete = false
}
`

func TestLoadConfigFromHCL(t *testing.T) {
	cfg, err := LoadConfigFromHCL("replicator.hcl", []byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "corp", cfg.NodeID)
	assert.Equal(t, "sqlite", cfg.Source.Driver)
	assert.Nil(t, cfg.Target)
	assert.Equal(t, "none", cfg.Lock.Type)
	assert.Equal(t, "replicator", cfg.Transport.TopicPrefix)
	assert.Equal(t, DefaultReadLimit, cfg.Polling.ReadLimit)

	interval, err := cfg.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, interval)
	ackTimeout, err := cfg.GetAckTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ackTimeout)
	assert.True(t, cfg.SavepointsEnabled())

	channels := cfg.ChannelModels()
	require.Len(t, channels, 2)
	assert.Equal(t, "config", channels[0].ID)
	assert.Equal(t, DefaultMaxBatchSize, channels[0].MaxBatchSize)
	assert.Equal(t, types.BatchNonTransactional, channels[0].BatchAlgorithm)
	assert.Equal(t, types.BatchDefault, channels[1].BatchAlgorithm)
	assert.True(t, channels[1].Enabled)

	nodes := cfg.NodeModels()
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].Enabled)
	assert.False(t, nodes[1].Enabled)

	routers := cfg.RouterModels()
	require.Len(t, routers, 1)
	assert.Equal(t, types.RouterColumnMatch, routers[0].Type)
	assert.True(t, routers[0].SyncOnInsert)
	assert.False(t, routers[0].SyncOnDelete)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	src := `
node_id = "corp"
source {
  driver            = "sqlite"
  connection_string = "x"
}
channel "sales" {}
channel "sales" {}
`
	_, err := LoadConfigFromHCL("replicator.hcl", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate channel")
}

func TestValidateRejectsBadAlgorithm(t *testing.T) {
	src := `
node_id = "corp"
target {
  driver            = "sqlite"
  connection_string = "x"
}
channel "sales" {
  batch_algorithm = "sometimes"
}
`
	_, err := LoadConfigFromHCL("replicator.hcl", []byte(src))
	require.Error(t, err)
}

func TestTransportAndLoaderSettings(t *testing.T) {
	src := `
node_id = "corp"
target {
  driver            = "sqlite"
  connection_string = "x"
}
transport {
  type        = "memory"
  ack_timeout = "0"
}
loader {
  use_savepoints = false
}
`
	cfg, err := LoadConfigFromHCL("replicator.hcl", []byte(src))
	require.NoError(t, err)
	ackTimeout, err := cfg.GetAckTimeout()
	require.NoError(t, err)
	assert.Zero(t, ackTimeout)
	assert.False(t, cfg.SavepointsEnabled())
	assert.Equal(t, DefaultMaxRetries, cfg.Loader.MaxRetries)

	_, err = LoadConfigFromHCL("replicator.hcl", []byte(`
node_id = "corp"
target {
  driver            = "sqlite"
  connection_string = "x"
}
transport {
  type        = "memory"
  ack_timeout = "soon"
}
`))
	assert.ErrorContains(t, err, "transport.ack_timeout")
}

func TestGetServerName(t *testing.T) {
	assert.Equal(t, "sql01", GetServerName("server=sql01,1433;database=corp"))
	assert.Equal(t, "sql02", GetServerName("Server=sql02\\inst;database=corp"))
	assert.Equal(t, "unknown", GetServerName("database=corp"))
}

func TestFromStruct(t *testing.T) {
	raw := map[string]any{
		"node_id":   "hq",
		"source":    map[string]any{"driver": "sqlite", "connection_string": "hq.db"},
		"polling":   map[string]any{"interval": "2s", "read_limit": 500},
		"transport": map[string]any{"type": "memory", "ack_timeout": "30s"},
		"loader":    map[string]any{"use_savepoints": false},
		"channel": []any{
			map[string]any{"id": "sales", "max_batch_size": 50, "batch_algorithm": "transactional"},
			map[string]any{"id": "config", "processing_order": -1, "enabled": false},
		},
		"node": []any{
			map[string]any{"id": "store-1", "group": "store", "external_id": "S1"},
		},
		"router": []any{
			map[string]any{"id": "by-store", "type": "column-match", "tables": []any{"sale_transaction"},
				"expression": "STORE_ID=:EXTERNAL_ID", "sync_on_delete": false},
		},
	}
	st, err := structpb.NewStruct(raw)
	require.NoError(t, err)

	cfg, err := FromStruct(st)
	require.NoError(t, err)
	assert.Equal(t, "hq", cfg.NodeID)
	assert.Equal(t, "sqlite", cfg.Source.Driver)
	assert.Equal(t, 500, cfg.Polling.ReadLimit)
	assert.Equal(t, DefaultMaxPollInterval, cfg.Polling.MaxInterval)
	assert.Equal(t, "30s", cfg.Transport.AckTimeout)
	assert.False(t, cfg.SavepointsEnabled())

	channels := cfg.ChannelModels()
	require.Len(t, channels, 2)
	assert.Equal(t, "config", channels[0].ID)
	assert.False(t, channels[0].Enabled)
	assert.Equal(t, 50, channels[1].MaxBatchSize)
	assert.Equal(t, types.BatchTransactional, channels[1].BatchAlgorithm)

	routers := cfg.RouterModels()
	require.Len(t, routers, 1)
	assert.Equal(t, []string{"sale_transaction"}, routers[0].Tables)
	assert.True(t, routers[0].SyncOnInsert)
	assert.False(t, routers[0].SyncOnDelete)
	assert.Equal(t, "S1", cfg.NodeModels()[0].ExternalID)
}

func TestFromStructErrors(t *testing.T) {
	_, err := FromStruct(nil)
	assert.Error(t, err)

	for _, raw := range []map[string]any{
		{"source": map[string]any{"driver": "sqlite", "connection_string": "x"}},
		{"node_id": "hq", "source": map[string]any{"driver": "sqlite"}},
		{"node_id": "hq", "source": map[string]any{"driver": "sqlite", "connection_string": "x"}, "channel": "sales"},
		{"node_id": "hq", "source": map[string]any{"driver": "sqlite", "connection_string": "x"}, "node": []any{map[string]any{"group": "store"}}},
	} {
		st, err := structpb.NewStruct(raw)
		require.NoError(t, err)
		_, err = FromStruct(st)
		assert.Error(t, err, "%v", raw)
	}
}
