package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/config"
	"github.com/katasec/dstream-replicator/internal/utils"
)

// NewLocker creates the DistributedLocker selected by the lock block
func NewLocker(ctx context.Context, cfg *config.LockConfig, logger hclog.Logger) (DistributedLocker, error) {
	if cfg == nil {
		return NewLocalLocker(), nil
	}
	switch cfg.Type {
	case "", "none", "local":
		return NewLocalLocker(), nil
	case "azure_blob":
		if cfg.ConnectionString == "" || cfg.ContainerName == "" {
			return nil, fmt.Errorf("azure_blob lock needs connection_string and container_name")
		}
		return NewBlobLocker(ctx, cfg.ConnectionString, cfg.ContainerName, logger)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// ChannelLockName returns the lock name of a channel on a source database.
// The server name becomes a folder so several databases can share one
// container.
func ChannelLockName(dbConnectionString, channelID string) string {
	name := strings.ToLower(channelID) + ".lock"
	serverName, err := utils.ExtractServerNameFromConnectionString(dbConnectionString)
	if err != nil || serverName == "" {
		serverName = strings.ToLower(config.GetServerName(dbConnectionString))
	}
	if serverName == "" || serverName == "unknown" {
		return name
	}
	return serverName + "/" + name
}
