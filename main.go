package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/katasec/dstream-replicator/internal/config"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/replicator"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "replicator",
		Short:         "Multi node change data replicator",
		Long:          "replicator routes captured changes into per node batches, delivers them and applies incoming batches transactionally.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "replicator.hcl", "Path to the HCL configuration file")
	rootCmd.PersistentFlags().String("log-level", os.Getenv("REPLICATOR_LOG_LEVEL"), "Log level override: trace|debug|info|warn|error")

	// run
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return replicator.New(cfg, replicator.WithLogger(log)).Start(ctx)
		},
	}
	rootCmd.AddCommand(runCmd)

	// route-once
	routeCmd := &cobra.Command{
		Use:   "route-once",
		Short: "Run one routing pass for every enabled channel and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			res, err := replicator.New(cfg, replicator.WithLogger(log)).RouteOnce(cmd.Context())
			ids := make([]string, 0, len(res))
			for id := range res {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				r := res[id]
				fmt.Fprintf(cmd.OutOrStdout(), "%s: records=%d batches=%d unrouted=%d config_errors=%d checkpoint=%d paused=%t\n",
					id, r.Records, r.Batches, r.Unrouted, r.ConfigErrors, r.Checkpoint, r.Paused)
			}
			return err
		},
	}
	rootCmd.AddCommand(routeCmd)

	// validate
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node %s: %d channels, %d nodes, %d routers\n",
				cfg.NodeID, len(cfg.Channels), len(cfg.Nodes), len(cfg.Routers))
			return nil
		},
	}
	rootCmd.AddCommand(validateCmd)

	// version
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		logging.GetLogger().Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// load reads the configuration named by --config and installs the logger it
// describes
func load(cmd *cobra.Command) (*config.Config, hclog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	log := logging.Setup(logging.Options{Level: level, JSON: cfg.LogJSON})
	return cfg, log, nil
}
