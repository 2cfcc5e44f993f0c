package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"profilestore/internal/config"
	"profilestore/internal/storage/sqlite"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "profilesd",
		Short:        "Serve a partitioned, materialized view of user profiles",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML or TOML config file")
	cmd.Flags().Bool("reset", false, "delete local state and rebuild every owned partition from the change-stream")
	cmd.Flags().String("listen", "", "query API listen address")
	cmd.Flags().String("state-dir", "", "directory holding the partition stores")
	cmd.Flags().String("instance-id", "", "instance id (generated when empty)")

	cmd.AddCommand(newResetCommand(&cfgPath))
	return cmd
}

// newResetCommand wipes the local state without starting the service.
func newResetCommand(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every local partition store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := sqlite.NewStore(cfg.Storage.StateDir, cfg.Cluster.Partitions)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed partition stores under %s\n", cfg.Storage.StateDir)
			return nil
		},
	}
	cmd.Flags().String("state-dir", "", "directory holding the partition stores")
	return cmd
}
