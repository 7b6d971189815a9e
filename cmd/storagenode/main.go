package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/standard-Chan/standard-object-storage/internal/config"
	"github.com/standard-Chan/standard-object-storage/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:   "storagenode",
		Short: "Object storage node with primary/secondary replication",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file merged into the environment")
	root.AddCommand(newServeCmd(), newQueueCmd())
	return root
}

// openQueue opens the configured replication queue store. A read-only queue
// is for inspection: it must already exist and is never migrated.
func openQueue(ctx context.Context, cfg config.Config, readOnly bool) (store.Queue, error) {
	opts := store.Options{MaxRetry: cfg.MaxRetry, RetryInterval: cfg.RetryInterval}
	switch cfg.QueueDriver {
	case config.QueueDriverPostgres:
		st, err := store.NewPostgres(ctx, cfg.PostgresDSN, opts)
		if err != nil {
			return nil, err
		}
		if readOnly {
			return st, nil
		}
		if err := st.RunMigrations(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		if readOnly {
			return store.OpenSQLiteReadOnly(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeout, opts)
		}
		return store.OpenSQLite(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeout, opts)
	}
}
