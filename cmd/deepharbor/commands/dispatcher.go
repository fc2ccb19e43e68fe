package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/changelog"
	"github.com/pumpingstationone/deepharbor/pkg/dispatcher"
	"github.com/pumpingstationone/deepharbor/pkg/metrics"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the change dispatcher",
	Long: `Run the change dispatcher.

The dispatcher resumes any backlog of unprocessed change rows, then listens
for change notifications from the database and delivers each change to the
effector service registered for its type. It reconnects with backoff when
the database connection is lost.

Examples:
  # Run with default config
  deepharbor dispatcher

  # Run with environment variable overrides
  DEEPHARBOR_DISPATCHER_BATCH_SIZE=500 deepharbor dispatcher`,
	RunE: runDispatcher,
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := changelog.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics); err != nil {
			logger.Error("metrics server error", logger.KeyError, err)
		}
	}()

	d := dispatcher.New(store, cfg.Database, cfg.Dispatcher)

	logger.Info("dispatcher starting",
		"channel", cfg.Dispatcher.WatchChannel,
		logger.KeyBatchSize, cfg.Dispatcher.BatchSize)

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("dispatcher stopped")
		return nil
	}
	return err
}
