package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/bus"
	"github.com/pumpingstationone/deepharbor/pkg/metrics"
	"github.com/pumpingstationone/deepharbor/pkg/worker/directory"
	"github.com/pumpingstationone/deepharbor/pkg/worker/rfid"
)

// sweepInterval is how often a worker checks for stale claims and leftover
// temp files in its queue.
const sweepInterval = time.Minute

var workerCmd = &cobra.Command{
	Use:       "worker [rfid|directory]",
	Short:     "Run a hardware or directory worker",
	ValidArgs: []string{rfid.QueueName, directory.QueueName},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Long: `Run a worker that consumes operations from its file queue.

The rfid worker talks to the door access controller board over UDP. The
directory worker talks to the directory service over LDAP. Each worker owns
its own queue directory under the shared volume and is the only process
that executes operations against its system.

On startup and periodically afterwards, the worker requeues operations left
behind in processing/ by a crashed predecessor.

Examples:
  deepharbor worker rfid
  deepharbor worker directory`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	name := args[0]
	queue, err := bus.Open(filepath.Join(cfg.Bus.SharedVolumePath, name))
	if err != nil {
		return fmt.Errorf("failed to open %s queue: %w", name, err)
	}

	var handler bus.Handler
	switch name {
	case rfid.QueueName:
		board := rfid.NewUHPPOTE(cfg.RFID)
		handler = rfid.NewHandler(board, cfg.RFID.Retries)
	case directory.QueueName:
		handler = directory.NewHandler(directory.NewLDAP(cfg.Directory), cfg.Directory.Retries)
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics); err != nil {
			logger.Error("metrics server error", logger.KeyError, err)
		}
	}()

	go sweepLoop(ctx, queue, cfg.Bus.StaleAfter)

	logger.Info("worker starting",
		"worker", name,
		"queue", queue.Base())

	consumer := bus.NewConsumer(queue, handler, cfg.Bus.PollInterval)
	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("worker stopped", "worker", name)
		return nil
	}
	return err
}

// sweepLoop periodically requeues stale claims and removes leftover temp
// files. Runs once immediately so a restart picks up orphans right away.
func sweepLoop(ctx context.Context, queue *bus.Queue, staleAfter time.Duration) {
	sweep := func() {
		ids, err := queue.RecoverStale(staleAfter)
		if err != nil {
			logger.Error("failed to recover stale operations", logger.KeyError, err)
		} else if len(ids) > 0 {
			logger.Info("requeued stale operations", "count", len(ids))
		}
		if err := queue.SweepTemp(staleAfter); err != nil {
			logger.Error("failed to sweep temp files", logger.KeyError, err)
		}
	}

	sweep()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
