package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/pkg/bus"
	"github.com/pumpingstationone/deepharbor/pkg/worker/directory"
	"github.com/pumpingstationone/deepharbor/pkg/worker/rfid"
)

var requeueAll bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the file queues",
}

var queueRequeueCmd = &cobra.Command{
	Use:       "requeue [rfid|directory]",
	Short:     "Move orphaned operations back to pending",
	ValidArgs: []string{rfid.QueueName, directory.QueueName},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Long: `Move operations stuck in a queue's processing/ directory back to
pending, and remove leftover temp files.

Workers do this automatically for claims older than the configured stale
threshold. Use --all to requeue regardless of age, for example after killing
a wedged worker.

Examples:
  deepharbor queue requeue rfid
  deepharbor queue requeue directory --all`,
	RunE: runQueueRequeue,
}

func init() {
	queueRequeueCmd.Flags().BoolVar(&requeueAll, "all", false, "Requeue every claimed operation regardless of age")
	queueCmd.AddCommand(queueRequeueCmd)
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	queue, err := bus.Open(filepath.Join(cfg.Bus.SharedVolumePath, args[0]))
	if err != nil {
		return fmt.Errorf("failed to open %s queue: %w", args[0], err)
	}

	staleAfter := cfg.Bus.StaleAfter
	if requeueAll {
		staleAfter = 0
	}

	ids, err := queue.RecoverStale(staleAfter)
	if err != nil {
		return fmt.Errorf("failed to requeue operations: %w", err)
	}
	if err := queue.SweepTemp(staleAfter); err != nil {
		return fmt.Errorf("failed to sweep temp files: %w", err)
	}

	if len(ids) == 0 {
		fmt.Println("Nothing to requeue.")
		return nil
	}
	fmt.Printf("Requeued %d operation(s):\n", len(ids))
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}
	return nil
}
