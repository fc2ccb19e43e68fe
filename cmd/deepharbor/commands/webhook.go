package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/pkg/routing"
	"github.com/pumpingstationone/deepharbor/pkg/webhook"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Run the waiver webhook receiver",
	Long: `Run the HTTP service that receives waiver submissions from the
external waiver vendor and stores them in the database.

Examples:
  deepharbor webhook
  DEEPHARBOR_WEBHOOK_PORT=9000 deepharbor webhook`,
	RunE: runWebhook,
}

func runWebhook(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := routing.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = store.Close() }()

	return webhook.NewServer(store, cfg.Webhook.Port).Start(ctx)
}
