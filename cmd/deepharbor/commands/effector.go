package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/bus"
	"github.com/pumpingstationone/deepharbor/pkg/changelog"
	"github.com/pumpingstationone/deepharbor/pkg/config"
	"github.com/pumpingstationone/deepharbor/pkg/effector"
	"github.com/pumpingstationone/deepharbor/pkg/member"
	"github.com/pumpingstationone/deepharbor/pkg/worker/directory"
	"github.com/pumpingstationone/deepharbor/pkg/worker/rfid"
)

var effectorCmd = &cobra.Command{
	Use:       "effector [status|identity|access|all]",
	Short:     "Run one or all effector services",
	ValidArgs: []string{effector.ServiceStatus, effector.ServiceIdentity, effector.ServiceAccess, "all"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Long: `Run the HTTP effector services the dispatcher delivers changes to.

Each effector owns one change type:
  status     enables/disables the directory account and the member's door tags
  identity   reconciles directory group membership
  access     adds or removes a single door tag

Run them in separate processes, or pass "all" to serve every effector from
one process.

Examples:
  deepharbor effector status
  deepharbor effector all`,
	RunE: runEffector,
}

func runEffector(cmd *cobra.Command, args []string) error {
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
	members := member.NewReader(store.Pool())

	rfidBus, err := openProducer(cfg, rfid.QueueName)
	if err != nil {
		return err
	}
	directoryBus, err := openProducer(cfg, directory.QueueName)
	if err != nil {
		return err
	}

	var servers []*effector.Server
	want := args[0]

	if want == effector.ServiceStatus || want == "all" {
		h := effector.NewStatusHandler(members, rfidBus, directoryBus, cfg.Effectors.ActiveStatus)
		servers = append(servers, effector.NewServer(effector.ServiceStatus, cfg.Effectors.Status.Port, h.Routes))
	}
	if want == effector.ServiceIdentity || want == "all" {
		h := effector.NewIdentityHandler(members, directoryBus)
		servers = append(servers, effector.NewServer(effector.ServiceIdentity, cfg.Effectors.Identity.Port, h.Routes))
	}
	if want == effector.ServiceAccess || want == "all" {
		h := effector.NewAccessHandler(members, rfidBus, cfg.Effectors.ActiveStatus)
		servers = append(servers, effector.NewServer(effector.ServiceAccess, cfg.Effectors.Access.Port, h.Routes))
	}

	return serveAll(ctx, cancel, servers)
}

// openProducer opens the named worker queue under the shared volume and
// returns a producer for it.
func openProducer(cfg *config.Config, queueName string) (*bus.Producer, error) {
	queue, err := bus.Open(filepath.Join(cfg.Bus.SharedVolumePath, queueName))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s queue: %w", queueName, err)
	}
	return bus.NewProducer(queue, cfg.Bus.PollInterval, cfg.Bus.ReplyTimeout), nil
}

// serveAll runs the servers until the context is cancelled or one of them
// fails. A single failure brings the process down so the supervisor restarts
// everything together.
func serveAll(ctx context.Context, cancel context.CancelFunc, servers []*effector.Server) error {
	errChan := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *effector.Server) {
			errChan <- srv.Start(ctx)
		}(srv)
	}

	var firstErr error
	for range servers {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		logger.Error("effector exited with error", logger.KeyError, firstErr)
	}
	return firstErr
}
