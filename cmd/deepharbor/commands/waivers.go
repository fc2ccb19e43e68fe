package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/internal/cli/output"
	"github.com/pumpingstationone/deepharbor/pkg/routing"
)

var waiversLimit int

var waiversCmd = &cobra.Command{
	Use:   "waivers",
	Short: "Inspect stored waivers",
}

var waiversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently received waivers",
	Long: `List waivers received through the webhook, newest first.

Examples:
  deepharbor waivers list
  deepharbor waivers list --limit 100`,
	RunE: runWaiversList,
}

func init() {
	waiversListCmd.Flags().IntVar(&waiversLimit, "limit", 50, "Maximum number of waivers to show")
	waiversCmd.AddCommand(waiversListCmd)
}

// waiverList renders waivers as a table. Payloads can be large, so only the
// leading bytes are shown.
type waiverList []routing.Waiver

func (wl waiverList) Headers() []string {
	return []string{"ID", "RECEIVED", "DETAILS"}
}

func (wl waiverList) Rows() [][]string {
	rows := make([][]string, 0, len(wl))
	for _, w := range wl {
		details := w.Details
		if len(details) > 80 {
			details = details[:77] + "..."
		}
		rows = append(rows, []string{
			strconv.FormatInt(w.ID, 10),
			w.CreatedAt.Format(time.RFC3339),
			details,
		})
	}
	return rows
}

func runWaiversList(cmd *cobra.Command, args []string) error {
	store, err := openRoutingStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	waivers, err := store.ListWaivers(cmd.Context(), waiversLimit)
	if err != nil {
		return err
	}
	if len(waivers) == 0 {
		fmt.Println("No waivers stored.")
		return nil
	}
	return output.PrintTable(os.Stdout, waiverList(waivers))
}
