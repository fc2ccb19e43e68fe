package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/internal/cli/output"
	"github.com/pumpingstationone/deepharbor/pkg/routing"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage change type routes",
	Long: `Manage the routing table that maps change types to effector
endpoints. The dispatcher looks up the route for every change it delivers,
so edits take effect immediately.

Examples:
  deepharbor routes list
  deepharbor routes set status http://localhost:8801/v1/change_status
  deepharbor routes delete status`,
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all routes",
	RunE:  runRoutesList,
}

var routesSetCmd = &cobra.Command{
	Use:   "set <change-type> <endpoint>",
	Short: "Create or replace a route",
	Args:  cobra.ExactArgs(2),
	RunE:  runRoutesSet,
}

var routesDeleteCmd = &cobra.Command{
	Use:   "delete <change-type>",
	Short: "Delete a route",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutesDelete,
}

func init() {
	routesCmd.AddCommand(routesListCmd)
	routesCmd.AddCommand(routesSetCmd)
	routesCmd.AddCommand(routesDeleteCmd)
}

// routeList renders routes as a table.
type routeList []routing.ServiceEndpoint

func (rl routeList) Headers() []string {
	return []string{"CHANGE TYPE", "ENDPOINT"}
}

func (rl routeList) Rows() [][]string {
	rows := make([][]string, 0, len(rl))
	for _, r := range rl {
		rows = append(rows, []string{r.Name, r.Endpoint})
	}
	return rows
}

func openRoutingStore() (*routing.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := routing.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return store, nil
}

func runRoutesList(cmd *cobra.Command, args []string) error {
	store, err := openRoutingStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	routes, err := store.ListRoutes(cmd.Context())
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		fmt.Println("No routes configured.")
		return nil
	}
	return output.PrintTable(os.Stdout, routeList(routes))
}

func runRoutesSet(cmd *cobra.Command, args []string) error {
	store, err := openRoutingStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.SetRoute(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Route '%s' -> %s\n", args[0], args[1])
	return nil
}

func runRoutesDelete(cmd *cobra.Command, args []string) error {
	store, err := openRoutingStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.DeleteRoute(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Route '%s' deleted. Changes of this type stay queued until a route is restored.\n", args[0])
	return nil
}
