// Package commands implements the deepharbor CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "deepharbor",
	Short: "Deep Harbor - membership facility control plane",
	Long: `Deep Harbor reacts to member changes recorded in the database and
propagates them to the systems that care: the door access controller, the
directory service, and anything else registered in the routing table.

Each long-running process is a subcommand: the dispatcher watches the change
log, effectors serve the change endpoints, and workers own the hardware.

Use "deepharbor [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/deepharbor/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(effectorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(waiversCmd)
	rootCmd.AddCommand(queueCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
