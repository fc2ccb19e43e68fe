package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pumpingstationone/deepharbor/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a configuration file populated with defaults.

By default the file is created at $XDG_CONFIG_HOME/deepharbor/config.yaml.
Use --config to choose a custom path.

Examples:
  # Initialize with default location
  deepharbor init

  # Initialize with custom path
  deepharbor init --config /etc/deepharbor/config.yaml

  # Force overwrite existing config
  deepharbor init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set the database connection and shared volume path")
	fmt.Println("  2. Run migrations: deepharbor migrate")
	fmt.Println("  3. Register routes: deepharbor routes set status http://localhost:8801/v1/change_status")
	fmt.Println("  4. Start the dispatcher: deepharbor dispatcher")
	return nil
}
