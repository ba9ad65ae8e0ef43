package commands

import (
	"fmt"

	"github.com/marmos91/ods2/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample ods2 configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/ods2/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  ods2 init

  # Initialize with custom path
  ods2 init --config /etc/ods2/config.yaml

  # Force overwrite existing config
  ods2 init --force`,
	Annotations: map[string]string{skipSetup: "true"},
	RunE:        runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit the devices section to point at your images")
	fmt.Fprintln(out, "  2. Build a volume with: ods2 format dka0")
	fmt.Fprintln(out, "  3. Inspect it with: ods2 info")
	return nil
}
