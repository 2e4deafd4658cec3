package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Create a starter configuration file at the default location
($XDG_CONFIG_HOME/esgfetch/config.yaml).

The generated file documents every section; edit it to point at your
ESGF index node and MyProxy server, then run 'esgfetch logon'.

Examples:
  # Create the config file
  esgfetch init

  # Overwrite an existing config file
  esgfetch init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, err := config.InitConfig(initForce)
	if err != nil {
		return err
	}

	fmt.Printf("Configuration file created: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the file and set auth.username and auth.server")
	fmt.Println("  2. Run 'esgfetch logon' to retrieve a credential")
	fmt.Println("  3. Run 'esgfetch discover' to index datasets")
	fmt.Println("  4. Run 'esgfetch fetch' to start downloading")
	return nil
}
