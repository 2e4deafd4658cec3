package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the esgfetch configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  esgfetch config validate

  # Validate specific config file
  esgfetch config validate --config /etc/esgfetch/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Additional checks beyond struct validation
	var warnings []string

	if cfg.Auth.Username == "" || cfg.Auth.Server == "" {
		warnings = append(warnings, "auth.username/auth.server not set - 'esgfetch logon' will need --username and --server")
	}
	if _, err := os.Stat(cfg.Session.Credentials); err != nil {
		warnings = append(warnings, fmt.Sprintf("no credential at %s - run 'esgfetch logon'", cfg.Session.Credentials))
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Database type:   %s\n", cfg.Database.Type)
	fmt.Printf("  Download root:   %s\n", cfg.Download.BasePath)
	fmt.Printf("  Search host:     %s\n", cfg.Discovery.SearchHost)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
