package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/internal/cli/prompt"
	"github.com/esgf-tools/esgfetch/pkg/auth"
	"github.com/esgf-tools/esgfetch/pkg/config"
)

var (
	logonUsername string
	logonServer   string
)

var logonCmd = &cobra.Command{
	Use:   "logon",
	Short: "Retrieve a proxy credential from MyProxy",
	Long: `Authenticate against the federation's MyProxy server and store the
resulting proxy certificate for download sessions.

The password is prompted for interactively and never written to disk.
For unattended use, set ESGFETCH_AUTH_PASSWORD.

Examples:
  # Logon with the configured username and server
  esgfetch logon

  # Override the account for one logon
  esgfetch logon --username alice --server esgf-node.llnl.gov`,
	RunE: runLogon,
}

func init() {
	logonCmd.Flags().StringVarP(&logonUsername, "username", "u", "", "ESGF account name (default: auth.username from config)")
	logonCmd.Flags().StringVarP(&logonServer, "server", "s", "", "MyProxy server, host or host:port (default: auth.server from config)")
}

func runLogon(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	username := logonUsername
	if username == "" {
		username = cfg.Auth.Username
	}
	server := logonServer
	if server == "" {
		server = cfg.Auth.Server
	}
	if username == "" || server == "" {
		return fmt.Errorf("no MyProxy account configured: set auth.username and auth.server in the config file or pass --username/--server")
	}

	password := os.Getenv("ESGFETCH_AUTH_PASSWORD")
	if password == "" {
		password, err = prompt.Password(fmt.Sprintf("Password for %s@%s", username, server))
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	mgr := auth.NewMyProxyManager(cfg.Auth.MyProxy)
	if err := mgr.Logon(ctx, username, password, server); err != nil {
		return fmt.Errorf("logon failed: %w", err)
	}

	fmt.Printf("Credential stored: %s\n", mgr.Credentials())
	return nil
}
