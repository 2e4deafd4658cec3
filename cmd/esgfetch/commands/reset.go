package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/internal/cli/prompt"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/config"
)

var (
	resetRunning bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Put failed transfers back to waiting",
	Long: `Clear the error state of failed transfers so the next fetch run
retries them.

With --running, transfers stuck in the running state are reset instead.
Only do this when no fetch process is active: rows left running after a
crash are never picked up again otherwise.

Examples:
  # Retry everything that failed
  esgfetch reset

  # Recover rows orphaned by a crash
  esgfetch reset --running`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetRunning, "running", false, "Reset stuck running transfers instead of failed ones")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if resetRunning && !resetYes {
		ok, err := prompt.Confirm("Reset running transfers? Only safe when no fetch is active", false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cat, err := catalog.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	ctx := cmd.Context()

	var count int64
	if resetRunning {
		count, err = cat.ResetRunning(ctx)
	} else {
		count, err = cat.ResetErrors(ctx)
	}
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	state := "failed"
	if resetRunning {
		state = "running"
	}
	fmt.Printf("Reset %d %s transfer(s) to waiting.\n", count, state)
	return nil
}
