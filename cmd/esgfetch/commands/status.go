package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/internal/cli/output"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/config"
)

var (
	statusOutput string
	statusErrors int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show transfer catalog status",
	Long: `Summarize the transfer catalog: how many transfers are waiting,
running, done, or failed, plus the most recent failures.

Examples:
  # Summary table
  esgfetch status

  # Machine readable
  esgfetch status --output json

  # Show more recent failures
  esgfetch status --errors 25`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
	statusCmd.Flags().IntVar(&statusErrors, "errors", 10, "Number of recent failures to show")
}

// catalogStatus is the serializable status report.
type catalogStatus struct {
	Waiting      int64              `json:"waiting" yaml:"waiting"`
	Running      int64              `json:"running" yaml:"running"`
	Done         int64              `json:"done" yaml:"done"`
	Error        int64              `json:"error" yaml:"error"`
	Total        int64              `json:"total" yaml:"total"`
	RecentErrors []catalog.Transfer `json:"recent_errors,omitempty" yaml:"recent_errors,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	cat, err := catalog.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	ctx := cmd.Context()
	summary, err := cat.Summarize(ctx)
	if err != nil {
		return fmt.Errorf("failed to summarize catalog: %w", err)
	}

	status := catalogStatus{
		Waiting: summary.Waiting,
		Running: summary.Running,
		Done:    summary.Done,
		Error:   summary.Error,
		Total:   summary.Total(),
	}
	if statusErrors > 0 {
		failures, err := cat.RecentErrors(ctx, statusErrors)
		if err != nil {
			return fmt.Errorf("failed to list recent failures: %w", err)
		}
		status.RecentErrors = failures
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		return printStatusTable(status)
	}
}

func printStatusTable(status catalogStatus) error {
	summary := output.NewTableData("State", "Transfers")
	summary.AddRow("waiting", strconv.FormatInt(status.Waiting, 10))
	summary.AddRow("running", strconv.FormatInt(status.Running, 10))
	summary.AddRow("done", strconv.FormatInt(status.Done, 10))
	summary.AddRow("error", strconv.FormatInt(status.Error, 10))
	summary.AddRow("total", strconv.FormatInt(status.Total, 10))
	if err := output.PrintTable(os.Stdout, summary); err != nil {
		return err
	}

	if len(status.RecentErrors) > 0 {
		fmt.Println("\nRecent failures:")
		failures := output.NewTableData("ID", "File", "Error")
		for _, tr := range status.RecentErrors {
			failures.AddRow(strconv.FormatInt(tr.TransferID, 10), tr.LocalImage, tr.ErrorMsg)
		}
		if err := output.PrintTable(os.Stdout, failures); err != nil {
			return err
		}
		fmt.Println("\nUse 'esgfetch reset' to retry failed transfers.")
	}
	return nil
}
