package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/audit"
	"github.com/gradeworks/gradeworks/pkg/config"
	"github.com/gradeworks/gradeworks/pkg/jobs"
)

// NewGCCommand constructs the gc subcommand: a one-shot retention sweep
// over the workspace, deleting expired terminal jobs and orphan artifacts.
func NewGCCommand() *cobra.Command {
	var (
		dryRun     bool
		maxAgeDays int
		maxJobs    int
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete expired jobs and orphan artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ok := config.FromContext(cmd.Context())
			if !ok {
				return fmt.Errorf("configuration not loaded")
			}

			root := cfg.Storage.WorkspaceRoot
			store, err := jobs.NewLocalRecordStore(filepath.Join(root, "jobs"))
			if err != nil {
				return fmt.Errorf("open job record store: %w", err)
			}
			artifacts, err := artifact.NewLocalStore(filepath.Join(root, "artifacts"))
			if err != nil {
				return fmt.Errorf("open artifact store: %w", err)
			}
			auditor, err := audit.NewFileLogger(filepath.Join(root, "audit.log"))
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}

			retention := cfg.Storage.Retention
			if cmd.Flags().Changed("max-age-days") {
				retention.MaxAgeDays = maxAgeDays
			}
			if cmd.Flags().Changed("max-jobs") {
				retention.MaxJobs = maxJobs
			}

			sweeper := jobs.NewSweeper(store, artifacts, retention, auditor)
			result, err := sweeper.Sweep(cmd.Context(), jobs.SweepOptions{DryRun: dryRun})
			if err != nil {
				return fmt.Errorf("retention sweep: %w", err)
			}

			for _, sweepErr := range result.Errors {
				printWarning(cmd.ErrOrStderr(), sweepErr.Error(), true)
			}

			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d jobs, %d orphan artifacts (%d bytes)\n",
				verb, result.JobsDeleted, result.OrphansDeleted, result.BytesFreed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Override retention age limit in days")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Override retained job count limit")

	return cmd
}
