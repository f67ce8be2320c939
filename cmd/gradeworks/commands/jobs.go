package commands

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gradeworks/gradeworks/pkg/config"
	"github.com/gradeworks/gradeworks/pkg/jobs"
)

// NewJobsCommand constructs the jobs subcommand: it lists job records from
// the workspace directly, without going through a running server.
func NewJobsCommand() *cobra.Command {
	var (
		status  string
		kind    string
		user    string
		limit   int
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ok := config.FromContext(cmd.Context())
			if !ok {
				return fmt.Errorf("configuration not loaded")
			}

			if status != "" && !jobs.JobStatus(status).IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if kind != "" && !jobs.JobKind(kind).IsValid() {
				return fmt.Errorf("unknown kind %q", kind)
			}

			store, err := jobs.NewLocalRecordStore(filepath.Join(cfg.Storage.WorkspaceRoot, "jobs"))
			if err != nil {
				return fmt.Errorf("open job record store: %w", err)
			}

			records, err := store.List(cmd.Context(), jobs.Filter{
				Status:      jobs.JobStatus(status),
				Kind:        jobs.JobKind(kind),
				RequestedBy: user,
				Limit:       limit,
			})
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, j := range records {
				rows = append(rows, []string{
					j.ID,
					string(j.Kind),
					string(j.Status),
					strconv.Itoa(j.Progress) + "%",
					j.RequestedBy,
					j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}

			printTable(cmd.OutOrStdout(),
				[]string{"id", "kind", "status", "progress", "requested by", "created"},
				rows, !noColor)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (export, backup)")
	cmd.Flags().StringVar(&user, "requested-by", "", "Filter by requesting principal")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs to show")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable styled output")

	return cmd
}
