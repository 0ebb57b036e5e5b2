package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/backsyncd/backsync/internal/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List import jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		var list []*jobs.Job
		if active, _ := cmd.Flags().GetBool("active"); active {
			list, err = db.ListJobs(cmd.Context(), jobs.StatusPending, jobs.StatusRunning)
		} else {
			list, err = db.ListJobs(cmd.Context())
		}
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No jobs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tSTATUS\tCREATED\tSTEPS\tERROR")
		for _, job := range list {
			done := 0
			for _, step := range job.Steps {
				if step.Status == jobs.StatusCompleted {
					done++
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				job.ID, job.Domain, job.Status,
				job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				done, len(job.Steps), job.Error)
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.Flags().Bool("active", false, "only pending and running jobs")
	rootCmd.AddCommand(jobsCmd)
}
