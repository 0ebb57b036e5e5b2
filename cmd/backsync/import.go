package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/backsyncd/backsync/internal/importer"
	"github.com/backsyncd/backsync/internal/jobs"
)

var importCmd = &cobra.Command{
	Use:   "import <domain>",
	Short: "Import a domain from the master-data API into the local cache",
	Long: fmt.Sprintf(`Run an import job in the foreground and print step progress.

Each domain runs a fixed sequence of steps; a step failure aborts the
remaining steps. Available domains: %s.`, strings.Join(importer.Domains(), ", ")),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		client, err := remoteClient(cfg, newLogger(cfg, "[remote] "))
		if err != nil {
			return err
		}
		if err := client.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("master-data API is not reachable: %w", err)
		}

		orchestrator := jobs.NewOrchestrator(db, &jobs.Config{
			Logger: newLogger(cfg, "[orchestrator] "),
		})
		if err := orchestrator.RecoverInterrupted(cmd.Context()); err != nil {
			return err
		}

		executor := importer.NewExecutor(db, client, orchestrator, newLogger(cfg, "[import] "))
		defer executor.Stop()

		job, err := executor.Start(cmd.Context(), domain)
		if err != nil {
			return err
		}
		fmt.Printf("Started job %s (%d steps)\n", job.ID, len(job.Steps))

		// Ctrl+C cancels the job cooperatively instead of killing the process.
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		final, err := watchJob(ctx, orchestrator, job.ID)
		if err != nil {
			return err
		}

		printJob(final)
		if final.Status != jobs.StatusCompleted {
			return fmt.Errorf("job finished with status %s", final.Status)
		}
		return nil
	},
}

// watchJob polls the job until it reaches a terminal state, printing each
// step as it finishes. A cancelled context requests job cancellation and
// keeps waiting for the executor to acknowledge it.
func watchJob(ctx context.Context, orchestrator *jobs.Orchestrator, id string) (*jobs.Job, error) {
	reported := map[string]bool{}
	cancelRequested := false

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := orchestrator.GetJob(context.Background(), id)
		if err != nil {
			return nil, err
		}

		for _, step := range job.Steps {
			if step.Status.Terminal() && !reported[step.Name] {
				reported[step.Name] = true
				fmt.Printf("  %-24s %s (%d records)\n", step.Label, step.Status, step.Processed)
			}
		}

		if job.Status.Terminal() {
			return job, nil
		}

		if ctx.Err() != nil && !cancelRequested {
			cancelRequested = true
			fmt.Println("Cancelling...")
			_ = orchestrator.CancelJob(context.Background(), id)
		}
		<-ticker.C
	}
}

func printJob(job *jobs.Job) {
	switch job.Status {
	case jobs.StatusCompleted:
		fmt.Printf("Job %s completed\n", job.ID)
	case jobs.StatusCancelled:
		fmt.Printf("Job %s cancelled\n", job.ID)
	default:
		fmt.Printf("Job %s failed: %s\n", job.ID, job.Error)
	}
}

func init() {
	rootCmd.AddCommand(importCmd)
}
