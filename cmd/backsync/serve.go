package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/backsyncd/backsync/internal/importer"
	"github.com/backsyncd/backsync/internal/jobs"
	"github.com/backsyncd/backsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Run the HTTP job API with WebSocket progress streams.

Endpoints:
  POST /api/jobs/{domain}         start an import job
  GET  /api/jobs                  list jobs (?active=true for unfinished only)
  GET  /api/jobs/{id}             job state
  POST /api/jobs/{id}/cancel      request cancellation
  GET  /api/jobs/{id}/events      WebSocket event stream
  GET  /health                    health check

Jobs left running by a previous process are marked as errored on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		logger := newLogger(cfg, "[serve] ")

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
			// The server still starts: jobs created later fail fast instead.
			logger.Printf("Warning: master-data API preflight failed: %v", err)
		}

		orchestrator := jobs.NewOrchestrator(db, &jobs.Config{
			Logger: newLogger(cfg, "[orchestrator] "),
		})
		if err := orchestrator.RecoverInterrupted(cmd.Context()); err != nil {
			return err
		}

		executor := importer.NewExecutor(db, client, orchestrator, newLogger(cfg, "[import] "))

		srv := server.NewServer(orchestrator, executor, &server.Config{
			Port:   cfg.Server.Port,
			Logger: newLogger(cfg, "[server] "),
		})
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Job API listening on http://localhost:%d\n", cfg.Server.Port)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		logger.Println("Shutting down")
		if err := srv.Stop(); err != nil {
			return err
		}
		executor.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "override the configured listen port")
	rootCmd.AddCommand(serveCmd)
}
