package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/backsyncd/backsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync <domain>",
	Short: "Push staged local changes to the legacy system",
	Long: fmt.Sprintf(`Push every pending record of a domain to the legacy system.

Rows tagged for create, update or delete are pushed one at a time; a failed
row is tagged with its error and the batch continues. Available domains: %s.`,
		strings.Join(syncer.Domains(), ", ")),
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

		client, err := legacyClient(cfg, newLogger(cfg, "[legacy] "))
		if err != nil {
			return err
		}

		s := syncer.New(db, client, newLogger(cfg, "[sync] "))

		if id, _ := cmd.Flags().GetString("reprocess"); id != "" {
			if err := s.Reprocess(cmd.Context(), domain, id); err != nil {
				return err
			}
			fmt.Printf("Record %s reprocessed\n", id)
			return nil
		}

		result, err := s.Sync(cmd.Context(), domain)
		if err != nil {
			return err
		}

		fmt.Printf("Synced %s: %d pending, %d created, %d updated, %d deleted, %d errors\n",
			result.Domain, result.Total, result.Created, result.Updated, result.Deleted, result.Errors)
		if result.Errors > 0 {
			return fmt.Errorf("%d record(s) failed; inspect and reprocess with --reprocess <id>", result.Errors)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [domain]",
	Short: "Show recent sync batches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := ""
		if len(args) == 1 {
			domain = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.ListSyncHistory(cmd.Context(), domain, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No sync batches recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RAN AT\tDOMAIN\tTOTAL\tCREATED\tUPDATED\tDELETED\tERRORS\tDURATION")
		for _, h := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				h.RanAt.Local().Format("2006-01-02 15:04:05"),
				h.Domain, h.Total, h.Created, h.Updated, h.Deleted, h.Errors, h.Duration)
		}
		return w.Flush()
	},
}

func init() {
	syncCmd.Flags().String("reprocess", "", "re-push a single errored record by id")
	historyCmd.Flags().Int("limit", 20, "maximum batches to show")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
}
