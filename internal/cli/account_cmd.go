package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Forks-by-Rabenherz/mail-archiver/internal/jobs"
	"github.com/Forks-by-Rabenherz/mail-archiver/internal/services"
)

// accountCmd represents the account command group
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account inspection and one-off syncs",
}

// accountListCmd lists the configured accounts
var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	Run: func(cmd *cobra.Command, args []string) {
		accounts, err := accountService.GetAccounts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list accounts: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEMAIL\tPROVIDER\tENABLED\tLAST SYNC")
		for _, a := range accounts {
			lastSync := "-"
			if !a.LastSyncAt.IsZero() {
				lastSync = a.LastSyncAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n", a.ID, a.Name, a.Email, a.Provider, a.Enabled, lastSync)
		}
		w.Flush()
	},
}

// accountSyncCmd runs one sync pass inline, without the job queue
var accountSyncCmd = &cobra.Command{
	Use:   "sync <account-id>",
	Short: "Run one sync pass for an account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid account id: %s\n", args[0])
			os.Exit(1)
		}

		queue := jobs.NewQueue()
		syncService := services.NewSyncService(db, accountService, queue)

		stats, err := syncService.SyncAccount(context.Background(), uint(id))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync finished: %d folders, %d messages found, %d archived, %d skipped, %d failed, %d deleted by retention\n",
			stats.Folders, stats.Found, stats.Saved, stats.Skipped, stats.Failed, stats.Deleted)
	},
}

func init() {
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountSyncCmd)
}
