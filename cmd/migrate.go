package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errLedgerDisabled = errors.New("ledger is disabled (LEDGER_DRIVER=none)")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		db, err := a.openLedger()
		if err != nil {
			return err
		}
		if db == nil {
			return errLedgerDisabled
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s ledger is up to date\n", db.Driver())
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <session>",
	Short: "Show completion totals recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		db, err := a.openLedger()
		if err != nil {
			return err
		}
		if db == nil {
			return errLedgerDisabled
		}
		defer db.Close()

		stats, err := db.Stats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "jobs=%d succeeded=%d files=%d bytes=%d\n",
			stats.Jobs, stats.Succeeded, stats.Files, stats.TotalBytes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, statsCmd)
}
