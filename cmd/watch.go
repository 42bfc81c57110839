package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pagebinder/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch [inbox]",
	Short: "Convert files dropped into a local inbox directory",
	Long: `Watch an inbox laid out as <inbox>/<session>/<file>. Files are staged as
they appear; creating a "` + watcher.TriggerMarker + `" file in a session directory converts and
delivers everything staged for that session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		inbox := a.cfg.InboxDir
		if len(args) == 1 {
			inbox = args[0]
		}
		if inbox == "" {
			return errors.New("no inbox directory: pass one or set INBOX_DIR")
		}

		ledger, err := a.openLedger()
		if err != nil {
			return err
		}
		if ledger != nil {
			defer ledger.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		coord := a.coordinator(context.WithoutCancel(ctx), ledger, nil, nil)
		err = watcher.New(inbox, coord, a.logger).Run(ctx)
		coord.Wait()
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
