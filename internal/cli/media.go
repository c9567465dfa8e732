package cli

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/decksync/internal/media"
)

func newMediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Inspect the media folder",
	}
	cmd.AddCommand(newMediaScanCmd(), newMediaWatchCmd())
	return cmd
}

func newMediaScanCmd() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Record changes made to the media folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := openMedia(app.cfg.DataDir)
			if err != nil {
				return err
			}
			defer ms.Close()
			if rebuild {
				if err := ms.ForceResync(cmd.Context()); err != nil {
					return err
				}
			}
			res, err := ms.Rescan(cmd.Context())
			if err != nil {
				return err
			}
			printScan(cmd, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "forget the ledger and upload every file again")
	return cmd
}

func newMediaWatchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rescan the media folder whenever it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := openMedia(app.cfg.DataDir)
			if err != nil {
				return err
			}
			defer ms.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			app.log.WithField("dir", ms.Dir()).Info("watching media folder")
			return media.NewWatcher(ms, debounce, app.log).Run(ctx, func(res media.ScanResult, err error) {
				if err != nil {
					app.log.WithError(err).Warn("media rescan failed")
					return
				}
				if res.Total() > 0 {
					printScan(cmd, res)
				}
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", media.DefaultDebounce, "quiet time before a rescan")
	return cmd
}

func printScan(cmd *cobra.Command, res media.ScanResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "%d added, %d changed, %d removed\n", res.Added, res.Changed, res.Removed)
	for _, name := range res.Skipped {
		fmt.Fprintln(cmd.ErrOrStderr(), dim.Render("skipped "+name))
	}
}
