package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cdnerrors "github.com/filecdn/filecdn/pkg/errors"
	"github.com/filecdn/filecdn/pkg/utils"
)

var sweepDryRun bool

// timeNow is swapped in tests.
var timeNow = time.Now

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	Long: `Remove files that have not been accessed within the staleness window,
limited files past the grace window and files whose download limit is spent.

With --dry-run the matching files are listed and nothing is removed.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "list expired files without removing them")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if sweepDryRun {
		expired, err := a.ledger.FindExpired(ctx, timeNow(), cfg.Retention.Policy())
		if err != nil {
			return err
		}
		var reclaim int64
		for _, rec := range expired {
			size := "blob missing"
			info, err := a.blobs.Stat(ctx, rec.BlobKey())
			switch {
			case err == nil:
				reclaim += info.Size
				size = utils.FormatBytes(info.Size)
			case !cdnerrors.HasCode(err, cdnerrors.ErrCodeBlobNotFound):
				return err
			}
			fmt.Fprintf(out, "%s\t%s\t%s\tlast accessed %s\n", rec.Token(), rec.Filename(), size, rec.LastAccessedAt.Format("2006-01-02"))
		}
		fmt.Fprintf(out, "%d file(s) would be removed, freeing %s\n", len(expired), utils.FormatBytes(reclaim))
		return nil
	}

	res, err := a.newSweeper().SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d file(s), %d blob error(s), took %s\n", res.Removed, res.BlobErrors, res.Duration)
	return nil
}
