// Command relink mirrors a directory tree, reusing content already
// present at the destination through hard links and delta transfer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relinkio/relink/internal/config"
	"github.com/relinkio/relink/internal/event"
	"github.com/relinkio/relink/internal/filter"
	"github.com/relinkio/relink/internal/fsio"
	"github.com/relinkio/relink/internal/logx"
	"github.com/relinkio/relink/internal/mirror"
	"github.com/relinkio/relink/internal/pathx"
	"github.com/relinkio/relink/internal/stats"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// filterFlag preserves CLI ordering of --exclude and --include rules by
// appending to a shared chain as flags are parsed.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "pattern" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

func run() int {
	var (
		workers     int
		maxHistory  int
		dbPath      string
		prime       bool
		systemCopy  bool
		bufferedStr string
		bwLimit     int64
		minSize     int64
		maxSize     int64
		purge       bool
		dryRun      bool
		verify      bool
		resume      bool
		logFile     string
		debug       bool
		quiet       bool
		showVersion bool
	)

	chain := filter.NewChain()

	cmd := &cobra.Command{
		Use:   "relink SOURCE DEST",
		Short: "Mirror a directory tree, reusing existing destination content",
		Long: `relink mirrors SOURCE into DEST while minimizing bytes written.
Content already present anywhere in the destination is hard-linked,
changed files are rebuilt from a similar existing file plus the
difference, and only genuinely new bytes are copied.`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("relink %s\n", version)
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("need SOURCE and DEST arguments")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			applyDefaults(cmd.Flags(), cfg, &workers, &maxHistory, &bufferedStr, &bwLimit, &verify, &systemCopy)

			buffered, err := fsio.ParseBufferedIO(bufferedStr)
			if err != nil {
				return err
			}
			if minSize > 0 || maxSize > 0 {
				chain.SetSizeBounds(minSize, maxSize)
			}

			log, err := logx.New(logx.Options{
				File:              logFile,
				Debug:             debug,
				CacheRecentErrors: true,
			})
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events := make(chan event.Event, 256)
			presenterDone := make(chan struct{})
			go func() {
				defer close(presenterDone)
				present(log, events, quiet)
			}()

			result, runErr := mirror.Run(ctx, mirror.Config{
				Src:           cleanRoot(args[0]),
				Dst:           cleanRoot(args[1]),
				Workers:       workers,
				MaxHistory:    maxHistory,
				DBPath:        dbPath,
				PrimeDst:      prime,
				UseSystemCopy: systemCopy,
				Buffered:      buffered,
				BWLimit:       bwLimit,
				Filter:        chain,
				Purge:         purge,
				DryRun:        dryRun,
				Verify:        verify,
				Resume:        resume,
				Events:        events,
				Log:           log,
			})
			close(events)
			<-presenterDone

			lc := log.NewContext()
			lc.Infof("%s in %s", result.Stats.String(), result.Stats.Elapsed.Round(1e6))
			if debug {
				for _, row := range result.IOStats.Report() {
					lc.Infof("  %s", row)
				}
			}
			for _, rel := range result.VerifyFailed {
				lc.Errorf("verify failed: %s", rel)
			}
			log.Flush()

			if runErr != nil {
				return runErr
			}
			if len(result.VerifyFailed) > 0 {
				return fmt.Errorf("%d files failed verification", len(result.VerifyFailed))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&workers, "workers", "w", 0, "copy worker count (default: CPU count, max 8)")
	flags.IntVar(&maxHistory, "max-history", 0, "database entry limit before oldest entries are evicted")
	flags.StringVar(&dbPath, "db", "", "file database path, persisted between runs")
	flags.BoolVar(&prime, "prime", false, "scan existing destination content into the database")
	flags.BoolVar(&systemCopy, "system-copy", false, "use the OS copy primitive instead of the pipelined engine")
	flags.StringVar(&bufferedStr, "buffered", "auto", "buffered I/O: auto, on, off")
	flags.Int64Var(&bwLimit, "bwlimit", 0, "throughput cap in bytes/sec (0 = unlimited)")
	flags.Var(&filterFlag{chain: chain}, "exclude", "exclude files matching pattern (repeatable, ordered)")
	flags.Var(&filterFlag{chain: chain, include: true}, "include", "include files matching pattern (repeatable, ordered)")
	flags.Int64Var(&minSize, "min-size", 0, "skip files smaller than this many bytes")
	flags.Int64Var(&maxSize, "max-size", 0, "skip files larger than this many bytes")
	flags.BoolVar(&purge, "purge", false, "delete destination entries absent from the source")
	flags.BoolVarP(&dryRun, "dry-run", "n", false, "report what would be done without writing")
	flags.BoolVar(&verify, "verify", false, "re-hash the destination against the source afterwards")
	flags.BoolVar(&resume, "resume", false, "skip files completed by a previous interrupted run")
	flags.StringVar(&logFile, "log-file", "", "duplicate log output to this file")
	flags.BoolVar(&debug, "debug", false, "debug logging plus the per-operation I/O report")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress per-file progress output")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relink: %v\n", err)
		return 1
	}
	return 0
}

// cleanRoot normalizes a user-supplied root path. Windows-convention
// roots (drive letter or UNC share) get separator normalization,
// redundant-separator collapse and, past the platform limit, the
// extended-length form; everything else is cleaned natively.
func cleanRoot(p string) string {
	if pathx.IsAbsolute(p) || !pathx.IsLocal(p) {
		p = pathx.ConvertSlashToBackslash(p)
		p = pathx.CleanPath(p, pathx.DefaultCleanStart(p))
		return pathx.ToShortPath(p)
	}
	return filepath.Clean(p)
}

// applyDefaults fills unset flags from the config file.
func applyDefaults(flags *pflag.FlagSet, cfg config.Config, workers, maxHistory *int, buffered *string, bwLimit *int64, verify, systemCopy *bool) {
	d := cfg.Defaults
	if !flags.Changed("workers") && d.Workers != nil {
		*workers = *d.Workers
	}
	if !flags.Changed("max-history") && d.MaxHistory != nil {
		*maxHistory = *d.MaxHistory
	}
	if !flags.Changed("buffered") && d.Buffered != nil {
		*buffered = *d.Buffered
	}
	if !flags.Changed("bwlimit") && d.BWLimit != nil {
		*bwLimit = *d.BWLimit
	}
	if !flags.Changed("verify") && d.Verify != nil {
		*verify = *d.Verify
	}
	if !flags.Changed("system-copy") && d.SystemCopy != nil {
		*systemCopy = *d.SystemCopy
	}
}

// present drains engine events into log lines until the channel closes.
func present(log *logx.Log, events <-chan event.Event, quiet bool) {
	lc := log.NewContext()
	for e := range events {
		if quiet {
			continue
		}
		switch e.Type {
		case event.PrimeStarted:
			lc.Infof("priming %s", e.Path)
		case event.PrimeComplete:
			lc.Infof("priming complete")
		case event.FileCopied:
			lc.Debugf("copied %s (%s)", e.Path, stats.FormatBytes(e.Bytes))
		case event.LinkCreated:
			lc.Infof("linked %s (saved %s)", e.Path, stats.FormatBytes(e.Bytes))
		case event.DeltaApplied:
			lc.Infof("delta %s (saved %s)", e.Path, stats.FormatBytes(e.Bytes))
		case event.FileFailed:
			lc.Errorf("failed %s: %v", e.Path, e.Error)
		case event.FileDeleted:
			lc.Infof("deleted %s", e.Path)
		}
	}
}
