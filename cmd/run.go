package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dirtable/dtab/config"
	"github.com/ZanzyTHEbar/dirtable/dtab/engine"
	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/loaders"
)

var (
	workerID   int
	numWorkers int
	runID      string
	dryRun     bool
)

func init() {
	for _, c := range []*cobra.Command{runCmd, planCmd} {
		c.Flags().IntVar(&workerID, "worker-id", 0, "Worker id override")
		c.Flags().IntVar(&numWorkers, "num-workers", 0, "Number of workers override")
		c.Flags().StringVar(&runID, "run-id", "", "Run id override")
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Crawl the first directory and print the tables without writing")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
}

// newEngine loads the config, applies the worker flags and builds an engine
// with the builtin loaders.
func newEngine(cmd *cobra.Command) (*config.Config, *engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("worker-id") {
		cfg.WorkerID = workerID
	}
	if flags.Changed("num-workers") {
		cfg.NumWorkers = numWorkers
	}
	if flags.Changed("run-id") {
		cfg.RunID = runID
	}
	if flags.Lookup("dry-run") != nil && flags.Changed("dry-run") {
		cfg.DryRun = dryRun
	}

	registry := extract.NewRegistry()
	if err := loaders.Register(registry); err != nil {
		return nil, nil, err
	}
	e, err := engine.New(cfg, registry)
	if err != nil {
		return nil, nil, err
	}
	return cfg, e, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one worker: crawl its slice of the path list into Parquet tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, e, err := newEngine(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := e.Run(ctx)
		if report != nil {
			printReport(cmd, report)
		}
		return err
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print this worker's slice of the path list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		paths, err := e.Plan(context.Background())
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func printReport(cmd *cobra.Command, r *engine.Report) {
	out := cmd.OutOrStdout()
	if r.AlreadyRan {
		fmt.Fprintf(out, "worker %d already ran in run %s\n", r.WorkerID, r.RunID)
		return
	}
	fmt.Fprintf(out, "run %s worker %d\n", r.RunID, r.WorkerID)
	fmt.Fprintf(out, "  dirs:       %d processed, %d skipped, %d assigned\n", r.Dirs.Processed, r.Dirs.Skipped, len(r.Paths))
	fmt.Fprintf(out, "  files:      %d total, %d processed, %d errors (%.2f%%)\n",
		r.Files.Total, r.Files.Processed, r.Files.Errors, 100*r.Files.ErrorRate())
	fmt.Fprintf(out, "  partitions: %d (%s)\n", len(r.Partitions), humanize.IBytes(uint64(r.Bytes)))
	fmt.Fprintf(out, "  elapsed:    %s\n", r.Elapsed.Round(time.Millisecond))
}
