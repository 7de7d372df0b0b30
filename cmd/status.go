package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dirtable/dtab/proclog"
)

var statusDBDir string

func init() {
	statusCmd.Flags().StringVar(&statusDBDir, "db-dir", "", "Database directory (default from config)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the processing log of a database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbDir := statusDBDir
		if dbDir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbDir = cfg.DBDir
		}

		plog, err := proclog.New(dbDir)
		if err != nil {
			return err
		}
		s, err := plog.Summarize()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "database:           %s\n", dbDir)
		fmt.Fprintf(out, "runs:               %s\n", strings.Join(s.Runs, ", "))
		fmt.Fprintf(out, "directories:        %d\n", s.Dirs)
		fmt.Fprintf(out, "files:              %d total, %d processed, %d errors\n", s.Counts.Total, s.Counts.Processed, s.Counts.Errors)
		fmt.Fprintf(out, "mean error rate:    %.4f\n", s.MeanErrorRate)
		fmt.Fprintf(out, "missing partitions: %d\n", s.MissingPartitions)
		for _, p := range s.Incomplete {
			fmt.Fprintf(out, "  incomplete: %s\n", p)
		}
		return nil
	},
}
