package internal

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	DefaultAppName        = "dirtable"
	DefaultAppCMDShortCut = "dirtable"
	DefaultConfigPath     = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultEnvPrefix      = "DIRTABLE"

	// Database layout
	DefaultDBDir         = "db"
	DefaultLogDir        = "logs"
	DefaultProcDirName   = "_proc"
	DefaultPartitionSize = "64 MiB"

	// Column naming
	DefaultPrefixSeparator = "."
	DefaultIndexPrefix     = "_index"

	// Crawler tuning
	DefaultOverlapThreshold = 0.5
	DefaultLogFrequency     = 10
	DefaultErrorRateRedo    = 0.25
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetWorkerLogger returns a zerolog logger writing to w, tagged with the run and worker ids.
func GetWorkerLogger(w io.Writer, runID string, workerID int) zerolog.Logger {
	return zerolog.New(w).With().
		Timestamp().
		Str("run_id", runID).
		Int("worker_id", workerID).
		Logger()
}
