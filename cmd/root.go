package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	internal "github.com/ZanzyTHEbar/dirtable/dtab"
	"github.com/ZanzyTHEbar/dirtable/dtab/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./config.yaml or "+internal.DefaultConfigPath+"/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
}

var rootCmd = &cobra.Command{
	Use:           internal.DefaultAppCMDShortCut,
	Short:         "dirtable: crawl structured directories into partitioned Parquet tables",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch logFormat {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", logFormat)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
