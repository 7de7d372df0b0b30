package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	internal "github.com/ZanzyTHEbar/dirtable/dtab"
	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/patterns"
	"github.com/ZanzyTHEbar/dirtable/dtab/writer"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("config: invalid")

// Config stores all configuration of a run.
// The values are read by viper from a config file or environment variables.
type Config struct {
	DBDir        string                 `mapstructure:"db_dir"`
	LogDir       string                 `mapstructure:"log_dir"`
	RunID        string                 `mapstructure:"run_id"`
	WorkerID     int                    `mapstructure:"worker_id"`
	NumWorkers   int                    `mapstructure:"num_workers"`
	DryRun       bool                   `mapstructure:"dry_run"`
	FlushOnError bool                   `mapstructure:"flush_on_error"`
	LogLevel     string                 `mapstructure:"log_level"`
	LogFrequency int                    `mapstructure:"log_frequency"`
	Paths        PathsConfig            `mapstructure:"paths"`
	Crawler      CrawlerConfig          `mapstructure:"crawler"`
	Writer       WriterConfig           `mapstructure:"writer"`
	Tables       map[string]TableConfig `mapstructure:"tables"`
}

// PathsConfig selects the directories to crawl.
type PathsConfig struct {
	List          []string `mapstructure:"list"`
	ListPath      string   `mapstructure:"list_path"`
	GlobRecursive bool     `mapstructure:"glob_recursive"`

	FilterCompleted bool `mapstructure:"filter_completed"`
	// A negative threshold disables the error-rate check on resume.
	RedoErrorRateThreshold *float64 `mapstructure:"redo_error_rate_threshold"`
	MinPerWorker           int      `mapstructure:"min_per_worker"`
}

// CrawlerConfig tunes each directory crawl.
type CrawlerConfig struct {
	MaxWorkers    int      `mapstructure:"max_workers"`
	MaxFailures   int      `mapstructure:"max_failures"`
	Exclude       []string `mapstructure:"exclude"`
	DirColumn     string   `mapstructure:"dir_column"`
	MatchStrategy string   `mapstructure:"match_strategy"`
	Separator     string   `mapstructure:"separator"`
}

// WriterConfig tunes the partition writers.
type WriterConfig struct {
	PartitionSize     string `mapstructure:"partition_size"`
	Compression       string `mapstructure:"compression"`
	Coerce            bool   `mapstructure:"coerce"`
	MaxRowGroupLength int64  `mapstructure:"max_row_group_length"`
}

// TableConfig binds an indexer and a set of extractors to one output table.
type TableConfig struct {
	Indexer    extract.IndexerSpec              `mapstructure:"indexer"`
	Extractors map[string]extract.ExtractorSpec `mapstructure:"extractors"`
}

// LoadConfig reads configuration from file or environment variables. An
// explicit configPath must exist; otherwise a missing file means defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // paths.filter_completed -> DIRTABLE_PATHS_FILTER_COMPLETED

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Debug("No config file found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_dir", internal.DefaultDBDir)
	v.SetDefault("log_dir", internal.DefaultLogDir)
	v.SetDefault("worker_id", 0)
	v.SetDefault("num_workers", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_frequency", internal.DefaultLogFrequency)

	v.SetDefault("paths.filter_completed", true)
	v.SetDefault("paths.redo_error_rate_threshold", internal.DefaultErrorRateRedo)
	v.SetDefault("paths.min_per_worker", 1)

	v.SetDefault("crawler.max_failures", 0)
	v.SetDefault("crawler.match_strategy", patterns.MatchFirst.String())
	v.SetDefault("crawler.separator", internal.DefaultPrefixSeparator)

	v.SetDefault("writer.partition_size", internal.DefaultPartitionSize)
	v.SetDefault("writer.compression", "snappy")
	v.SetDefault("writer.max_row_group_length", writer.DefaultMaxRowGroupLength)
}

// Validate checks the values the orchestrator relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.DBDir == "" {
		errs = append(errs, errors.New("db_dir is required"))
	}
	if c.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("num_workers must be positive, got %d", c.NumWorkers))
	} else if c.WorkerID < 0 || c.WorkerID >= c.NumWorkers {
		errs = append(errs, fmt.Errorf("worker_id %d out of range [0, %d)", c.WorkerID, c.NumWorkers))
	}
	if c.LogFrequency < 1 {
		errs = append(errs, fmt.Errorf("log_frequency must be positive, got %d", c.LogFrequency))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := patterns.ParsePolicy(c.Crawler.MatchStrategy); err != nil {
		errs = append(errs, err)
	}
	if c.Crawler.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("crawler.max_failures must not be negative, got %d", c.Crawler.MaxFailures))
	}
	if _, err := writer.ParseSize(c.Writer.PartitionSize); err != nil {
		errs = append(errs, err)
	}

	if len(c.Tables) == 0 {
		errs = append(errs, errors.New("at least one table is required"))
	}
	for name, t := range c.Tables {
		if t.Indexer.Name == "" {
			errs = append(errs, fmt.Errorf("tables.%s.indexer.name is required", name))
		}
		if len(t.Extractors) == 0 {
			errs = append(errs, fmt.Errorf("tables.%s needs at least one extractor", name))
		}
		for id, ex := range t.Extractors {
			if len(ex.Pattern) == 0 {
				errs = append(errs, fmt.Errorf("tables.%s.extractors.%s.pattern is required", name, id))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// RedoThreshold returns the resume error-rate threshold, or nil when disabled.
func (c *Config) RedoThreshold() *float64 {
	t := c.Paths.RedoErrorRateThreshold
	if t == nil || *t < 0 {
		return nil
	}
	return t
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return lvl, nil
}
