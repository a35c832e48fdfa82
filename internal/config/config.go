// Package config loads the build configuration.
//
// Sources, later ones overriding earlier ones:
//  1. defaults
//  2. the YAML config file ($XDG_CONFIG_HOME/vpb/config.yaml unless a path is given)
//  3. the secrets env file ($XDG_CONFIG_HOME/vpb/secrets.env or $VPB_ENV_FILE)
//  4. VPB_ prefixed environment variables, e.g. VPB_TASK_DIR=/build/tasks
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/3cpo-dev/vpb/internal/datasetcache"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VPB"

// Config is the process-wide build configuration.
type Config struct {
	// SourcePaths is searched for source data; in the environment it is a
	// path list separated like $PATH.
	SourcePaths     []string `mapstructure:"-"`
	DestinationDir  string   `mapstructure:"destination_dir"`
	IntermediateDir string   `mapstructure:"intermediate_dir"`
	LogDir          string   `mapstructure:"log_dir"`
	TaskDir         string   `mapstructure:"task_dir"`

	MachineFile string `mapstructure:"machine_file"`
	CacheFile   string `mapstructure:"cache_file"`

	TrimTilesScheme     string `mapstructure:"trim_tiles_scheme"`
	NumDatasetsToTrim   int    `mapstructure:"num_unused_datasets_to_trim_from_cache"`
	MaximumOpenDatasets int    `mapstructure:"maximum_num_open_datasets"`
	LedgerDB            string `mapstructure:"ledger_db"`
	MetricsAddr         string `mapstructure:"metrics_addr"`
	AgentToken          string `mapstructure:"agent_token"`
	MirrorParallelism   int    `mapstructure:"mirror_parallelism"`
	// Hostname overrides the local host name recorded in the variant cache.
	Hostname string `mapstructure:"hostname"`

	// File is the config file actually read, empty when none was found.
	File string `mapstructure:"-"`
}

// Dir returns $XDG_CONFIG_HOME/vpb or ~/.config/vpb.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "vpb")
}

// Load reads the configuration. A missing config or env file is not an
// error.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	file := path
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("no config file, using defaults")
		file = ""
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{File: file}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.SourcePaths = pathList(v.Get("source_paths"))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source_paths", "")
	v.SetDefault("destination_dir", ".")
	v.SetDefault("intermediate_dir", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("task_dir", "tasks")
	v.SetDefault("machine_file", "")
	v.SetDefault("cache_file", "")
	v.SetDefault("trim_tiles_scheme", "oldest")
	v.SetDefault("num_unused_datasets_to_trim_from_cache", datasetcache.DefaultTrimCount)
	v.SetDefault("maximum_num_open_datasets", datasetcache.DefaultCapacity())
	v.SetDefault("ledger_db", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("agent_token", "")
	v.SetDefault("mirror_parallelism", 4)
	v.SetDefault("hostname", "")
}

// loadEnvFile exports the secrets env file without overriding variables
// that are already set.
func loadEnvFile() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = filepath.Join(Dir(), "secrets.env")
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("loaded env file")
	return nil
}

func pathList(v any) []string {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = filepath.SplitList(x)
	case []string:
		raw = x
	case []any:
		for _, e := range x {
			raw = append(raw, fmt.Sprint(e))
		}
	}
	var out []string
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	if errors.As(err, &nf) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// Validate checks ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.NumDatasetsToTrim < 0 {
		errs = append(errs, fmt.Errorf("num_unused_datasets_to_trim_from_cache must not be negative, got %d", c.NumDatasetsToTrim))
	}
	if c.MaximumOpenDatasets < 1 {
		errs = append(errs, fmt.Errorf("maximum_num_open_datasets must be at least 1, got %d", c.MaximumOpenDatasets))
	}
	if c.MirrorParallelism < 1 {
		errs = append(errs, fmt.Errorf("mirror_parallelism must be at least 1, got %d", c.MirrorParallelism))
	}
	return errors.Join(errs...)
}

// TrimPolicy maps the trim scheme onto a cache eviction policy.
func (c *Config) TrimPolicy() datasetcache.Policy {
	return datasetcache.ParsePolicy(c.TrimTilesScheme)
}
