package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/islerun/internal/archive"
	"github.com/loykin/islerun/internal/env"
	"github.com/loykin/islerun/internal/job"
	"github.com/loykin/islerun/internal/launcher"
	"github.com/loykin/islerun/internal/logger"
	"github.com/loykin/islerun/internal/metrics"
	"github.com/loykin/islerun/internal/process"
)

// EnvPrefix namespaces environment overrides, e.g. ISLERUN_LAUNCH_REPLICAS=5.
const EnvPrefix = "ISLERUN"

// Config represents the top-level configuration file. Every key has a
// default, so an empty file (or none) reproduces the reference run.
type Config struct {
	DataDir    string        `mapstructure:"data_dir"`
	ExitPolicy string        `mapstructure:"exit_policy"`
	Archive    ArchiveConfig `mapstructure:"archive"`
	Launch     LaunchConfig  `mapstructure:"launch"`
	Log        LogConfig     `mapstructure:"log"`
	History    HistoryConfig `mapstructure:"history"`
	Metrics    MetricsConfig `mapstructure:"metrics"`
	Server     ServerConfig  `mapstructure:"server"`
}

type ArchiveConfig struct {
	Files         []string `mapstructure:"files"`
	SuffixFormat  string   `mapstructure:"suffix_format"`
	TimestampMode string   `mapstructure:"timestamp_mode"`
}

type LaunchConfig struct {
	Command       string        `mapstructure:"command"`
	Args          []string      `mapstructure:"args"`
	Replicas      int           `mapstructure:"replicas"`
	ABCE          int           `mapstructure:"abce"`
	ABCEFlag      string        `mapstructure:"abce_flag"`
	ReplicaFlag   string        `mapstructure:"replica_flag"`
	WorkDir       string        `mapstructure:"work_dir"`
	Env           []string      `mapstructure:"env"`
	EnvFiles      []string      `mapstructure:"env_files"`
	UseOSEnv      bool          `mapstructure:"use_os_env"`
	Timeout       time.Duration `mapstructure:"timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	EnsureDataDir bool          `mapstructure:"ensure_data_dir"`
}

// LogConfig covers the orchestrator log (level..file) and replica output
// files (dir and rotation).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	Timestamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HistoryConfig selects the event store. Empty DSN disables recording.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	ad := archive.DefaultSpec()
	ld := launcher.DefaultSpec()
	lg := logger.DefaultConfig()

	v.SetDefault("data_dir", ad.DataDir)
	v.SetDefault("exit_policy", string(job.ExitLast))

	v.SetDefault("archive.files", ad.Files)
	v.SetDefault("archive.suffix_format", ad.SuffixFormat)
	v.SetDefault("archive.timestamp_mode", string(ad.Mode))

	v.SetDefault("launch.command", ld.Process.Command)
	v.SetDefault("launch.args", []string{})
	v.SetDefault("launch.replicas", ld.Replicas)
	v.SetDefault("launch.abce", ld.ABCE)
	v.SetDefault("launch.abce_flag", ld.ABCEFlag)
	v.SetDefault("launch.replica_flag", ld.ReplicaFlag)
	v.SetDefault("launch.work_dir", "")
	v.SetDefault("launch.env", []string{})
	v.SetDefault("launch.env_files", []string{})
	v.SetDefault("launch.use_os_env", true)
	v.SetDefault("launch.timeout", time.Duration(0))
	v.SetDefault("launch.grace_period", process.DefaultGracePeriod)
	v.SetDefault("launch.ensure_data_dir", ld.EnsureDataDir)

	v.SetDefault("log.level", string(lg.Slog.Level))
	v.SetDefault("log.format", string(lg.Slog.Format))
	v.SetDefault("log.color", lg.Slog.Color)
	v.SetDefault("log.timestamps", lg.Slog.TimeStamps)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", metrics.DefaultSampleInterval)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
}

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := load(v)
	if err != nil {
		// defaults are static; failing here is a programming error
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (TOML unless the extension says YAML or JSON), applies
// ISLERUN_* environment overrides and validates the result. An empty path
// yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the sections that can be checked without touching the filesystem.
func (c *Config) Validate() error {
	if err := c.LoggerConfig().Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	spec := c.JobSpec()
	if err := spec.Validate(); err != nil {
		return err
	}
	if c.Launch.GracePeriod < 0 {
		return fmt.Errorf("launch: grace_period cannot be negative")
	}
	return nil
}

// JobSpec converts the file sections into a run description.
func (c *Config) JobSpec() job.Spec {
	dataDir := c.DataDir
	// data_dir is relative to the replica's working directory
	if c.Launch.WorkDir != "" && dataDir != "" && !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(c.Launch.WorkDir, dataDir)
	}
	return job.Spec{
		Archive: archive.Spec{
			DataDir:      dataDir,
			Files:        append([]string(nil), c.Archive.Files...),
			SuffixFormat: c.Archive.SuffixFormat,
			Mode:         archive.TimestampMode(c.Archive.TimestampMode),
		},
		Launch: launcher.Spec{
			Process: process.Spec{
				Name:        "replica",
				Command:     c.Launch.Command,
				Args:        append([]string(nil), c.Launch.Args...),
				WorkDir:     c.Launch.WorkDir,
				Timeout:     c.Launch.Timeout,
				GracePeriod: c.Launch.GracePeriod,
				Log:         c.LoggerConfig(),
			},
			Replicas:      c.Launch.Replicas,
			ABCE:          c.Launch.ABCE,
			ABCEFlag:      c.Launch.ABCEFlag,
			ReplicaFlag:   c.Launch.ReplicaFlag,
			DataDir:       dataDir,
			EnsureDataDir: c.Launch.EnsureDataDir,
		},
		ExitPolicy:     job.ExitPolicy(c.ExitPolicy),
		SampleInterval: c.Metrics.SampleInterval,
	}
}

// LoggerConfig maps [log] onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(strings.ToLower(c.Log.Level)),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: c.Log.Timestamps,
			Source:     c.Log.Source,
			File:       c.Log.File,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// Env builds the replica environment.
// Precedence: OS env (when enabled) provides base; then apply file vars; then the env list overrides last.
func (c *Config) Env() (*env.Env, error) {
	e := env.Isolated()
	if c.Launch.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.Launch.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	e.SetPairs(c.Launch.Env)
	return e, nil
}
