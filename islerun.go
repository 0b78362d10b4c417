// Package islerun archives the outputs of a replicated simulation and
// launches its replicas one after another.
package islerun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/islerun/internal/config"
	"github.com/loykin/islerun/internal/history"
	"github.com/loykin/islerun/internal/history/factory"
	"github.com/loykin/islerun/internal/job"
	"github.com/loykin/islerun/internal/launcher"
	"github.com/loykin/islerun/internal/metrics"
	iapi "github.com/loykin/islerun/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Spec = job.Spec

type Summary = job.Summary

type ExitPolicy = job.ExitPolicy

type Event = history.Event

type HistoryStore = history.Store

type HistoryQuery = history.Query

// Runner executes one replica; replace it to run replicas somewhere other than a local process.
type Runner = launcher.Runner

// LoadConfig reads a TOML/YAML/JSON file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig reproduces the reference run.
func DefaultConfig() *Config { return config.Default() }

// Options adjusts a single Execute call.
type Options struct {
	SkipArchive bool
	SkipLaunch  bool
	DryRun      bool
	Logger      *slog.Logger
	// History overrides cfg.History.DSN; the caller keeps ownership.
	History history.Sink
	Runner  Runner
}

// Execute performs one run described by cfg. Events go to History when
// set, otherwise to the store named by cfg.History.DSN, if any.
func Execute(ctx context.Context, cfg *Config, o Options) (Summary, error) {
	spec := cfg.JobSpec()
	spec.SkipArchive = o.SkipArchive
	spec.SkipLaunch = o.SkipLaunch
	spec.DryRun = o.DryRun

	e, err := cfg.Env()
	if err != nil {
		return Summary{}, err
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	opts := []job.Option{job.WithEnv(e), job.WithLogger(log)}
	if o.Runner != nil {
		opts = append(opts, job.WithRunner(o.Runner))
	}

	sink := o.History
	if sink == nil && cfg.History.DSN != "" && !o.DryRun {
		store, err := OpenHistory(ctx, cfg.History.DSN)
		if err != nil {
			return Summary{}, fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = store.Close() }()
		sink = store
	}
	if sink != nil {
		opts = append(opts, job.WithSink(sink))
	}

	j, err := job.New(spec, opts...)
	if err != nil {
		return Summary{}, err
	}
	return j.Run(ctx)
}

// OpenHistory opens a history store from a DSN (sqlite path, postgres:// or clickhouse://).
func OpenHistory(ctx context.Context, dsn string) (HistoryStore, error) {
	return factory.NewStoreFromDSN(ctx, dsn)
}

// NewHTTPServer starts an HTTP server exposing recorded history and /metrics.
func NewHTTPServer(addr, basePath string, reader history.Reader) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, reader)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts a background HTTP server on addr exposing /metrics
// from the default registry. It fails when addr cannot be bound.
// Stop it with Shutdown or Close.
func ServeMetrics(addr string) (*http.Server, error) { return iapi.NewMetricsServer(addr) }
