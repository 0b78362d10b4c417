package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/loykin/islerun"
	"github.com/loykin/islerun/internal/archive"
	"github.com/loykin/islerun/internal/history"
	"github.com/loykin/islerun/internal/launcher"
	"github.com/loykin/islerun/pkg/client"
)

// shutdownTimeout bounds the graceful stop of the HTTP servers.
const shutdownTimeout = 5 * time.Second

type command struct {
	global *GlobalFlags
	out    io.Writer
	// logs go to errOut, os.Stderr when nil
	errOut io.Writer
	// runner replaces the local process runner; tests only
	runner islerun.Runner
}

// loadConfig reads --config and applies the logging flags.
func (c *command) loadConfig() (*islerun.Config, *slog.Logger, error) {
	g := c.global
	if g == nil {
		g = &GlobalFlags{}
	}
	cfg, err := islerun.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.NoColor {
		cfg.Log.Color = false
	}
	lc := cfg.LoggerConfig()
	if err := lc.Validate(); err != nil {
		return nil, nil, fmt.Errorf("log flags: %w", err)
	}
	log := lc.NewSlogger()
	if c.errOut != nil {
		log = lc.NewSloggerTo(c.errOut)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func applyRunFlags(cfg *islerun.Config, f RunFlags) error {
	if f.Replicas >= 0 {
		cfg.Launch.Replicas = f.Replicas
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.ExitPolicy != "" {
		cfg.ExitPolicy = f.ExitPolicy
	}
	if f.MetricsListen != "" {
		cfg.Metrics.Listen = f.MetricsListen
	}
	if f.HistoryDSN != "" {
		cfg.History.DSN = f.HistoryDSN
	}
	return cfg.Validate()
}

// Execute runs the selected phases and turns the summary into an exit status.
func (c *command) Execute(ctx context.Context, f RunFlags, skipArchive, skipLaunch bool) error {
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cfg, f); err != nil {
		return err
	}

	if err := islerun.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Metrics.Listen != "" {
		srv, err := islerun.ServeMetrics(cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		log.Info("metrics listening", "addr", srv.Addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	sum, err := islerun.Execute(ctx, cfg, islerun.Options{
		SkipArchive: skipArchive,
		SkipLaunch:  skipLaunch,
		DryRun:      f.DryRun,
		Logger:      log,
		Runner:      c.runner,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: exitCanceled, err: err}
		}
		return err
	}
	if sum.ExitCode != 0 {
		return &exitError{code: sum.ExitCode}
	}
	return nil
}

type planRename struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type planReplica struct {
	ID   int      `json:"id" yaml:"id"`
	Argv []string `json:"argv" yaml:"argv"`
}

type planOutput struct {
	DataDir    string        `json:"data_dir" yaml:"data_dir"`
	ExitPolicy string        `json:"exit_policy" yaml:"exit_policy"`
	Renames    []planRename  `json:"renames" yaml:"renames"`
	Replicas   []planReplica `json:"replicas" yaml:"replicas"`
}

// Plan prints what run would do right now.
func (c *command) Plan(f PlanFlags) error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return err
	}
	spec := cfg.JobSpec()
	out := planOutput{
		DataDir:    spec.Archive.DataDir,
		ExitPolicy: string(spec.ExitPolicy),
		Renames:    []planRename{},
		Replicas:   []planReplica{},
	}
	for _, r := range archive.New(spec.Archive).Plan() {
		out.Renames = append(out.Renames, planRename{From: r.Source, To: r.Target})
	}
	for _, r := range launcher.New(spec.Launch).Plan() {
		out.Replicas = append(out.Replicas, planReplica{ID: r.ReplicaID, Argv: r.Argv})
	}

	switch f.Output {
	case "json":
		return printJSON(c.out, out)
	case "yaml", "":
		return printYAML(c.out, out)
	case "table":
		rows := make([][]string, 0, len(out.Renames)+len(out.Replicas))
		for _, r := range out.Renames {
			rows = append(rows, []string{"rename", r.From, r.To})
		}
		for _, r := range out.Replicas {
			rows = append(rows, []string{"replica " + strconv.Itoa(r.ID), strings.Join(r.Argv, " "), ""})
		}
		return printTable(c.out, []string{"STEP", "SUBJECT", "TARGET"}, rows)
	default:
		return fmt.Errorf("unknown output format %q", f.Output)
	}
}

// History lists runs, or events when a run or type filter is given.
func (c *command) History(ctx context.Context, f HistoryFlags) error {
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	listEvents := f.RunID != "" || f.Type != ""

	var (
		runs   []history.RunInfo
		events []history.Event
	)
	if f.APIUrl != "" {
		api := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Logger: log})
		if listEvents {
			evs, err := api.Events(ctx, client.EventQuery{RunID: f.RunID, Type: f.Type, Limit: f.Limit})
			if err != nil {
				return err
			}
			events = fromClientEvents(evs)
		} else {
			rs, err := api.Runs(ctx, f.Limit)
			if err != nil {
				return err
			}
			runs = fromClientRuns(rs)
		}
	} else {
		dsn := f.HistoryDSN
		if dsn == "" {
			dsn = cfg.History.DSN
		}
		if dsn == "" {
			return fmt.Errorf("no history store: set --history-dsn, [history] dsn or --api-url")
		}
		store, err := islerun.OpenHistory(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() { _ = store.Close() }()
		if listEvents {
			events, err = store.List(ctx, history.Query{RunID: f.RunID, Type: history.EventType(f.Type), Limit: f.Limit})
		} else {
			runs, err = history.Runs(ctx, store, f.Limit)
		}
		if err != nil {
			return err
		}
	}

	var v any = runs
	if listEvents {
		v = events
	}
	switch f.Output {
	case "json":
		return printJSON(c.out, v)
	case "yaml":
		return printYAML(c.out, v)
	case "table", "":
		if listEvents {
			return printTable(c.out, []string{"TIME", "RUN", "TYPE", "REPLICA", "SUBJECT", "STATUS", "EXIT", "ERROR"}, eventRows(events))
		}
		return printTable(c.out, []string{"RUN", "STARTED", "FINISHED", "STATUS", "EXIT", "ERROR"}, runRows(runs))
	default:
		return fmt.Errorf("unknown output format %q", f.Output)
	}
}

// Serve exposes the history store and /metrics until ctx is done.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, log, err := c.loadConfig()
	if err != nil {
		return err
	}
	listen := firstNonEmpty(f.Listen, cfg.Server.Listen)
	base := firstNonEmpty(f.BasePath, cfg.Server.BasePath)
	dsn := firstNonEmpty(f.HistoryDSN, cfg.History.DSN)
	if dsn == "" {
		return fmt.Errorf("serve needs a history store: set --history-dsn or [history] dsn")
	}

	if err := islerun.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	store, err := islerun.OpenHistory(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = store.Close() }()

	srv, err := islerun.NewHTTPServer(listen, base, store)
	if err != nil {
		return err
	}
	log.Info("serving history", "addr", srv.Addr, "base_path", base)

	<-ctx.Done()
	log.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func fromClientRuns(in []client.Run) []history.RunInfo {
	out := make([]history.RunInfo, 0, len(in))
	for _, r := range in {
		out = append(out, history.RunInfo{RunID: r.RunID, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, Status: r.Status, ExitCode: r.ExitCode, Error: r.Error})
	}
	return out
}

func fromClientEvents(in []client.Event) []history.Event {
	out := make([]history.Event, 0, len(in))
	for _, e := range in {
		out = append(out, history.Event{
			Type:       history.EventType(e.Type),
			RunID:      e.RunID,
			OccurredAt: e.OccurredAt,
			Subject:    e.Subject,
			Target:     e.Target,
			ReplicaID:  e.ReplicaID,
			Status:     e.Status,
			PID:        e.PID,
			ExitCode:   e.ExitCode,
			Error:      e.Error,
		})
	}
	return out
}

func runRows(runs []history.RunInfo) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		finished, code := "-", "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Local().Format(time.DateTime)
		}
		if r.ExitCode != nil {
			code = strconv.Itoa(*r.ExitCode)
		}
		rows = append(rows, []string{r.RunID, r.StartedAt.Local().Format(time.DateTime), finished, r.Status, code, r.Error})
	}
	return rows
}

func eventRows(events []history.Event) [][]string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		replica, code := "-", "-"
		if e.ReplicaID != history.NoReplica {
			replica = strconv.Itoa(e.ReplicaID)
		}
		if e.Type == history.EventReplicaExit || e.Type == history.EventRunEnd {
			code = strconv.Itoa(e.ExitCode)
		}
		subject := e.Subject
		if e.Target != "" {
			subject += " -> " + e.Target
		}
		rows = append(rows, []string{e.OccurredAt.Local().Format(time.DateTime), e.RunID, string(e.Type), replica, subject, e.Status, code, e.Error})
	}
	return rows
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
