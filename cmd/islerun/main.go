package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// exitCanceled is the status of a run interrupted by SIGINT/SIGTERM.
const exitCanceled = 130

// exitError carries a non-zero exit status computed by the run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(&command{out: os.Stdout})
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(os.Stderr, err))
}

// exitCode maps a command error to the process exit status, printing it
// unless it only carries a status.
func exitCode(stderr io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	_, _ = fmt.Fprintln(stderr, err)
	if errors.Is(err, context.Canceled) {
		return exitCanceled
	}
	return 1
}

// buildRoot creates the root command and its subcommands
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	planFlags := &PlanFlags{}
	historyFlags := &HistoryFlags{}
	serveFlags := &ServeFlags{}

	c.global = globalFlags
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, &RunFlags{}, "run", true, true),
		createRunCommand(c, &RunFlags{}, "archive", true, false),
		createRunCommand(c, &RunFlags{}, "launch", false, true),
		createPlanCommand(c, planFlags),
		createHistoryCommand(c, historyFlags),
		createServeCommand(c, serveFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "islerun",
		Short: "Archive simulation outputs and launch replicas",
		Long: `islerun renames the data files of the previous run with a timestamp
suffix and then runs the simulation once per replica, in order.

Without a config file it reproduces the reference run:
  data/<file>_<%Y_%h_%d_%H_%M> for the 8 manifest files, then
  python start.py --abce 0 --replicid 0..2

Examples:
  islerun run
  islerun run --config islerun.toml --history-dsn sqlite://history.db
  islerun plan --output table
  islerun history --history-dsn sqlite://history.db
  islerun serve --history-dsn postgres://user:pass@db/islerun`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML/YAML/JSON config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text or json")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored log output")
	return root
}

// createRunCommand creates run, archive and launch; they differ only in
// which phases execute.
func createRunCommand(c *command, f *RunFlags, use string, archive, launch bool) *cobra.Command {
	short := map[string]string{
		"run":     "Archive the data files, then launch every replica",
		"archive": "Only rename the data files with a timestamp suffix",
		"launch":  "Only launch the replicas",
	}[use]
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Execute(cmd.Context(), *f, !archive, !launch)
		},
	}

	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "log the planned renames and invocations without executing them")
	if launch {
		cmd.Flags().IntVar(&f.Replicas, "replicas", -1, "number of replicas (default from config)")
		cmd.Flags().StringVar(&f.ExitPolicy, "exit-policy", "", "exit status policy: last, any or never")
	} else {
		f.Replicas = -1
	}
	cmd.Flags().StringVar(&f.DataDir, "data-dir", "", "data directory (default from config)")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "serve Prometheus /metrics on this address while running")
	cmd.Flags().StringVar(&f.HistoryDSN, "history-dsn", "", "record run events (sqlite path, postgres:// or clickhouse://)")
	return cmd
}

func createPlanCommand(c *command, f *PlanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved renames and replica invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Plan(*f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "yaml", "output format: yaml, json or table")
	return cmd
}

func createHistoryCommand(c *command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or the events of one run",
		Long: `Without --run or --type, history lists runs newest first. With either
filter it lists the matching events in order.

Examples:
  islerun history --history-dsn sqlite://history.db
  islerun history --history-dsn sqlite://history.db --run 01JB... -o json
  islerun history --api-url http://host:8080/api --type replica_exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.HistoryDSN, "history-dsn", "", "history store DSN (default from config)")
	cmd.Flags().StringVar(&f.RunID, "run", "", "only events of this run")
	cmd.Flags().StringVar(&f.Type, "type", "", "only events of this type")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of rows")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table, json or yaml")

	// Remote server connection
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "read from an islerun server instead (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createServeCommand(c *command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded history and /metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (default from config, /api)")
	cmd.Flags().StringVar(&f.HistoryDSN, "history-dsn", "", "history store DSN (default from config)")
	return cmd
}
